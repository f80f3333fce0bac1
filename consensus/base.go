package consensus

import (
	"bytes"
	"fmt"

	"hotstuff_demo/libs/promise"
	"hotstuff_demo/libs/vpool"
	"hotstuff_demo/mempool"
	"hotstuff_demo/state"
	"hotstuff_demo/store"
	"hotstuff_demo/types"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/cmap"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
)

// 临时配置区
const (
	// 一个提案打包的命令条数
	defaultBlkSize = 4
	// verify pool的worker数
	defaultNWorker = 4
	// 队列容量 - completionQueue必须足够大，promise continuation都从这里过
	msgQueueSize        = 1000
	completionQueueSize = 4096
)

// ------ Event ------
// reactor监听的consensus广播事件
const (
	EventNewProposal = "NewProposal"
	EventNewVote     = "NewVote"
	EventReqBlocks   = "ReqBlocks"
	EventRespBlocks  = "RespBlocks"
)

// BlockRequest - 向指定peer拉取缺失的区块
type BlockRequest struct {
	PeerID p2p.ID
	Hashes []tmbytes.HexBytes
}

// BlockResponse - 把区块回给请求的peer
type BlockResponse struct {
	PeerID p2p.ID
	Blks   []*types.Block
}

// CommitCallback 命令提交后的客户端回调
// 永远不会以错误触发 - 命令没提交回调就不来，客户端自己超时
type CommitCallback func(*types.Finality)

// HotStuff - 共识服务
// 在HotStuffCore外面包一层事件循环、区块交付流水线和命令打包循环
//
// 并发模型: recieveRoutine独占全部共识状态，
// peer消息、内部消息、promise continuation、验证结果都以完成事件的
// 形式进同一个goroutine；verify pool只碰不可变快照
type HotStuff struct {
	service.BaseService
	*HotStuffCore

	blkSize   int
	staleness int

	mempool  mempool.Mempool
	executor state.Executor
	pmaker   Pacemaker
	vpool    *vpool.VerifyPool

	// 通信管道
	peerMsgQueue     chan msgInfo
	internalMsgQueue chan msgInfo
	completionQueue  chan func()
	eventSwitch      events.EventSwitch

	// delivery pipeline的等待表
	blkFetchWaiting    map[string]*blockFetchContext
	blkDeliveryWaiting map[string]*promise.Promise
	// 正在处理的提案，防止gossip回流造成重复处理
	pendingProposals map[string]struct{}
	// cmd hash(hex) -> CommitCallback
	decisionWaiting *cmap.CMap

	genesisHash tmbytes.HexBytes
	metric      *hotstuffMetric
}

// blockFetchContext 合并同一个hash的并发拉取请求
type blockFetchContext struct {
	pm    *promise.Promise
	peers map[p2p.ID]struct{}
}

type HotStuffOption func(*HotStuff)

func SetBlkSize(blkSize int) HotStuffOption {
	return func(hs *HotStuff) { hs.blkSize = blkSize }
}

func SetStaleness(staleness int) HotStuffOption {
	return func(hs *HotStuff) { hs.staleness = staleness }
}

func SetPacemaker(pmaker Pacemaker) HotStuffOption {
	return func(hs *HotStuff) { hs.pmaker = pmaker }
}

func NewHotStuff(
	chainID string,
	id types.ReplicaID,
	privVal types.PrivValidator,
	vals *types.ValidatorSet,
	masterVal *types.Validator,
	blockStore *store.BlockStore,
	mem mempool.Mempool,
	executor state.Executor,
	options ...HotStuffOption,
) *HotStuff {
	hs := &HotStuff{
		blkSize:   defaultBlkSize,
		staleness: 0,

		mempool:  mem,
		executor: executor,
		vpool:    vpool.New(defaultNWorker),

		peerMsgQueue:     make(chan msgInfo, msgQueueSize),
		internalMsgQueue: make(chan msgInfo, msgQueueSize),
		completionQueue:  make(chan func(), completionQueueSize),
		eventSwitch:      events.NewEventSwitch(),

		blkFetchWaiting:    make(map[string]*blockFetchContext),
		blkDeliveryWaiting: make(map[string]*promise.Promise),
		pendingProposals:   make(map[string]struct{}),
		decisionWaiting:    cmap.NewCMap(),

		metric: newHotStuffMetric(),
	}

	core := NewHotStuffCore(chainID, id, privVal, vals, masterVal.PubKey,
		blockStore, hs.schedule, log.NewNopLogger())
	hs.HotStuffCore = core
	hs.genesisHash = core.Genesis().Hash()

	core.doBroadcastProposal = hs.doBroadcastProposal
	core.doVote = hs.doVote
	core.doDecide = hs.doDecide

	// n = 2f+1
	nfaulty := (vals.Size() - 1) / 2
	core.OnInit(nfaulty)

	hs.pmaker = NewWaitQCPacemaker(0)

	hs.BaseService = *service.NewBaseService(nil, "CONSENSUS", hs)

	for _, option := range options {
		option(hs)
	}
	hs.pmaker.Init(hs)
	return hs
}

func (hs *HotStuff) SetLogger(logger log.Logger) {
	hs.Logger = logger
	hs.HotStuffCore.SetLogger(logger)
}

func (hs *HotStuff) EventSwitch() events.EventSwitch {
	return hs.eventSwitch
}

func (hs *HotStuff) Metric() *hotstuffMetric {
	return hs.metric
}

func (hs *HotStuff) String() string {
	return hs.BaseService.String()
}

func (hs *HotStuff) OnStart() error {
	go hs.recieveRoutine()
	hs.Logger.Info("consensus receive routine started.")
	return nil
}

func (hs *HotStuff) OnStop() {
	if err := hs.eventSwitch.Stop(); err != nil {
		hs.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
	hs.Logger.Info("consensus server stopped.")
}

// schedule 把promise continuation投递回主循环
// 队列满时退化成goroutine投递 - 交付顺序由promise依赖图保证，不依赖队列顺序
func (hs *HotStuff) schedule(fn func()) {
	select {
	case hs.completionQueue <- fn:
	default:
		go func() { hs.completionQueue <- fn }()
	}
}

// recieveRoutine负责接收所有的消息和完成事件，独占共识状态
func (hs *HotStuff) recieveRoutine() {
	hs.Logger.Debug("consensus receive routine starts.")
	for {
		select {
		case <-hs.Quit():
			hs.Logger.Info("recieveRoutine quit.")
			return

		case mi := <-hs.peerMsgQueue:
			// 接收到其他节点的消息
			hs.handleMsg(mi)

		case mi := <-hs.internalMsgQueue:
			// 收到内部生成的投票or提案
			hs.handleMsg(mi)

		case fn := <-hs.completionQueue:
			// promise continuation、验证结果、beat结果
			fn()

		case <-hs.mempool.CmdsAvailable():
			hs.handleNewCmds()
		}
	}
}

// handleMsg 根据不同的消息类型进行操作
func (hs *HotStuff) handleMsg(mi msgInfo) {
	msg, peerID := mi.Msg, mi.PeerID

	switch msg := msg.(type) {
	case *ProposalMessage:
		if err := msg.ValidateBasic(); err != nil {
			hs.Logger.Error("receive wrong proposal.", "error", err)
			return
		}
		hs.handleProposal(msg.Proposal, peerID)

	case *VoteMessage:
		if err := msg.ValidateBasic(); err != nil {
			hs.Logger.Error("receive wrong vote.", "error", err)
			return
		}
		hs.handleVote(msg.Vote, peerID)

	case *BlockReqMessage:
		hs.handleBlockReq(msg, peerID)

	case *BlockRespMessage:
		for _, blk := range msg.Blks {
			if blk != nil {
				hs.OnFetchBlock(blk)
			}
		}

	default:
		hs.Logger.Error("unknown msg type", "msg", fmt.Sprintf("%T", msg))
	}
}

// handleCoreError 统一处理核心返回的错误
// 只有safety breached会终止进程，其余按协议违规记日志
func (hs *HotStuff) handleCoreError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, ErrSafetyBreached) {
		hs.Logger.Error("SAFETY BREACHED - aborting", "err", err)
		tmos.Exit(err.Error())
		return
	}
	hs.Logger.Info("protocol violation", "err", err)
}

// ---- 提案/投票入口 ----

// handleProposal 提案先过delivery pipeline，祖先齐活后才进安全核心
func (hs *HotStuff) handleProposal(prop *types.Proposal, src p2p.ID) {
	blk := prop.Blk

	// 验证提案人身份和签名，gossip转发的提案也要能追溯到proposer
	_, val := hs.Validators().GetByIndex(int32(prop.Proposer))
	if val == nil {
		hs.Logger.Error("proposal from unknown proposer", "proposer", prop.Proposer)
		return
	}
	if !val.PubKey.VerifySignature(types.ProposalSignBytes(hs.ChainID(), prop), prop.Signature) {
		hs.Logger.Error("verifying proposal signature failed", "proposer", prop.Proposer)
		return
	}

	k := string(blk.Hash())
	if hs.Storage().IsBlockDelivered(blk.Hash()) {
		hs.Logger.Debug("proposal for already delivered block", "block", blk)
		return
	}
	if _, exist := hs.pendingProposals[k]; exist {
		return
	}
	hs.pendingProposals[k] = struct{}{}

	hs.OnFetchBlock(blk)
	// storage里的canonical实例才带着deliver状态
	prop.Blk = hs.Storage().FindBlock(blk.Hash())

	hs.AsyncDeliverBlock(prop.Blk.Hash(), src).Then(func(_ interface{}, err error) {
		delete(hs.pendingProposals, k)
		if err != nil {
			hs.Logger.Error("proposal delivery failed", "proposal", prop, "err", err)
			return
		}
		if err := hs.OnReceiveProposal(prop); err != nil {
			hs.handleCoreError(err)
			return
		}
		// 接受提案后转发，best-effort gossip
		hs.eventSwitch.FireEvent(EventNewProposal, prop)
	})
}

// handleVote 投票的区块deliver且份额签名验证通过后才计票
func (hs *HotStuff) handleVote(vote *types.Vote, src p2p.ID) {
	pms := []*promise.Promise{
		hs.AsyncDeliverBlock(vote.BlkHash, src),
		hs.asyncVerifyVote(vote),
	}
	promise.All(hs.schedule, pms...).Then(func(_ interface{}, err error) {
		if err != nil {
			hs.Logger.Info("invalid vote", "voter", vote.Voter, "err", err)
			return
		}
		if err := hs.OnReceiveVote(vote); err != nil {
			hs.handleCoreError(err)
		}
	})
}

// handleBlockReq 把已经fetch到的区块回给请求者
// 本地也缺的区块不会resolve，请求者靠自己的重试机制兜底
func (hs *HotStuff) handleBlockReq(msg *BlockReqMessage, src p2p.ID) {
	pms := make([]*promise.Promise, 0, len(msg.Hashes))
	for _, h := range msg.Hashes {
		pms = append(pms, hs.AsyncFetchBlock(h, ""))
	}
	promise.All(hs.schedule, pms...).Then(func(val interface{}, err error) {
		if err != nil {
			return
		}
		vals := val.([]interface{})
		blks := make([]*types.Block, 0, len(vals))
		for _, v := range vals {
			blks = append(blks, v.(*types.Block))
		}
		hs.eventSwitch.FireEvent(EventRespBlocks, &BlockResponse{PeerID: src, Blks: blks})
	})
}

// ---- delivery pipeline ----

// AsyncFetchBlock 区块fetch到本地时resolve
// 已在storage里则立即resolve；否则登记等待并向peer发起拉取，
// 同一个hash的并发请求合并到一个context
func (hs *HotStuff) AsyncFetchBlock(hash tmbytes.HexBytes, peer p2p.ID) *promise.Promise {
	if hs.Storage().IsBlockFetched(hash) {
		return promise.Resolved(hs.schedule, hs.Storage().FindBlock(hash))
	}

	k := string(hash)
	ctx, exist := hs.blkFetchWaiting[k]
	if !exist {
		ctx = &blockFetchContext{
			pm:    promise.New(hs.schedule),
			peers: make(map[p2p.ID]struct{}),
		}
		hs.blkFetchWaiting[k] = ctx
	}
	if peer != "" {
		if _, asked := ctx.peers[peer]; !asked {
			ctx.peers[peer] = struct{}{}
			hs.eventSwitch.FireEvent(EventReqBlocks, &BlockRequest{
				PeerID: peer,
				Hashes: []tmbytes.HexBytes{hash},
			})
		}
	}
	return ctx.pm
}

// OnFetchBlock 区块到达 - 入库并唤醒等它的fetch context
func (hs *HotStuff) OnFetchBlock(blk *types.Block) *types.Block {
	blk = hs.Storage().AddBlock(blk)
	hs.metric.MarkFetched()

	k := string(blk.Hash())
	if ctx, exist := hs.blkFetchWaiting[k]; exist {
		delete(hs.blkFetchWaiting, k)
		ctx.pm.Resolve(blk)
	}
	return blk
}

// AsyncDeliverBlock 区块deliver完成时resolve，按hash记忆化
// 流程: fetch本体 -> 并行{fetch QC引用、递归deliver所有父区块、异步验证}
// -> 全部就绪后进核心OnDeliverBlk
// 验证失败会reject整条future，父区块的future不受影响
func (hs *HotStuff) AsyncDeliverBlock(hash tmbytes.HexBytes, peer p2p.ID) *promise.Promise {
	if hs.Storage().IsBlockDelivered(hash) {
		return promise.Resolved(hs.schedule, hs.Storage().FindBlock(hash))
	}
	k := string(hash)
	if pm, exist := hs.blkDeliveryWaiting[k]; exist {
		return pm
	}
	pm := promise.New(hs.schedule)
	hs.blkDeliveryWaiting[k] = pm

	hs.AsyncFetchBlock(hash, peer).Then(func(val interface{}, err error) {
		if err != nil {
			hs.rejectDelivery(k, err)
			return
		}
		blk := val.(*types.Block)

		pms := []*promise.Promise{}
		// qc引用的区块fetch到即可，不要求deliver
		if blk.QC != nil {
			pms = append(pms, hs.AsyncFetchBlock(blk.QC.BlkHash, peer))
		}
		// 父区块必须先deliver
		for _, ph := range blk.ParentHashes {
			pms = append(pms, hs.AsyncDeliverBlock(ph, peer))
		}
		pms = append(pms, hs.asyncVerifyBlock(blk))

		promise.All(hs.schedule, pms...).Then(func(_ interface{}, err error) {
			if err != nil {
				hs.Logger.Error("block delivery failed", "block", blk, "err", err)
				hs.rejectDelivery(k, errors.Wrap(err, "deliver block"))
				return
			}
			hs.deliverBlock(blk)
		})
	})
	return pm
}

func (hs *HotStuff) rejectDelivery(k string, err error) {
	if pm, exist := hs.blkDeliveryWaiting[k]; exist {
		delete(hs.blkDeliveryWaiting, k)
		pm.Reject(err)
	}
}

func (hs *HotStuff) deliverBlock(blk *types.Block) {
	ok, err := hs.OnDeliverBlk(blk)
	k := string(blk.Hash())
	pm, exist := hs.blkDeliveryWaiting[k]
	if !exist {
		return
	}
	delete(hs.blkDeliveryWaiting, k)

	if err != nil {
		pm.Reject(err)
		return
	}
	if ok {
		hs.metric.MarkDelivered()
	}
	pm.Resolve(blk)
}

// asyncVerifyBlock 把结构检查和QC聚合签名验证丢到verify pool
// 创世区块和指向创世区块的QC跳过 - 它的QC是本地预装的自证书
func (hs *HotStuff) asyncVerifyBlock(blk *types.Block) *promise.Promise {
	pm := promise.New(hs.schedule)
	if bytes.Equal(blk.Hash(), hs.genesisHash) {
		pm.Resolve(blk)
		return pm
	}

	qc := blk.QC
	masterPub := hs.MasterPub()
	genesisHash := hs.genesisHash
	hs.vpool.Submit(func() error {
		if err := blk.ValidateBasic(); err != nil {
			return err
		}
		if qc != nil && !bytes.Equal(qc.BlkHash, genesisHash) {
			return qc.Verify(masterPub)
		}
		return nil
	}, func(err error) {
		if err != nil {
			pm.Reject(errors.Wrap(err, "block verification"))
			return
		}
		pm.Resolve(blk)
	})
	return pm
}

func (hs *HotStuff) asyncVerifyVote(vote *types.Vote) *promise.Promise {
	pm := promise.New(hs.schedule)
	vals := hs.Validators()
	hs.vpool.Submit(func() error {
		return vote.Verify(vals)
	}, func(err error) {
		if err != nil {
			pm.Reject(errors.Wrap(err, "vote verification"))
			return
		}
		pm.Resolve(vote)
	})
	return pm
}

// ---- leader command loop ----

// ExecCommand 客户端入口，可以从任意goroutine调用
// 命令原文入库，打包、提交与否由共识决定；回调只在命令提交后触发
func (hs *HotStuff) ExecCommand(cmd types.Command, cb CommitCallback) error {
	hs.Storage().AddCmd(cmd)
	return hs.mempool.CheckCmd(cmd, mempool.CommitCallback(cb), mempool.CmdInfo{})
}

// handleNewCmds 命令打包循环，一个调度周期只打包一个batch，
// 避免提案工作饿死交付和投票处理
func (hs *HotStuff) handleNewCmds() {
	// 不是proposer就丢弃缓冲的命令，客户端会在正确的leader上重试
	if hs.pmaker.GetProposer() != hs.ID() {
		dropped := hs.mempool.Flush()
		if len(dropped) > 0 {
			hs.Logger.Debug("not the proposer, dropped pending cmds", "count", len(dropped))
		}
		return
	}

	if hs.mempool.Size() < hs.blkSize {
		return
	}

	batch := hs.mempool.ReapBatch(hs.blkSize)
	cmds := make([]tmbytes.HexBytes, len(batch))
	for i, pc := range batch {
		cmds[i] = pc.Cmd.Hash()
		if pc.Callback != nil && !hs.decisionWaiting.Has(cmds[i].String()) {
			hs.decisionWaiting.Set(cmds[i].String(), CommitCallback(pc.Callback))
		}
	}

	hs.pmaker.Beat().Then(func(val interface{}, err error) {
		if err != nil {
			hs.Logger.Error("beat failed", "err", err)
			return
		}
		// beat期间proposer可能已经换人
		if val.(types.ReplicaID) != hs.ID() {
			return
		}
		if _, err := hs.OnPropose(cmds, hs.pmaker.GetParents(), nil); err != nil {
			hs.handleCoreError(err)
			return
		}
		hs.metric.MarkProposed()
		if hs.staleness > 0 {
			hs.Prune(hs.staleness)
		}
		// 还有积压的命令就再触发一轮调度
		if hs.mempool.Size() >= hs.blkSize {
			hs.mempool.NotifyCmdsAvailable()
		}
	})
}

// ---- 核心副作用出口 ----

func (hs *HotStuff) doBroadcastProposal(prop *types.Proposal) {
	hs.eventSwitch.FireEvent(EventNewProposal, prop)
}

// doVote 把投票送给proposer
// 集群是全连接的switch，直接broadcast - 其余节点收到不是发给
// 自己的投票后在计票时自然吸收
func (hs *HotStuff) doVote(proposer types.ReplicaID, vote *types.Vote) {
	hs.eventSwitch.FireEvent(EventNewVote, vote)
}

// doDecide 按日志序执行提交的命令并触发客户端回调
func (hs *HotStuff) doDecide(fin *types.Finality) {
	hs.metric.MarkDecided()

	cmd := hs.Storage().FindCmd(fin.CmdHash)
	if hs.executor != nil {
		if err := hs.executor.ExecFinality(fin, cmd); err != nil {
			hs.Logger.Error("execute finality failed", "finality", fin, "err", err)
		}
	}

	k := fin.CmdHash.String()
	if cb, exist := hs.decisionWaiting.Get(k).(CommitCallback); exist && cb != nil {
		cb(fin)
		hs.decisionWaiting.Delete(k)
	}
	hs.Storage().ReleaseCmd(fin.CmdHash)
	hs.metric.Snapshot(hs.HotStuffCore)
}

// ----- MsgInfo -----
// 与reactor之间通信的消息格式
type msgInfo struct {
	Msg    Message
	PeerID p2p.ID
}

// sendInternalMessage 往内部的channel写入消息
// 直接写可能会因为recieveRoutine blocked从而导致本协程block
func (hs *HotStuff) sendInternalMessage(mi msgInfo) {
	select {
	case hs.internalMsgQueue <- mi:
	default:
		// NOTE: using the go-routine means our votes can
		// be processed out of order.
		hs.Logger.Debug("internal msg queue is full; using a go-routine")
		go func() {
			hs.internalMsgQueue <- mi
		}()
	}
}
