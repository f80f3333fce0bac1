package consensus

import (
	"fmt"

	"hotstuff_demo/libs/promise"
	"hotstuff_demo/store"
	"hotstuff_demo/types"

	"github.com/tendermint/tendermint/crypto"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"
)

// HotStuffCore - 安全性和提交规则的状态机
//
// 所有方法都必须在同一个逻辑执行上下文(recieveRoutine)上调用，
// 方法内部不挂起、不加锁，执行期间对其他入口原子
//
// 副作用通过doBroadcastProposal/doVote/doDecide三个出口离开核心，
// 由上层(HotStuff)注入实现，测试时可以替换 - 和decideProposal的思路一样
type HotStuffCore struct {
	logger log.Logger

	chainID string
	id      types.ReplicaID
	privVal types.PrivValidator

	vals      *types.ValidatorSet
	masterPub crypto.PubKey
	nmajority int

	storage *store.BlockStore

	// 共识状态
	b0      *types.Block
	bexec   *types.Block
	vheight int64
	hqcBlk  *types.Block
	hqcQC   *types.QuorumCert
	tails   map[string]*types.Block
	negVote bool

	// async waiter registry
	// qcWaiting是keyed one-shot；propose/receiveProposal/hqcUpdate是
	// broadcast one-shot - resolve前先装一个新的slot，晚到的订阅者等下一次事件
	sched                  promise.Scheduler
	qcWaiting              map[string]*promise.Promise
	proposeWaiting         *promise.Promise
	receiveProposalWaiting *promise.Promise
	hqcUpdateWaiting       *promise.Promise

	doBroadcastProposal func(*types.Proposal)
	doVote              func(types.ReplicaID, *types.Vote)
	doDecide            func(*types.Finality)
}

func NewHotStuffCore(
	chainID string,
	id types.ReplicaID,
	privVal types.PrivValidator,
	vals *types.ValidatorSet,
	masterPub crypto.PubKey,
	storage *store.BlockStore,
	sched promise.Scheduler,
	logger log.Logger,
) *HotStuffCore {
	b0 := storage.AddBlock(types.MakeGenesisBlock(chainID))

	core := &HotStuffCore{
		logger:    logger,
		chainID:   chainID,
		id:        id,
		privVal:   privVal,
		vals:      vals,
		masterPub: masterPub,
		storage:   storage,
		b0:        b0,
		bexec:     b0,
		vheight:   b0.Height,
		tails:     map[string]*types.Block{string(b0.Hash()): b0},
		qcWaiting: make(map[string]*promise.Promise),
		sched:     sched,

		doBroadcastProposal: func(*types.Proposal) {},
		doVote:              func(types.ReplicaID, *types.Vote) {},
		doDecide:            func(*types.Finality) {},
	}
	core.proposeWaiting = promise.New(sched)
	core.receiveProposalWaiting = promise.New(sched)
	core.hqcUpdateWaiting = promise.New(sched)
	return core
}

func (core *HotStuffCore) SetLogger(logger log.Logger) {
	core.logger = logger
}

// OnInit 设定法定人数并给创世区块装上自引用的QC
func (core *HotStuffCore) OnInit(nfaulty int) {
	core.nmajority = 2*nfaulty + 1

	qc := types.NewQuorumCert(core.b0.Hash())
	if err := qc.Compute(core.nmajority, core.vals.Size()); err != nil {
		panic(fmt.Sprintf("genesis qc compute: %v", err))
	}
	core.b0.QC = qc
	core.b0.SelfQC = qc.Clone()
	core.b0.QCRef = core.b0
	core.hqcBlk = core.b0
	core.hqcQC = qc.Clone()

	// 每个副本视作已为创世区块投过票，第一个提案就能携带QC
	for i := 0; i < core.vals.Size(); i++ {
		core.b0.Voted[types.ReplicaID(i)] = struct{}{}
	}
}

// ---- accessors ----

func (core *HotStuffCore) ID() types.ReplicaID          { return core.id }
func (core *HotStuffCore) ChainID() string              { return core.chainID }
func (core *HotStuffCore) Genesis() *types.Block        { return core.b0 }
func (core *HotStuffCore) BExec() *types.Block          { return core.bexec }
func (core *HotStuffCore) VHeight() int64               { return core.vheight }
func (core *HotStuffCore) Majority() int                { return core.nmajority }
func (core *HotStuffCore) Validators() *types.ValidatorSet { return core.vals }
func (core *HotStuffCore) MasterPub() crypto.PubKey     { return core.masterPub }
func (core *HotStuffCore) Storage() *store.BlockStore   { return core.storage }

// HQC 返回观察到的最高QC和它指向的区块
func (core *HotStuffCore) HQC() (*types.Block, *types.QuorumCert) {
	return core.hqcBlk, core.hqcQC
}

// Tails 返回当前DAG的叶子集合
func (core *HotStuffCore) Tails() []*types.Block {
	tails := make([]*types.Block, 0, len(core.tails))
	for _, blk := range core.tails {
		tails = append(tails, blk)
	}
	return tails
}

// SetNegVote 管理开关 - 置位后本节点不再发出投票
func (core *HotStuffCore) SetNegVote(negVote bool) {
	core.negVote = negVote
}

func (core *HotStuffCore) getDeliveredBlock(hash tmbytes.HexBytes) (*types.Block, error) {
	blk := core.storage.FindBlock(hash)
	if blk == nil || !blk.Delivered {
		return nil, ErrNotDelivered
	}
	return blk, nil
}

// ---- 协议逻辑 ----

// OnDeliverBlk 依赖全部就绪后把区块正式并入DAG
// 前置条件: 所有父区块已deliver；如果区块携带QC，QC指向的区块已fetch
// 重复deliver不是错误，打warning后跳过
func (core *HotStuffCore) OnDeliverBlk(blk *types.Block) (bool, error) {
	if blk.Delivered {
		core.logger.Info("attempt to deliver a block twice", "block", blk)
		return false, nil
	}

	blk.Parents = blk.Parents[:0]
	for _, ph := range blk.ParentHashes {
		parent, err := core.getDeliveredBlock(ph)
		if err != nil {
			return false, err
		}
		blk.Parents = append(blk.Parents, parent)
	}
	blk.Height = blk.Parents[0].Height + 1

	if blk.QC != nil {
		ref := core.storage.FindBlock(blk.QC.BlkHash)
		if ref == nil {
			return false, ErrQCRefNotFetched
		}
		blk.QCRef = ref
	} // 不携带QC时QCRef保持nil

	for _, parent := range blk.Parents {
		delete(core.tails, string(parent.Hash()))
	}
	core.tails[string(blk.Hash())] = blk

	blk.Delivered = true
	core.logger.Debug("deliver block", "block", blk)
	return true, nil
}

// updateHQC 只在看到严格更高的QC时替换hqc - 同高度保留先到的
func (core *HotStuffCore) updateHQC(blk *types.Block, qc *types.QuorumCert) {
	if blk.Height > core.hqcBlk.Height {
		core.hqcBlk = blk
		core.hqcQC = qc.Clone()
		core.onHQCUpdate()
	}
}

// update - 提交规则，每个携带QC的新区块deliver后调用
// 三条直接父子相连的QC(p <- blk <- nblk)把p以及p到bexec之间的所有
// 祖先变为已提交，按日志序对每条命令回调doDecide
func (core *HotStuffCore) update(nblk *types.Block) error {
	blk := nblk.QCRef
	if blk == nil {
		return ErrEmptyQCRef
	}
	core.updateHQC(blk, nblk.QC)

	if blk.QCRef == nil {
		return nil
	}
	// decision非0说明该分支已经处理过 - prune后区块可能不完整
	if blk.Decision != 0 {
		return nil
	}
	p := blk.Parents[0]
	if p.Decision != 0 {
		return nil
	}
	// 提交要求QC指向自己的主父区块
	if p != blk.QCRef {
		return nil
	}

	commitQueue := []*types.Block{}
	b := p
	for ; b.Height > core.bexec.Height; b = b.Parents[0] {
		commitQueue = append(commitQueue, b)
	}
	if b != core.bexec {
		return fmt.Errorf("%w: %v vs %v", ErrSafetyBreached, p, core.bexec)
	}

	for i := len(commitQueue) - 1; i >= 0; i-- {
		committed := commitQueue[i]
		committed.Decision = 1
		core.logger.Info("commit block", "block", committed)
		for idx, cmdHash := range committed.Cmds {
			core.doDecide(&types.Finality{
				ReplicaID: core.id,
				Decision:  1,
				CmdIdx:    idx,
				BlkHeight: committed.Height,
				CmdHash:   cmdHash,
				BlkHash:   committed.Hash(),
			})
		}
	}
	core.bexec = p
	return nil
}

// OnPropose - leader路径
// 主父区块凑够法定票数时提案携带它的QC；新区块先自deliver、跑一遍
// 提交规则，然后自投票，最后广播
func (core *HotStuffCore) OnPropose(cmds []tmbytes.HexBytes, parents []*types.Block, extra []byte) (*types.Proposal, error) {
	if len(parents) == 0 {
		return nil, ErrEmptyParents
	}
	for _, parent := range parents {
		delete(core.tails, string(parent.Hash()))
	}
	p := parents[0]

	var qc *types.QuorumCert
	// 区块可以选择性携带一个QC
	if len(p.Voted) >= core.nmajority {
		qc = p.SelfQC.Clone()
	}

	parentHashes := make([]tmbytes.HexBytes, len(parents))
	for i, parent := range parents {
		parentHashes[i] = parent.Hash()
	}
	bnew := core.storage.AddBlock(types.MakeBlock(parentHashes, cmds, qc, extra))
	bnew.SelfQC = types.NewQuorumCert(bnew.Hash())

	if _, err := core.OnDeliverBlk(bnew); err != nil {
		return nil, err
	}
	if err := core.update(bnew); err != nil && err != ErrEmptyQCRef {
		return nil, err
	}

	prop := &types.Proposal{Proposer: core.id, Blk: bnew}
	if err := core.privVal.SignProposal(core.chainID, prop); err != nil {
		return nil, err
	}
	core.logger.Info("propose block", "block", bnew)

	// self-vote
	if bnew.Height <= core.vheight {
		return nil, ErrLowerVHeight
	}
	core.vheight = bnew.Height

	vote := &types.Vote{Voter: core.id, BlkHash: bnew.Hash()}
	if err := core.privVal.SignVote(core.chainID, vote); err != nil {
		return nil, err
	}
	if err := core.OnReceiveVote(vote); err != nil {
		return nil, err
	}

	core.onProposeEvent(prop)
	// 广播给其他副本
	core.doBroadcastProposal(prop)
	return prop, nil
}

// OnReceiveProposal - follower路径
// 先跑提交规则，再按安全规则决定投票: 区块高度必须超过vheight，
// 且沿主父链回溯要落在hqc指向的分支上
func (core *HotStuffCore) OnReceiveProposal(prop *types.Proposal) error {
	bnew := prop.Blk
	if !bnew.Delivered {
		return ErrNotDelivered
	}
	core.logger.Debug("got proposal", "proposal", prop)

	if err := core.update(bnew); err != nil {
		if err == ErrEmptyQCRef {
			core.logger.Debug("proposal carries no qc", "block", bnew)
		} else {
			return err
		}
	}

	opinion := false
	if bnew.Height > core.vheight {
		b := bnew
		for b.Height > core.hqcBlk.Height {
			b = b.Parents[0]
		}
		if b == core.hqcBlk { // on the same branch
			opinion = true
			core.vheight = bnew.Height
		}
	}
	core.logger.Debug("now state", "core", core)

	if bnew.QCRef != nil {
		core.onQCFinish(bnew.QCRef)
	}
	core.onReceiveProposalEvent(prop)

	if opinion && !core.negVote {
		vote := &types.Vote{Voter: core.id, BlkHash: bnew.Hash()}
		if err := core.privVal.SignVote(core.chainID, vote); err != nil {
			return err
		}
		core.doVote(prop.Proposer, vote)
	}
	return nil
}

// OnReceiveVote 累加一张投票
// QC形成后的晚到投票直接忽略；重复投票记日志后丢弃；
// 票数从nmajority-1跨到nmajority的那一刻聚合QC并更新hqc
func (core *HotStuffCore) OnReceiveVote(vote *types.Vote) error {
	blk, err := core.getDeliveredBlock(vote.BlkHash)
	if err != nil {
		return err
	}
	core.logger.Debug("got vote", "vote", vote)

	qsize := len(blk.Voted)
	if qsize >= core.nmajority {
		// QC已经形成
		return nil
	}
	if _, exist := blk.Voted[vote.Voter]; exist {
		core.logger.Info("duplicate vote", "voter", vote.Voter, "block", blk)
		return ErrDuplicateVote
	}
	blk.Voted[vote.Voter] = struct{}{}

	if blk.SelfQC == nil {
		// 收到了一个不是自己提案的区块的投票
		core.logger.Info("vote for block not proposed by itself", "block", blk)
		blk.SelfQC = types.NewQuorumCert(blk.Hash())
	}
	if err := blk.SelfQC.AddPart(vote.Voter, vote.Cert); err != nil {
		return err
	}

	if qsize+1 == core.nmajority {
		if err := blk.SelfQC.Compute(core.nmajority, core.vals.Size()); err != nil {
			return err
		}
		core.onQCFinish(blk)
		core.updateHQC(blk, blk.SelfQC)
	}
	return nil
}

// Prune 释放bexec身后staleness步之外的区块
// 调用期间不允许有祖先会被剪掉的区块还在deliver流程里
func (core *HotStuffCore) Prune(staleness int) {
	start := core.bexec
	for ; staleness > 0; staleness-- {
		if len(start.Parents) == 0 {
			return
		}
		start = start.Parents[0]
	}

	start.QCRef = nil
	stack := []*types.Block{start}
	for len(stack) > 0 {
		blk := stack[len(stack)-1]
		if len(blk.Parents) == 0 {
			core.storage.TryReleaseBlock(blk)
			stack = stack[:len(stack)-1]
			continue
		}
		blk.QCRef = nil
		last := blk.Parents[len(blk.Parents)-1]
		blk.Parents = blk.Parents[:len(blk.Parents)-1]
		stack = append(stack, last)
	}
}

// ---- async waiter registry ----

// AsyncQCFinish blk的QC形成时resolve，已形成则立即resolve
func (core *HotStuffCore) AsyncQCFinish(blk *types.Block) *promise.Promise {
	if len(blk.Voted) >= core.nmajority {
		return promise.Resolved(core.sched, blk)
	}
	k := string(blk.Hash())
	pm, exist := core.qcWaiting[k]
	if !exist {
		pm = promise.New(core.sched)
		core.qcWaiting[k] = pm
	}
	return pm
}

func (core *HotStuffCore) onQCFinish(blk *types.Block) {
	k := string(blk.Hash())
	if pm, exist := core.qcWaiting[k]; exist {
		delete(core.qcWaiting, k)
		pm.Resolve(blk)
	}
}

// AsyncWaitProposal 本节点下一次发出提案时resolve
func (core *HotStuffCore) AsyncWaitProposal() *promise.Promise {
	return core.proposeWaiting
}

// AsyncWaitReceiveProposal 下一次收到提案时resolve
func (core *HotStuffCore) AsyncWaitReceiveProposal() *promise.Promise {
	return core.receiveProposalWaiting
}

// AsyncHQCUpdate hqc下一次推进时resolve，值是新的hqc区块
func (core *HotStuffCore) AsyncHQCUpdate() *promise.Promise {
	return core.hqcUpdateWaiting
}

func (core *HotStuffCore) onProposeEvent(prop *types.Proposal) {
	t := core.proposeWaiting
	core.proposeWaiting = promise.New(core.sched)
	t.Resolve(prop)
}

func (core *HotStuffCore) onReceiveProposalEvent(prop *types.Proposal) {
	t := core.receiveProposalWaiting
	core.receiveProposalWaiting = promise.New(core.sched)
	t.Resolve(prop)
}

func (core *HotStuffCore) onHQCUpdate() {
	t := core.hqcUpdateWaiting
	core.hqcUpdateWaiting = promise.New(core.sched)
	t.Resolve(core.hqcBlk)
}

func (core *HotStuffCore) String() string {
	return fmt.Sprintf("<hotstuff hqc=%X hqc.height=%v bexec=%X vheight=%v tails=%v>",
		core.hqcBlk.Hash()[:4], core.hqcBlk.Height,
		core.bexec.Hash()[:4], core.vheight, len(core.tails))
}
