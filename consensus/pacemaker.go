package consensus

import (
	"hotstuff_demo/libs/promise"
	"hotstuff_demo/types"
)

// Pacemaker - 活性模块
// 指定当前的proposer，在合适的时机放行新提案，并为新提案挑选父区块
// 除Init外的方法都必须在共识主循环上调用
type Pacemaker interface {
	Init(hs *HotStuff)

	// GetProposer 当前的proposer
	GetProposer() types.ReplicaID

	// Beat 本轮可以提案时resolve，值是届时的proposer
	Beat() *promise.Promise

	// GetParents 新提案的父区块列表，parents[0]是主父区块
	GetParents() []*types.Block
}

// WaitQCPacemaker - 固定proposer
// 每次提案前等主父区块凑齐QC，保证提案链是一条直接父子相连的QC链，
// 三链提交规则在无故障时每轮都能推进
type WaitQCPacemaker struct {
	hs       *HotStuff
	proposer types.ReplicaID
}

func NewWaitQCPacemaker(proposer types.ReplicaID) *WaitQCPacemaker {
	return &WaitQCPacemaker{proposer: proposer}
}

func (pm *WaitQCPacemaker) Init(hs *HotStuff) {
	pm.hs = hs
}

func (pm *WaitQCPacemaker) GetProposer() types.ReplicaID {
	return pm.proposer
}

// highTail 返回hqc分支上最高的叶子 - 新提案从这里长出去
func (pm *WaitQCPacemaker) highTail() *types.Block {
	hqcBlk, _ := pm.hs.HQC()
	best := hqcBlk
	for _, tail := range pm.hs.Tails() {
		if tail.Height > best.Height && onBranch(tail, hqcBlk) {
			best = tail
		}
	}
	return best
}

// onBranch 沿主父链回溯，判断blk是否在anchor的分支上
func onBranch(blk, anchor *types.Block) bool {
	b := blk
	for b.Height > anchor.Height {
		b = b.Parents[0]
	}
	return b == anchor
}

func (pm *WaitQCPacemaker) GetParents() []*types.Block {
	return []*types.Block{pm.highTail()}
}

func (pm *WaitQCPacemaker) Beat() *promise.Promise {
	beat := promise.New(pm.hs.schedule)
	parent := pm.highTail()
	pm.hs.AsyncQCFinish(parent).Then(func(_ interface{}, err error) {
		if err != nil {
			beat.Reject(err)
			return
		}
		beat.Resolve(pm.GetProposer())
	})
	return beat
}

// RoundRobinPacemaker - 按hqc高度轮换proposer
// beat逻辑和WaitQCPacemaker一致，只是proposer随QC推进轮转
type RoundRobinPacemaker struct {
	WaitQCPacemaker
}

func NewRoundRobinPacemaker() *RoundRobinPacemaker {
	return &RoundRobinPacemaker{}
}

func (pm *RoundRobinPacemaker) GetProposer() types.ReplicaID {
	hqcBlk, _ := pm.hs.HQC()
	return types.ReplicaID(hqcBlk.Height % int64(pm.hs.Validators().Size()))
}

func (pm *RoundRobinPacemaker) Beat() *promise.Promise {
	beat := promise.New(pm.hs.schedule)
	parent := pm.highTail()
	pm.hs.AsyncQCFinish(parent).Then(func(_ interface{}, err error) {
		if err != nil {
			beat.Reject(err)
			return
		}
		beat.Resolve(pm.GetProposer())
	})
	return beat
}
