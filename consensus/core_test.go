package consensus

import (
	"fmt"
	"testing"

	"hotstuff_demo/store"
	"hotstuff_demo/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"
)

const (
	testChainID = "CONSENSUS_TEST"
	testSeed    = int64(100)
	testNVals   = 4
	testFaulty  = 1
)

type coreFixture struct {
	core  *HotStuffCore
	privs []types.PrivValidator
	vals  *types.ValidatorSet

	votes     []*types.Vote
	proposals []*types.Proposal
	decided   []*types.Finality
}

// 4节点、f=1、nmajority=3的核心，三个副作用出口换成收集器
func newCoreFixture(t *testing.T, id types.ReplicaID) *coreFixture {
	vals, privs, masterVal := types.RandValidatorSet(testNVals, testSeed)

	fix := &coreFixture{privs: privs, vals: vals}

	blockStore := store.NewBlockStore(log.TestingLogger())
	core := NewHotStuffCore(testChainID, id, privs[id], vals, masterVal.PubKey,
		blockStore, nil, log.TestingLogger())
	core.doVote = func(to types.ReplicaID, vote *types.Vote) {
		fix.votes = append(fix.votes, vote)
	}
	core.doBroadcastProposal = func(prop *types.Proposal) {
		fix.proposals = append(fix.proposals, prop)
	}
	core.doDecide = func(fin *types.Finality) {
		fix.decided = append(fix.decided, fin)
	}
	core.OnInit(testFaulty)
	require.Equal(t, 3, core.Majority())

	fix.core = core
	return fix
}

func cmdHashes(cmds ...string) []tmbytes.HexBytes {
	hashes := make([]tmbytes.HexBytes, len(cmds))
	for i, cmd := range cmds {
		hashes[i] = types.Command(cmd).Hash()
	}
	return hashes
}

// voteOn 用指定副本的私钥份额给区块投票
func (fix *coreFixture) voteOn(t *testing.T, voter types.ReplicaID, blk *types.Block) error {
	vote := &types.Vote{Voter: voter, BlkHash: blk.Hash()}
	require.NoError(t, fix.privs[voter].SignVote(testChainID, vote))
	return fix.core.OnReceiveVote(vote)
}

// proposeRound leader提案一个区块并让1、2号副本补票凑齐QC
func (fix *coreFixture) proposeRound(t *testing.T, cmds []tmbytes.HexBytes) *types.Block {
	prop, err := fix.core.OnPropose(cmds, fix.core.pmakerParents(), nil)
	require.NoError(t, err)
	blk := prop.Blk
	require.NoError(t, fix.voteOn(t, 1, blk))
	require.NoError(t, fix.voteOn(t, 2, blk))
	return blk
}

// 测试辅助 - hqc分支上最高的叶子
func (core *HotStuffCore) pmakerParents() []*types.Block {
	best := core.hqcBlk
	for _, tail := range core.tails {
		if tail.Height > best.Height && onBranch(tail, core.hqcBlk) {
			best = tail
		}
	}
	return []*types.Block{best}
}

// S1 - 三链提交: B3 deliver后B1提交，Finality按序带出B1的命令
func TestThreeChainCommit(t *testing.T) {
	fix := newCoreFixture(t, 0)
	core := fix.core

	b1 := fix.proposeRound(t, cmdHashes("x"))
	assert.Equal(t, int64(2), b1.Height)
	// B1凑齐QC后hqc推进
	hqcBlk, _ := core.HQC()
	assert.Equal(t, b1, hqcBlk)
	assert.Equal(t, 3, len(b1.Voted))
	assert.True(t, b1.SelfQC.IsComputed())

	b2 := fix.proposeRound(t, cmdHashes("y"))
	// B2携带QC(B1)
	require.NotNil(t, b2.QC)
	assert.Equal(t, b1.Hash(), b2.QC.BlkHash)
	assert.Equal(t, b1, b2.QCRef)
	assert.Empty(t, fix.decided)

	b3 := fix.proposeRound(t, cmdHashes("z"))
	require.NotNil(t, b3.QC)
	assert.Equal(t, b2.Hash(), b3.QC.BlkHash)

	// B3 deliver时三链成立: b1 <- b2 <- b3
	require.Len(t, fix.decided, 1)
	fin := fix.decided[0]
	assert.Equal(t, types.Command("x").Hash(), fin.CmdHash)
	assert.Equal(t, 0, fin.CmdIdx)
	assert.Equal(t, int64(2), fin.BlkHeight)
	assert.Equal(t, b1.Hash(), fin.BlkHash)
	assert.Equal(t, int32(1), fin.Decision)

	assert.Equal(t, b1, core.BExec())
	assert.Equal(t, int32(1), b1.Decision)
	assert.Equal(t, int32(0), b2.Decision)
}

// 连续提交: 每轮提案都推进bexec一格，Finality严格按日志序
func TestPipelinedCommits(t *testing.T) {
	fix := newCoreFixture(t, 0)
	core := fix.core

	var blks []*types.Block
	for i := 0; i < 6; i++ {
		blks = append(blks, fix.proposeRound(t, cmdHashes(fmt.Sprintf("cmd-%v", i))))
	}

	// 提交落后提案两格
	assert.Equal(t, blks[3], core.BExec())
	require.Len(t, fix.decided, 4)
	for i, fin := range fix.decided {
		assert.Equal(t, types.Command(fmt.Sprintf("cmd-%v", i)).Hash(), fin.CmdHash)
		assert.Equal(t, blks[i].Hash(), fin.BlkHash)
	}

	// 单调性
	assert.Equal(t, int64(7), core.VHeight())
	hqcBlk, _ := core.HQC()
	assert.Equal(t, blks[5], hqcBlk)
}

// S2 - 没凑齐QC的分叉不会提交
func TestNoCommitWithoutQuorum(t *testing.T) {
	fix := newCoreFixture(t, 0)
	core := fix.core

	b1 := fix.proposeRound(t, cmdHashes("x"))

	// B2和B2'在同一高度竞争，票数2/2都不过半
	prop2, err := core.OnPropose(cmdHashes("y"), []*types.Block{b1}, nil)
	require.NoError(t, err)
	b2 := prop2.Blk
	require.NoError(t, fix.voteOn(t, 1, b2)) // 2票 < 3

	b2prime := types.MakeBlock([]tmbytes.HexBytes{b1.Hash()}, cmdHashes("y'"), b1.SelfQC.Clone(), nil)
	b2prime = core.Storage().AddBlock(b2prime)
	_, err = core.OnDeliverBlk(b2prime)
	require.NoError(t, err)
	require.NoError(t, fix.voteOn(t, 2, b2prime))
	require.NoError(t, fix.voteOn(t, 3, b2prime)) // 2票 < 3

	// 主父区块没凑够票，新提案不携带QC
	prop3, err := core.OnPropose(cmdHashes("z"), []*types.Block{b2}, nil)
	require.NoError(t, err)
	assert.Nil(t, prop3.Blk.QC)

	assert.Empty(t, fix.decided)
	assert.Equal(t, core.Genesis(), core.BExec())
}

// S3 - 重复投票只计一次，QC只在3个不同的投票者后形成
func TestDuplicateVote(t *testing.T) {
	fix := newCoreFixture(t, 0)
	core := fix.core

	prop, err := core.OnPropose(cmdHashes("x"), []*types.Block{core.Genesis()}, nil)
	require.NoError(t, err)
	b1 := prop.Blk
	assert.Equal(t, 1, len(b1.Voted)) // self-vote

	require.NoError(t, fix.voteOn(t, 1, b1))
	assert.Equal(t, 2, len(b1.Voted))

	// 同一张票再来一次
	err = fix.voteOn(t, 1, b1)
	assert.Equal(t, ErrDuplicateVote, err)
	assert.Equal(t, 2, len(b1.Voted))
	assert.False(t, b1.SelfQC.IsComputed())

	// 第3个不同的投票者使QC形成
	require.NoError(t, fix.voteOn(t, 2, b1))
	assert.Equal(t, 3, len(b1.Voted))
	assert.True(t, b1.SelfQC.IsComputed())

	// QC形成后的晚到投票被忽略
	require.NoError(t, fix.voteOn(t, 3, b1))
	assert.Equal(t, 3, len(b1.Voted))
}

// 收到不是自己提案的区块的投票时，懒分配累加器
func TestVoteForBlockNotProposedBySelf(t *testing.T) {
	fix := newCoreFixture(t, 3)
	core := fix.core

	blk := types.MakeBlock([]tmbytes.HexBytes{core.Genesis().Hash()}, cmdHashes("x"), nil, nil)
	blk = core.Storage().AddBlock(blk)
	_, err := core.OnDeliverBlk(blk)
	require.NoError(t, err)
	require.Nil(t, blk.SelfQC)

	require.NoError(t, fix.voteOn(t, 0, blk))
	assert.NotNil(t, blk.SelfQC)

	require.NoError(t, fix.voteOn(t, 1, blk))
	require.NoError(t, fix.voteOn(t, 2, blk))
	assert.True(t, blk.SelfQC.IsComputed())
	// 3票聚合出的QC同样更新hqc
	hqcBlk, _ := core.HQC()
	assert.Equal(t, blk, hqcBlk)
}

// follower对提案的投票意见 - 接受hqc分支的延伸
func TestFollowerVotesOnHQCBranch(t *testing.T) {
	leader := newCoreFixture(t, 0)
	follower := newCoreFixture(t, 3)

	b1 := leader.proposeRound(t, cmdHashes("x"))

	// follower从wire形式重建B1并deliver
	fb1 := follower.core.Storage().AddBlock(
		types.MakeBlock(b1.ParentHashes, b1.Cmds, b1.QC.Clone(), b1.Extra))
	require.Equal(t, b1.Hash(), fb1.Hash())
	_, err := follower.core.OnDeliverBlk(fb1)
	require.NoError(t, err)

	require.NoError(t, follower.core.OnReceiveProposal(&types.Proposal{Proposer: 0, Blk: fb1}))

	// 高度2 > vheight(1)且在hqc(genesis)分支上 - 投票
	require.Len(t, follower.votes, 1)
	assert.Equal(t, types.ReplicaID(3), follower.votes[0].Voter)
	assert.Equal(t, fb1.Hash(), follower.votes[0].BlkHash)
	assert.Equal(t, int64(2), follower.core.VHeight())
	require.NoError(t, follower.votes[0].Verify(follower.vals))

	// 同一个提案再收一次 - 高度不再超过vheight，不投票
	require.NoError(t, follower.core.OnReceiveProposal(&types.Proposal{Proposer: 0, Blk: fb1}))
	assert.Len(t, follower.votes, 1)
}

// S5 - 不在hqc分支上的提案拿不到投票
func TestSafetyRuleRejectsOffBranch(t *testing.T) {
	fix := newCoreFixture(t, 3)
	core := fix.core

	// 主链b1 <- b2，b2带QC(b1)并凑齐QC让hqc推进到b2
	b1 := core.Storage().AddBlock(types.MakeBlock(
		[]tmbytes.HexBytes{core.Genesis().Hash()}, cmdHashes("a"), nil, nil))
	_, err := core.OnDeliverBlk(b1)
	require.NoError(t, err)
	require.NoError(t, fix.voteOn(t, 0, b1))
	require.NoError(t, fix.voteOn(t, 1, b1))
	require.NoError(t, fix.voteOn(t, 2, b1))

	b2 := core.Storage().AddBlock(types.MakeBlock(
		[]tmbytes.HexBytes{b1.Hash()}, cmdHashes("b"), b1.SelfQC.Clone(), nil))
	_, err = core.OnDeliverBlk(b2)
	require.NoError(t, err)
	require.NoError(t, core.OnReceiveProposal(&types.Proposal{Proposer: 0, Blk: b2}))
	require.NoError(t, fix.voteOn(t, 0, b2))
	require.NoError(t, fix.voteOn(t, 1, b2))
	require.NoError(t, fix.voteOn(t, 2, b2))

	hqcBlk, _ := core.HQC()
	require.Equal(t, b2, hqcBlk)
	votesBefore := len(fix.votes)
	vheightBefore := core.VHeight()

	// 恶意分支f3 <- f4绕过b2从b1长出来
	f3 := core.Storage().AddBlock(types.MakeBlock(
		[]tmbytes.HexBytes{b1.Hash()}, cmdHashes("f3"), nil, nil))
	_, err = core.OnDeliverBlk(f3)
	require.NoError(t, err)
	f4 := core.Storage().AddBlock(types.MakeBlock(
		[]tmbytes.HexBytes{f3.Hash()}, cmdHashes("f4"), nil, nil))
	_, err = core.OnDeliverBlk(f4)
	require.NoError(t, err)

	// f4高度4 > vheight(3)，但主父链回溯落在f3而不是hqc=b2
	require.NoError(t, core.OnReceiveProposal(&types.Proposal{Proposer: 1, Blk: f4}))
	assert.Len(t, fix.votes, votesBefore, "off-branch的提案不应该拿到投票")
	assert.Equal(t, vheightBefore, core.VHeight())
}

// neg_vote置位后不再发出投票
func TestNegVote(t *testing.T) {
	fix := newCoreFixture(t, 3)
	core := fix.core
	core.SetNegVote(true)

	b1 := core.Storage().AddBlock(types.MakeBlock(
		[]tmbytes.HexBytes{core.Genesis().Hash()}, cmdHashes("x"), nil, nil))
	_, err := core.OnDeliverBlk(b1)
	require.NoError(t, err)

	require.NoError(t, core.OnReceiveProposal(&types.Proposal{Proposer: 0, Blk: b1}))
	assert.Empty(t, fix.votes)
	// vheight照常推进 - 只是不把票发出去
	assert.Equal(t, int64(2), core.VHeight())
}

// 重复deliver是警告不是错误
func TestDeliverTwice(t *testing.T) {
	fix := newCoreFixture(t, 0)
	core := fix.core

	b1 := core.Storage().AddBlock(types.MakeBlock(
		[]tmbytes.HexBytes{core.Genesis().Hash()}, cmdHashes("x"), nil, nil))
	ok, err := core.OnDeliverBlk(b1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = core.OnDeliverBlk(b1)
	require.NoError(t, err)
	assert.False(t, ok)
}

// QC指向的区块没fetch到时deliver失败
func TestDeliverMissingQCRef(t *testing.T) {
	fix := newCoreFixture(t, 0)
	core := fix.core

	ghost := types.MakeBlock([]tmbytes.HexBytes{core.Genesis().Hash()}, cmdHashes("g"), nil, nil)
	blk := core.Storage().AddBlock(types.MakeBlock(
		[]tmbytes.HexBytes{core.Genesis().Hash()}, cmdHashes("x"),
		types.NewQuorumCert(ghost.Hash()), nil))

	_, err := core.OnDeliverBlk(blk)
	assert.Equal(t, ErrQCRefNotFetched, err)
	assert.False(t, blk.Delivered)
}

// 父区块没deliver时不允许deliver子区块
func TestDeliverMissingParent(t *testing.T) {
	fix := newCoreFixture(t, 0)
	core := fix.core

	orphanParent := types.MakeBlock([]tmbytes.HexBytes{core.Genesis().Hash()}, cmdHashes("p"), nil, nil)
	child := core.Storage().AddBlock(types.MakeBlock(
		[]tmbytes.HexBytes{orphanParent.Hash()}, cmdHashes("c"), nil, nil))

	_, err := core.OnDeliverBlk(child)
	assert.Equal(t, ErrNotDelivered, err)
}

// tails跟踪DAG的叶子
func TestTails(t *testing.T) {
	fix := newCoreFixture(t, 0)
	core := fix.core

	assert.Len(t, core.Tails(), 1) // genesis

	b1 := fix.proposeRound(t, cmdHashes("x"))
	tails := core.Tails()
	require.Len(t, tails, 1)
	assert.Equal(t, b1, tails[0])

	// 叉出来的区块也成为叶子
	fork := core.Storage().AddBlock(types.MakeBlock(
		[]tmbytes.HexBytes{core.Genesis().Hash()}, cmdHashes("f"), nil, nil))
	_, err := core.OnDeliverBlk(fork)
	require.NoError(t, err)
	assert.Len(t, core.Tails(), 2)
}

// S6 - prune释放bexec身后staleness步之外的区块
func TestPrune(t *testing.T) {
	fix := newCoreFixture(t, 0)
	core := fix.core

	var blks []*types.Block
	for i := 0; i < 10; i++ {
		blks = append(blks, fix.proposeRound(t, cmdHashes(fmt.Sprintf("cmd-%v", i))))
	}
	// bexec = blks[7] (height 9)
	require.Equal(t, blks[7], core.BExec())
	require.Equal(t, 11, core.Storage().BlockCount())

	core.Prune(3)

	// blks[4](height 6)以下全部释放: genesis + blks[0..4]共6个
	assert.Equal(t, 5, core.Storage().BlockCount())
	assert.Nil(t, core.Storage().FindBlock(blks[4].Hash()))
	assert.Nil(t, core.Storage().FindBlock(core.Genesis().Hash()))
	for _, blk := range blks[5:] {
		assert.NotNil(t, core.Storage().FindBlock(blk.Hash()), "block %v should survive", blk)
	}

	// 提交链继续推进不受影响
	fix.proposeRound(t, cmdHashes("after-prune"))
	assert.Equal(t, blks[8], core.BExec())
}

// async waiter - qc_finish是keyed one-shot，propose是broadcast one-shot
func TestAsyncWaiters(t *testing.T) {
	fix := newCoreFixture(t, 0)
	core := fix.core

	prop, err := core.OnPropose(cmdHashes("x"), []*types.Block{core.Genesis()}, nil)
	require.NoError(t, err)
	b1 := prop.Blk

	var qcDone *types.Block
	core.AsyncQCFinish(b1).Then(func(val interface{}, err error) {
		qcDone = val.(*types.Block)
	})
	require.NoError(t, fix.voteOn(t, 1, b1))
	assert.Nil(t, qcDone)
	require.NoError(t, fix.voteOn(t, 2, b1))
	assert.Equal(t, b1, qcDone)

	// QC已形成的区块立即resolve
	resolved := false
	core.AsyncQCFinish(b1).Then(func(val interface{}, err error) { resolved = true })
	assert.True(t, resolved)

	// propose waiting在下一次提案时resolve，晚到的订阅者等下一次
	var gotProp *types.Proposal
	core.AsyncWaitProposal().Then(func(val interface{}, err error) {
		gotProp = val.(*types.Proposal)
	})
	prop2, err := core.OnPropose(cmdHashes("y"), []*types.Block{b1}, nil)
	require.NoError(t, err)
	assert.Equal(t, prop2, gotProp)

	// hqc update
	var gotHQC *types.Block
	core.AsyncHQCUpdate().Then(func(val interface{}, err error) {
		gotHQC = val.(*types.Block)
	})
	b2 := prop2.Blk
	require.NoError(t, fix.voteOn(t, 1, b2))
	require.NoError(t, fix.voteOn(t, 2, b2))
	assert.Equal(t, b2, gotHQC)
}

// 单调性: vheight/bexec/hqc在任意合法事件序列下不回退
func TestMonotonicity(t *testing.T) {
	fix := newCoreFixture(t, 0)
	core := fix.core

	lastVHeight, lastBExec := core.VHeight(), core.BExec().Height
	hqcBlk, _ := core.HQC()
	lastHQC := hqcBlk.Height

	for i := 0; i < 8; i++ {
		fix.proposeRound(t, cmdHashes(fmt.Sprintf("cmd-%v", i)))

		assert.GreaterOrEqual(t, core.VHeight(), lastVHeight)
		assert.GreaterOrEqual(t, core.BExec().Height, lastBExec)
		hqcBlk, _ = core.HQC()
		assert.GreaterOrEqual(t, hqcBlk.Height, lastHQC)

		lastVHeight, lastBExec, lastHQC = core.VHeight(), core.BExec().Height, hqcBlk.Height
	}
}
