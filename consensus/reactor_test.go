package consensus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"hotstuff_demo/mempool"
	"hotstuff_demo/store"
	"hotstuff_demo/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
)

// connect N consensus reactors through N switches
func makeAndConnectReactors(t *testing.T, config *cfg.Config, logger log.Logger, n int) []*Reactor {
	vals, privs, masterVal := types.RandValidatorSet(n, testSeed)

	reactors := make([]*Reactor, n)
	for i := 0; i < n; i++ {
		blockStore := store.NewBlockStore(logger.With("validator", i))
		mem := mempool.NewListMempool()
		hs := NewHotStuff(testChainID, types.ReplicaID(i), privs[i], vals, masterVal,
			blockStore, mem, nil, SetBlkSize(1))
		hs.SetLogger(logger.With("validator", i))

		reactors[i] = NewReactor(hs)
		reactors[i].SetLogger(logger.With("validator", i))
	}

	p2p.MakeConnectedSwitches(config.P2P, n, func(i int, s *p2p.Switch) *p2p.Switch {
		s.AddReactor("CONSENSUS", reactors[i])
		return s
	}, p2p.Connect2Switches)
	return reactors
}

func stopReactors(t *testing.T, reactors []*Reactor) {
	for _, r := range reactors {
		if err := r.Switch.Stop(); err != nil {
			assert.NoError(t, err)
		}
	}
}

// 4节点跑一条三链 - leader连发3个提案后第一条命令在所有节点提交
func TestReactorThreeChainCommit(t *testing.T) {
	count := 4
	config := cfg.ResetTestRoot("consensus_reactor_test")
	logger := log.TestingLogger()

	reactors := makeAndConnectReactors(t, config, logger, count)
	defer stopReactors(t, reactors)

	leader := reactors[0].consensus

	var (
		mtx       sync.Mutex
		committed []*types.Finality
	)
	cb := func(fin *types.Finality) {
		mtx.Lock()
		committed = append(committed, fin)
		mtx.Unlock()
	}

	// blkSize=1 - 每条命令一个提案
	cmds := []types.Command{}
	for i := 0; i < 3; i++ {
		cmd := types.Command(fmt.Sprintf("cmd=%v", i))
		cmds = append(cmds, cmd)
		require.NoError(t, leader.ExecCommand(cmd, cb))
		// 一个调度周期只打包一个batch，给每轮提案留出往返时间
		time.Sleep(500 * time.Millisecond)
	}

	// 第一条命令最终在leader上提交
	require.Eventually(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return len(committed) >= 1
	}, 20*time.Second, 100*time.Millisecond, "第一条命令没有提交")

	mtx.Lock()
	fin := committed[0]
	mtx.Unlock()
	assert.Equal(t, cmds[0].Hash(), fin.CmdHash)
	assert.Equal(t, int64(2), fin.BlkHeight)

	// commit prefix - 所有节点的bexec落在同一条链上
	require.Eventually(t, func() bool {
		for _, r := range reactors {
			if r.consensus.BExec().Height < 2 {
				return false
			}
		}
		return true
	}, 20*time.Second, 100*time.Millisecond, "follower没有跟上提交")

	leaderBExec := leader.BExec()
	for i, r := range reactors {
		bexec := r.consensus.BExec()
		if bexec.Height == leaderBExec.Height {
			assert.Equal(t, leaderBExec.Hash(), bexec.Hash(),
				"节点%v在同一高度提交了不同的区块", i)
		}
	}
}

// follower不是proposer，缓冲的命令被丢弃
func TestReactorDropCmdsWhenNotProposer(t *testing.T) {
	count := 4
	config := cfg.ResetTestRoot("consensus_reactor_test")
	logger := log.TestingLogger()

	reactors := makeAndConnectReactors(t, config, logger, count)
	defer stopReactors(t, reactors)

	follower := reactors[1].consensus
	require.NoError(t, follower.ExecCommand(types.Command("misdirected"), nil))

	assert.Eventually(t, func() bool {
		return follower.mempool.Size() == 0
	}, 5*time.Second, 50*time.Millisecond, "follower应该丢弃命令")
	assert.Equal(t, int64(1), follower.BExec().Height)
}
