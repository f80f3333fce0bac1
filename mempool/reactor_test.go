package mempool

import (
	"fmt"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/go-kit/kit/log/term"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotstuff_demo/types"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
)

const (
	numCmds = 100
	timeout = 120 * time.Second // ridiculously high because CircleCI is slow
)

// mempoolLogger is a TestingLogger which uses a different
// color for each validator ("validator" key must exist).
func mempoolLogger() log.Logger {
	return log.TestingLoggerWithColorFn(func(keyvals ...interface{}) term.FgBgColor {
		for i := 0; i < len(keyvals)-1; i += 2 {
			if keyvals[i] == "validator" {
				return term.FgBgColor{Fg: term.Color(uint8(keyvals[i+1].(int) + 1))}
			}
		}
		return term.FgBgColor{}
	})
}

// connect N mempool reactors through N switches
func makeAndConnectReactors(config *cfg.Config, n int) []*Reactor {
	reactors := make([]*Reactor, n)
	logger := mempoolLogger()
	for i := 0; i < n; i++ {
		mem := NewListMempool()

		reactors[i] = NewReactor(mem) // so we dont start the consensus states
		reactors[i].SetLogger(logger.With("validator", i))
	}

	p2p.MakeConnectedSwitches(config.P2P, n, func(i int, s *p2p.Switch) *p2p.Switch {
		s.AddReactor("MEMPOOL", reactors[i])
		return s
	}, p2p.Connect2Switches)
	return reactors
}

func addCmds(t *testing.T, mem Mempool, count int) []types.Command {
	cmds := make([]types.Command, count)
	for i := 0; i < count; i++ {
		cmd := types.Command(fmt.Sprintf("gossip-cmd=%v", i))
		cmds[i] = cmd
		err := mem.CheckCmd(cmd, nil, CmdInfo{SenderID: UnknownPeerID})
		require.NoError(t, err, "add %vth cmd into pool failed.", i)
	}
	return cmds
}

// 测试节点之间的命令同步
// 向节点a的池子加入一组命令，节点b也能收到这些命令
func TestReactorBroadcastCmdsMessage(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	config := cfg.TestConfig()

	const N = 2
	reactors := makeAndConnectReactors(config, N)
	defer func() {
		for _, r := range reactors {
			if err := r.Switch.Stop(); err != nil {
				assert.NoError(t, err)
			}
		}
	}()

	cmds := addCmds(t, reactors[0].mempool, numCmds)

	require.Eventually(t, func() bool {
		return reactors[1].mempool.Size() == numCmds
	}, timeout, 100*time.Millisecond, "没有同步到全部命令")

	// 收到的命令内容一致
	batch := reactors[1].mempool.ReapBatch(numCmds)
	require.Len(t, batch, numCmds)
	seen := map[string]bool{}
	for _, pc := range batch {
		seen[string(pc.Cmd.Hash())] = true
	}
	for _, cmd := range cmds {
		assert.True(t, seen[string(cmd.Hash())], "命令%X没有同步过来", cmd.Hash())
	}
}

// 同一条命令不会被gossip无限转发 - 池子去重
func TestReactorNoDuplicate(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	config := cfg.TestConfig()

	const N = 3
	reactors := makeAndConnectReactors(config, N)
	defer func() {
		for _, r := range reactors {
			if err := r.Switch.Stop(); err != nil {
				assert.NoError(t, err)
			}
		}
	}()

	addCmds(t, reactors[0].mempool, 1)

	require.Eventually(t, func() bool {
		return reactors[1].mempool.Size() == 1 && reactors[2].mempool.Size() == 1
	}, timeout, 100*time.Millisecond)

	// 多等一会，确认没有重复
	time.Sleep(500 * time.Millisecond)
	for i := 0; i < N; i++ {
		assert.Equal(t, 1, reactors[i].mempool.Size())
	}
}
