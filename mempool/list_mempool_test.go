package mempool

import (
	"fmt"
	"testing"

	"hotstuff_demo/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
)

func newTestMempool() *ListMempool {
	mem := NewListMempool()
	mem.SetLogger(log.TestingLogger())
	return mem
}

func checkCmds(t *testing.T, mem *ListMempool, count int) []types.Command {
	cmds := make([]types.Command, count)
	for i := 0; i < count; i++ {
		cmd := types.Command(fmt.Sprintf("cmd=%v", i))
		cmds[i] = cmd
		err := mem.CheckCmd(cmd, nil, CmdInfo{SenderID: UnknownPeerID})
		require.NoError(t, err, "add %vth cmd into pool failed.", i)
	}
	return cmds
}

func TestCheckCmdDedup(t *testing.T) {
	mem := newTestMempool()
	cmd := types.Command("same cmd")

	require.NoError(t, mem.CheckCmd(cmd, nil, CmdInfo{}))
	assert.Equal(t, ErrCmdInPool, mem.CheckCmd(cmd, nil, CmdInfo{}))
	assert.Equal(t, 1, mem.Size())
}

// ReapBatch必须按FIFO弹出恰好n条，不足n条时不动池子
func TestReapBatchFIFO(t *testing.T) {
	mem := newTestMempool()
	cmds := checkCmds(t, mem, 5)

	assert.Nil(t, mem.ReapBatch(6))
	assert.Equal(t, 5, mem.Size())

	batch := mem.ReapBatch(4)
	require.Len(t, batch, 4)
	for i, pc := range batch {
		assert.Equal(t, cmds[i].Hash(), pc.Cmd.Hash())
	}
	assert.Equal(t, 1, mem.Size())

	// 弹出的命令可以重新提交
	require.NoError(t, mem.CheckCmd(cmds[0], nil, CmdInfo{}))
}

func TestCmdsAvailable(t *testing.T) {
	mem := newTestMempool()

	select {
	case <-mem.CmdsAvailable():
		t.Error("不应该有额外的调度信号")
	default:
	}

	checkCmds(t, mem, 1)
	select {
	case <-mem.CmdsAvailable():
	default:
		t.Error("CheckCmd后应该有调度信号")
	}
}

func TestFlush(t *testing.T) {
	mem := newTestMempool()
	checkCmds(t, mem, 3)

	dropped := mem.Flush()
	assert.Len(t, dropped, 3)
	assert.Equal(t, 0, mem.Size())
	assert.Equal(t, int64(0), mem.CmdsBytes())
}

func TestCmdsBytes(t *testing.T) {
	mem := newTestMempool()
	cmd := types.Command("0123456789")
	require.NoError(t, mem.CheckCmd(cmd, nil, CmdInfo{}))
	assert.Equal(t, int64(10), mem.CmdsBytes())

	mem.ReapBatch(1)
	assert.Equal(t, int64(0), mem.CmdsBytes())
}
