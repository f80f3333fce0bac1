package state

import (
	"fmt"
	"sync"

	"hotstuff_demo/store"
	"hotstuff_demo/types"

	"github.com/tendermint/tendermint/libs/log"
)

// Executor - 宿主状态机
// 共识核心对每条提交的命令按日志序回调ExecFinality，
// 这里负责把命令落到FinalityStore并推进State
type Executor interface {
	// ExecFinality 执行一条提交的命令；cmd是命令原文，follower
	// 可能拿不到原文，此时cmd为nil，只记录提交凭证
	ExecFinality(fin *types.Finality, cmd types.Command) error

	State() State

	SetLogger(logger log.Logger)
}

func NewExecutor(chainID string, fstore *store.FinalityStore) Executor {
	return &cmdExecutor{
		state:  NewState(chainID),
		fstore: fstore,
		logger: log.NewNopLogger(),
	}
}

type cmdExecutor struct {
	mtx    sync.Mutex
	state  State
	fstore *store.FinalityStore

	logger log.Logger
}

// SetLogger implements Executor
func (exec *cmdExecutor) SetLogger(logger log.Logger) {
	exec.logger = logger
}

// ExecFinality implements Executor
// do_decide保证日志序，这里只校验高度不回退
func (exec *cmdExecutor) ExecFinality(fin *types.Finality, cmd types.Command) error {
	exec.mtx.Lock()
	defer exec.mtx.Unlock()

	if fin.BlkHeight < exec.state.LastBlkHeight {
		return fmt.Errorf("finality height %v below executed height %v",
			fin.BlkHeight, exec.state.LastBlkHeight)
	}

	if exec.fstore != nil {
		if err := exec.fstore.SaveFinality(fin, cmd); err != nil {
			return err
		}
	}

	exec.state.LastBlkHeight = fin.BlkHeight
	exec.state.LastBlkHash = fin.BlkHash
	exec.state.ExecCount++

	exec.logger.Debug("executed cmd", "finality", fin, "count", exec.state.ExecCount)
	return nil
}

func (exec *cmdExecutor) State() State {
	exec.mtx.Lock()
	defer exec.mtx.Unlock()
	return exec.state.Copy()
}
