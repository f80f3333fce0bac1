package state

import (
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// State - 宿主状态机执行到的位置
// 每条Finality按日志序执行后推进一格
type State struct {
	ChainID string

	// 最后执行的命令所在的区块
	LastBlkHeight int64
	LastBlkHash   tmbytes.HexBytes

	// 已执行的命令总数
	ExecCount int64
}

func NewState(chainID string) State {
	return State{
		ChainID: chainID,
	}
}

// 返回当前state的拷贝副本
func (state State) Copy() State {
	newState := State{
		ChainID:       state.ChainID,
		LastBlkHeight: state.LastBlkHeight,
		ExecCount:     state.ExecCount,
		LastBlkHash:   make([]byte, len(state.LastBlkHash)),
	}
	copy(newState.LastBlkHash, state.LastBlkHash)
	return newState
}
