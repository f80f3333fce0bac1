package consensus

import (
	"errors"
)

// 共识核心的结构化错误
// 只有ErrSafetyBreached是致命错误 - commit walk没有落回bexec，
// 说明协议实现有bug或者拜占庭节点已经超过f，主循环直接终止进程；
// 其余错误按协议违规处理，记日志后丢弃触发它的消息
var (
	ErrNotDelivered    = errors.New("block not delivered")
	ErrEmptyQCRef      = errors.New("empty qc_ref")
	ErrQCRefNotFetched = errors.New("block referred by qc not fetched")
	ErrSafetyBreached  = errors.New("safety breached")

	ErrEmptyParents  = errors.New("empty parents")
	ErrLowerVHeight  = errors.New("new block should be higher than vheight")
	ErrDuplicateVote = errors.New("duplicate vote")
)
