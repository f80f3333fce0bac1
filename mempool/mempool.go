package mempool

import (
	"errors"

	"hotstuff_demo/types"

	"github.com/tendermint/tendermint/p2p"
)

var (
	ErrCmdInPool = errors.New("cmd already in pool")
)

// CommitCallback 命令提交后的回调，和consensus.CommitCallback一致
// 定义在这里避免包循环引用
type CommitCallback func(*types.Finality)

// Mempool - 待打包命令的缓冲池
// 客户端和gossip来的命令都进这里，leader的命令打包循环从这里按FIFO取
type Mempool interface {
	// CheckCmd 检验一条新命令并加入缓冲池；cb在命令提交后触发，
	// gossip转发来的命令cb为nil
	CheckCmd(cmd types.Command, cb CommitCallback, info CmdInfo) error

	// ReapBatch 按FIFO弹出恰好n条命令，不足n条时返回nil
	ReapBatch(n int) []*PoolCmd

	// CmdsAvailable 池子有新命令进来时收到通知
	CmdsAvailable() <-chan struct{}

	// NotifyCmdsAvailable 手动触发一次调度通知
	NotifyCmdsAvailable()

	// Flush 丢弃池子里的全部命令并返回 - 本节点不是proposer时用
	Flush() []*PoolCmd

	// Size 返回缓冲池中的命令条数
	Size() int

	// CmdsBytes 返回缓冲池中所有命令的byte大小
	CmdsBytes() int64
}

// PoolCmd - 缓冲池里的一条命令
type PoolCmd struct {
	Cmd      types.Command
	Callback CommitCallback

	// 已经见过这条命令的peer，避免gossip回环
	senders map[uint16]struct{}
}

func (pc *PoolCmd) HasSender(id uint16) bool {
	_, ok := pc.senders[id]
	return ok
}

//--------------------------------------------------------------------------------

// CmdInfo are parameters that get passed when attempting to add a cmd to the
// pool.
type CmdInfo struct {
	// SenderID is the internal peer ID used in the mempool to identify the
	// sender, storing 2 bytes with each cmd instead of 20 bytes for the p2p.ID.
	SenderID uint16
	// SenderP2PID is the actual p2p.ID of the sender, used e.g. for logging.
	SenderP2PID p2p.ID
}
