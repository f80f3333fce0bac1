package mempool

import (
	"sync"
	"sync/atomic"

	"hotstuff_demo/types"

	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"
)

// ListMempool - clist实现的命令缓冲池
// clist是并发安全的双向链表，客户端goroutine直接CheckCmd入队，
// 共识主循环按FIFO Reap，互相不用等对方的锁
type ListMempool struct {
	// Atomic integers
	cmdsBytes int64 // total size of pool, in bytes

	cmdsAvailable chan struct{} // 有新命令时往里递一个信号

	cmds    *clist.CList
	cmdsMap sync.Map // cmd hash(string) -> *clist.CElement

	logger log.Logger

	metric *memMetric
}

var _ Mempool = (*ListMempool)(nil)

type ListMempoolOption func(*ListMempool)

func NewListMempool(options ...ListMempoolOption) *ListMempool {
	mem := &ListMempool{
		cmds:          clist.New(),
		cmdsAvailable: make(chan struct{}, 1),
		logger:        log.NewNopLogger(),
		metric:        newMemMetric(),
	}

	for _, option := range options {
		option(mem)
	}
	return mem
}

func (mem *ListMempool) SetLogger(logger log.Logger) {
	mem.logger = logger
}

func (mem *ListMempool) Metric() *memMetric {
	return mem.metric
}

// CheckCmd 去重后把命令加入缓冲池
func (mem *ListMempool) CheckCmd(cmd types.Command, cb CommitCallback, info CmdInfo) error {
	k := string(cmd.Hash())
	if _, exist := mem.cmdsMap.Load(k); exist {
		return ErrCmdInPool
	}

	poolCmd := &PoolCmd{
		Cmd:      cmd,
		Callback: cb,
		senders:  map[uint16]struct{}{info.SenderID: {}},
	}
	e := mem.cmds.PushBack(poolCmd)
	mem.cmdsMap.Store(k, e)
	atomic.AddInt64(&mem.cmdsBytes, cmd.Size())

	mem.logger.Debug("added cmd", "hash", cmd.Hash(), "size", mem.Size())
	mem.metric.MarkCmdsNum(mem.Size())
	mem.NotifyCmdsAvailable()
	return nil
}

// ReapBatch 弹出恰好n条命令，不足时不动池子
func (mem *ListMempool) ReapBatch(n int) []*PoolCmd {
	if mem.cmds.Len() < n {
		return nil
	}

	batch := make([]*PoolCmd, 0, n)
	for i := 0; i < n; i++ {
		e := mem.cmds.Front()
		if e == nil {
			break
		}
		poolCmd := e.Value.(*PoolCmd)
		mem.cmds.Remove(e)
		e.DetachPrev()
		mem.cmdsMap.Delete(string(poolCmd.Cmd.Hash()))
		atomic.AddInt64(&mem.cmdsBytes, -poolCmd.Cmd.Size())
		batch = append(batch, poolCmd)
	}
	mem.metric.MarkCmdsNum(mem.Size())
	mem.metric.MarkReaped(len(batch))
	return batch
}

func (mem *ListMempool) CmdsAvailable() <-chan struct{} {
	return mem.cmdsAvailable
}

func (mem *ListMempool) NotifyCmdsAvailable() {
	select {
	case mem.cmdsAvailable <- struct{}{}:
	default:
	}
}

// Flush 清空缓冲池，返回被丢弃的命令
func (mem *ListMempool) Flush() []*PoolCmd {
	dropped := []*PoolCmd{}
	for e := mem.cmds.Front(); e != nil; e = mem.cmds.Front() {
		poolCmd := e.Value.(*PoolCmd)
		mem.cmds.Remove(e)
		e.DetachPrev()
		mem.cmdsMap.Delete(string(poolCmd.Cmd.Hash()))
		dropped = append(dropped, poolCmd)
	}
	atomic.StoreInt64(&mem.cmdsBytes, 0)
	mem.metric.MarkCmdsNum(0)
	return dropped
}

func (mem *ListMempool) Size() int {
	return mem.cmds.Len()
}

func (mem *ListMempool) CmdsBytes() int64 {
	return atomic.LoadInt64(&mem.cmdsBytes)
}

// CmdsWaitChan clist的等待channel，gossip routine用
func (mem *ListMempool) CmdsWaitChan() <-chan struct{} {
	return mem.cmds.WaitChan()
}

// CmdsFront 返回链表头，gossip routine从这里开始遍历
func (mem *ListMempool) CmdsFront() *clist.CElement {
	return mem.cmds.Front()
}
