package store

import (
	"sync"

	"hotstuff_demo/types"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"
)

// BlockStore - 区块和命令的content-addressed仓库
// 所有Block实例的唯一owner，其余组件只持有hash或者从这里借出的指针
// 区块的生命周期: fetched(结构解析完成) -> delivered(依赖全部解析完成) -> 被prune释放
type BlockStore struct {
	mtx  sync.RWMutex
	blks map[string]*types.Block
	cmds map[string]types.Command

	logger log.Logger
}

func NewBlockStore(logger log.Logger) *BlockStore {
	return &BlockStore{
		blks:   make(map[string]*types.Block),
		cmds:   make(map[string]types.Command),
		logger: logger,
	}
}

func key(hash tmbytes.HexBytes) string {
	return string(hash)
}

// AddBlock 插入区块，幂等 - 已存在时返回仓库里的canonical实例
func (bs *BlockStore) AddBlock(blk *types.Block) *types.Block {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	k := key(blk.Hash())
	if exist, ok := bs.blks[k]; ok {
		return exist
	}
	blk.Init()
	bs.blks[k] = blk
	return blk
}

// FindBlock 根据hash查找区块，没有则返回nil
func (bs *BlockStore) FindBlock(hash tmbytes.HexBytes) *types.Block {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.blks[key(hash)]
}

// IsBlockFetched 区块的wire形式已经在仓库里
func (bs *BlockStore) IsBlockFetched(hash tmbytes.HexBytes) bool {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	_, ok := bs.blks[key(hash)]
	return ok
}

// IsBlockDelivered 区块已经通过on_deliver_blk - 依赖全部解析完成
func (bs *BlockStore) IsBlockDelivered(hash tmbytes.HexBytes) bool {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	blk, ok := bs.blks[key(hash)]
	return ok && blk.Delivered
}

// TryReleaseBlock prune专用 - 没有剩余父引用时把区块从仓库剔除
func (bs *BlockStore) TryReleaseBlock(blk *types.Block) bool {
	if len(blk.Parents) > 0 {
		return false
	}

	bs.mtx.Lock()
	defer bs.mtx.Unlock()
	k := key(blk.Hash())
	if _, ok := bs.blks[k]; !ok {
		return false
	}
	delete(bs.blks, k)
	if bs.logger != nil {
		bs.logger.Debug("released block", "hash", blk.Hash())
	}
	return true
}

// BlockCount returns the number of blocks currently held.
func (bs *BlockStore) BlockCount() int {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return len(bs.blks)
}

// ForEachBlock 遍历仓库里的所有区块，rpc展示block DAG用
func (bs *BlockStore) ForEachBlock(fn func(blk *types.Block)) {
	bs.mtx.RLock()
	blks := make([]*types.Block, 0, len(bs.blks))
	for _, blk := range bs.blks {
		blks = append(blks, blk)
	}
	bs.mtx.RUnlock()

	for _, blk := range blks {
		fn(blk)
	}
}

// ---- commands ----

// AddCmd 保存命令原文，幂等
func (bs *BlockStore) AddCmd(cmd types.Command) {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()
	bs.cmds[key(cmd.Hash())] = cmd
}

// FindCmd 根据hash查命令原文，没有则返回nil
func (bs *BlockStore) FindCmd(hash tmbytes.HexBytes) types.Command {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.cmds[key(hash)]
}

func (bs *BlockStore) CmdCount() int {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return len(bs.cmds)
}

// ReleaseCmd 命令提交后从缓存剔除原文
func (bs *BlockStore) ReleaseCmd(hash tmbytes.HexBytes) {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()
	delete(bs.cmds, key(hash))
}
