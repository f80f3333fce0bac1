package store

import (
	"fmt"

	"hotstuff_demo/types"

	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
	"github.com/tendermint/tm-db/metadb"
)

// FinalityStore - 宿主状态机的持久化层
// 按日志序追加已提交的命令，key按(height, cmd_idx)编码保证遍历顺序
type FinalityStore struct {
	db     tmdb.DB
	logger log.Logger
}

func NewFinalityStore(name, dir string, logger log.Logger) (*FinalityStore, error) {
	db, err := metadb.NewDB(name, metadb.GoLevelDBBackend, dir)
	if err != nil {
		return nil, err
	}
	return NewFinalityStoreWithDB(db, logger), nil
}

func NewFinalityStoreWithDB(db tmdb.DB, logger log.Logger) *FinalityStore {
	return &FinalityStore{db: db, logger: logger}
}

func finKey(height int64, idx int) []byte {
	return []byte(fmt.Sprintf("f/%020d/%010d", height, idx))
}

func cmdKey(hash []byte) []byte {
	return append([]byte("c/"), hash...)
}

// SaveFinality 追加一条提交记录，cmd是命令原文，follower可能拿不到原文，
// 此时只落盘Finality本身
func (fs *FinalityStore) SaveFinality(fin *types.Finality, cmd types.Command) error {
	batch := fs.db.NewBatch()
	defer batch.Close()

	bz, err := tmjson.Marshal(fin)
	if err != nil {
		return err
	}
	if err := batch.Set(finKey(fin.BlkHeight, fin.CmdIdx), bz); err != nil {
		return err
	}
	if cmd != nil {
		if err := batch.Set(cmdKey(fin.CmdHash), cmd); err != nil {
			return err
		}
	}
	return batch.Write()
}

// LoadFinality 按(height, idx)读一条提交记录
func (fs *FinalityStore) LoadFinality(height int64, idx int) (*types.Finality, error) {
	bz, err := fs.db.Get(finKey(height, idx))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, nil
	}
	fin := &types.Finality{}
	if err := tmjson.Unmarshal(bz, fin); err != nil {
		return nil, err
	}
	return fin, nil
}

// LoadCmd 读一条已提交命令的原文
func (fs *FinalityStore) LoadCmd(hash []byte) (types.Command, error) {
	bz, err := fs.db.Get(cmdKey(hash))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, nil
	}
	return types.Command(bz), nil
}

func (fs *FinalityStore) Close() error {
	return fs.db.Close()
}

func (fs *FinalityStore) GetDB() tmdb.DB {
	return fs.db
}
