package types

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

var (
	ErrBlockNoParent = errors.New("block has no parent hash")
	ErrBadHashSize   = errors.New("wrong hash size in block")
)

// Block - 区块DAG的基本单位
// 只有wire字段参与hash计算和网络传输；其余字段是本地状态，
// 在deliver阶段由EntityStorage里的已交付区块补全
type Block struct {
	mtx sync.Mutex

	// ---- wire字段 ----
	// ParentHashes[0]是主父区块，区块高度由它决定
	ParentHashes []tmbytes.HexBytes `json:"parent_hashes"`
	// 命令按提案顺序排列，区块里只保存命令的hash
	Cmds  []tmbytes.HexBytes `json:"cmds"`
	QC    *QuorumCert        `json:"qc,omitempty"`
	Extra tmbytes.HexBytes   `json:"extra,omitempty"`

	// ---- 本地状态 不参与hash 不上网络 ----

	// deliver时根据ParentHashes从storage解析
	Parents []*Block `json:"-"`
	// QC指向的区块，deliver时解析
	QCRef *Block `json:"-"`
	// Height = Parents[0].Height + 1，deliver时赋值，不信任wire
	Height int64 `json:"-"`
	// 本区块正在聚合的QC，leader侧的累加器
	SelfQC *QuorumCert `json:"-"`
	// 已经为本区块投票的节点集合
	Voted map[ReplicaID]struct{} `json:"-"`
	// deliver只发生一次，置位后不再回退
	Delivered bool `json:"-"`
	// 0=未决定 1=已提交
	Decision int32 `json:"-"`

	hash tmbytes.HexBytes
}

// MakeBlock 构造一个待提案的区块，本地字段初始化为零值
func MakeBlock(parentHashes, cmds []tmbytes.HexBytes, qc *QuorumCert, extra []byte) *Block {
	return &Block{
		ParentHashes: parentHashes,
		Cmds:         cmds,
		QC:           qc,
		Extra:        extra,
		Voted:        make(map[ReplicaID]struct{}),
	}
}

// MakeGenesisBlock 创世区块，高度恒为1，视作已交付、已提交
// 自引用的QC由共识核心在OnInit里安装
func MakeGenesisBlock(chainID string) *Block {
	return &Block{
		ParentHashes: []tmbytes.HexBytes{},
		Cmds:         []tmbytes.HexBytes{},
		Extra:        []byte(chainID),
		Height:       1,
		Voted:        make(map[ReplicaID]struct{}),
		Delivered:    true,
		Decision:     1,
	}
}

// Init 补全反序列化后缺失的本地字段，storage在AddBlock时调用
func (b *Block) Init() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.Voted == nil {
		b.Voted = make(map[ReplicaID]struct{})
	}
}

// ValidateBasic 检验一个block是否合法 - 这里的合法指的是没有明确的错误
func (b *Block) ValidateBasic() error {
	if len(b.ParentHashes) == 0 {
		return ErrBlockNoParent
	}
	for _, h := range b.ParentHashes {
		if len(h) != tmhash.Size {
			return ErrBadHashSize
		}
	}
	for _, h := range b.Cmds {
		if len(h) != tmhash.Size {
			return ErrBadHashSize
		}
	}
	if b.QC != nil && len(b.QC.BlkHash) != tmhash.Size {
		return ErrBadHashSize
	}
	return nil
}

// Hash 返回区块的content address，懒计算并缓存
func (b *Block) Hash() tmbytes.HexBytes {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.hash != nil {
		return b.hash
	}

	parents := make([][]byte, len(b.ParentHashes))
	for i, h := range b.ParentHashes {
		parents[i] = h
	}
	cmds := make([][]byte, len(b.Cmds))
	for i, h := range b.Cmds {
		cmds[i] = h
	}

	var qcHash []byte
	if b.QC != nil {
		qcHash = b.QC.BlkHash
	}

	b.hash = merkle.HashFromByteSlices([][]byte{
		merkle.HashFromByteSlices(parents),
		merkle.HashFromByteSlices(cmds),
		qcHash,
		b.Extra,
	})
	return b.hash
}

func (b *Block) String() string {
	if b == nil {
		return "nil-Block"
	}
	qcRef := "nil"
	if b.QCRef != nil {
		qcRef = fmt.Sprintf("%X", b.QCRef.Hash()[:4])
	}
	return fmt.Sprintf("Block{%X height=%v #cmds=%v qc_ref=%v decision=%v}",
		b.Hash()[:4], b.Height, len(b.Cmds), qcRef, b.Decision)
}
