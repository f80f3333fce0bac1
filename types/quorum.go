package types

import (
	"errors"
	"sync"

	"hotstuff_demo/crypto/threshold"

	"github.com/tendermint/tendermint/crypto"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

var (
	ErrQCComputed     = errors.New("quorum cert already computed")
	ErrQCNotComputed  = errors.New("quorum cert not computed yet")
	ErrDuplicatePart  = errors.New("duplicate partial cert")
	ErrQCEmptyAggSig  = errors.New("quorum cert carries no aggregate signature")
	ErrQCBadAggregate = errors.New("aggregate signature verification failed")
)

// QuorumCert - 某个区块获得2f+1个投票的证明
// leader侧先做份额累加器用，凑齐nmajority个份额后Compute还原出聚合签名；
// 上线路时只携带BlkHash和AggSig，份额表不序列化
type QuorumCert struct {
	mtx sync.Mutex

	BlkHash tmbytes.HexBytes `json:"blk_hash"`
	AggSig  tmbytes.HexBytes `json:"agg_sig,omitempty"`

	parts    map[ReplicaID][]byte
	computed bool
}

// NewQuorumCert 返回一个空的份额累加器
func NewQuorumCert(blkHash tmbytes.HexBytes) *QuorumCert {
	return &QuorumCert{
		BlkHash: blkHash,
		parts:   make(map[ReplicaID][]byte),
	}
}

// AddPart 累加一个节点的份额签名
// 份额本身的合法性由投票验证流程保证，这里只负责去重
func (qc *QuorumCert) AddPart(id ReplicaID, part []byte) error {
	qc.mtx.Lock()
	defer qc.mtx.Unlock()

	if qc.computed {
		return ErrQCComputed
	}
	if qc.parts == nil {
		qc.parts = make(map[ReplicaID][]byte)
	}
	if _, exist := qc.parts[id]; exist {
		return ErrDuplicatePart
	}
	qc.parts[id] = part
	return nil
}

func (qc *QuorumCert) PartCount() int {
	qc.mtx.Lock()
	defer qc.mtx.Unlock()
	return len(qc.parts)
}

// Compute 用累加的份额还原聚合签名，t=nmajority，n是验证者总数
// 创世区块的自引用QC没有份额，此时只做finalize标记
func (qc *QuorumCert) Compute(t, n int) error {
	qc.mtx.Lock()
	defer qc.mtx.Unlock()

	if qc.computed {
		return ErrQCComputed
	}

	if len(qc.parts) == 0 {
		qc.computed = true
		return nil
	}

	parts := make([][]byte, 0, len(qc.parts))
	for _, part := range qc.parts {
		parts = append(parts, part)
	}
	agg, err := threshold.Recover(parts, t, n)
	if err != nil {
		return err
	}
	qc.AggSig = agg
	qc.computed = true
	return nil
}

func (qc *QuorumCert) IsComputed() bool {
	qc.mtx.Lock()
	defer qc.mtx.Unlock()
	return qc.computed
}

// Verify 用主公钥验证聚合签名
func (qc *QuorumCert) Verify(masterPub crypto.PubKey) error {
	if len(qc.AggSig) == 0 {
		return ErrQCEmptyAggSig
	}
	if !masterPub.VerifySignature(qc.BlkHash, qc.AggSig) {
		return ErrQCBadAggregate
	}
	return nil
}

// Clone 深拷贝，提案携带QC时必须clone，避免和leader侧的累加器互相干扰
func (qc *QuorumCert) Clone() *QuorumCert {
	qc.mtx.Lock()
	defer qc.mtx.Unlock()

	newQC := &QuorumCert{
		BlkHash:  qc.BlkHash,
		computed: qc.computed,
		parts:    make(map[ReplicaID][]byte, len(qc.parts)),
	}
	if qc.AggSig != nil {
		newQC.AggSig = make([]byte, len(qc.AggSig))
		copy(newQC.AggSig, qc.AggSig)
	}
	for id, part := range qc.parts {
		newQC.parts[id] = part
	}
	return newQC
}
