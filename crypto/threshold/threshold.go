package threshold

import (
	"encoding/binary"
	"errors"
	"fmt"

	"hotstuff_demo/crypto/bls"

	"go.dedis.ch/kyber/v3/share"
)

var (
	ErrWrongPartSize  = errors.New("wrong partial signature size")
	ErrNotEnoughParts = errors.New("not enough partial signatures to recover")
)

// Master 根据主私钥生成门限多项式
// t是还原聚合签名需要的最少份额数，seed保证各节点能生成同一组份额
func Master(priv bls.PrivKey, t int, seed int64) *Poly {
	suite := bls.Suite()

	scalar := suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(priv.Bytes()); err != nil {
		panic(fmt.Sprintf("corrupted master key: %v", err))
	}

	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, uint64(seed))

	pri := share.NewPriPoly(suite.G2(), t, scalar, suite.XOF(bz))
	pub := pri.Commit(suite.G2().Point().Base())

	return &Poly{
		t:   t,
		pri: pri,
		pub: pub,
	}
}

// Poly - 私钥份额多项式，f(0)是主私钥，f(1+idx)是第idx个节点的份额
type Poly struct {
	t   int
	pri *share.PriPoly
	pub *share.PubPoly
}

// GetValue 返回第idx个节点的私钥份额，idx从0开始和validator index对应
func (p *Poly) GetValue(idx int64) (bls.PrivKey, error) {
	if idx < 0 {
		return bls.PrivKey{}, fmt.Errorf("invalid share index %d", idx)
	}

	eval := p.pri.Eval(int(idx))
	bz, err := eval.V.MarshalBinary()
	if err != nil {
		return bls.PrivKey{}, err
	}
	return bls.PrivKey{Key: bz, Index: int32(idx)}, nil
}

// Threshold returns t.
func (p *Poly) Threshold() int {
	return p.t
}

// MasterPubKey 返回主公钥，聚合签名用它验证
func (p *Poly) MasterPubKey() bls.PubKey {
	bz, err := p.pub.Commit().MarshalBinary()
	if err != nil {
		panic(err)
	}
	return bls.PubKey(bz)
}

// PartIndex 从份额签名里解出签名者的份额编号
func PartIndex(part []byte) (int32, error) {
	if len(part) != bls.PartCertSize {
		return -1, ErrWrongPartSize
	}
	return int32(binary.BigEndian.Uint16(part[:2])), nil
}

// Recover 用t个以上的份额签名还原出主私钥对应的聚合签名
// 份额本身的合法性由调用者先行验证，这里只做拉格朗日插值
func Recover(parts [][]byte, t, n int) ([]byte, error) {
	if len(parts) < t {
		return nil, ErrNotEnoughParts
	}

	suite := bls.Suite()
	pubShares := make([]*share.PubShare, 0, len(parts))
	for _, part := range parts {
		if len(part) != bls.PartCertSize {
			return nil, ErrWrongPartSize
		}
		point := suite.G1().Point()
		if err := point.UnmarshalBinary(part[2:]); err != nil {
			return nil, err
		}
		idx := int(binary.BigEndian.Uint16(part[:2]))
		pubShares = append(pubShares, &share.PubShare{I: idx, V: point})
	}

	commit, err := share.RecoverCommit(suite.G1(), pubShares, t, n)
	if err != nil {
		return nil, err
	}
	return commit.MarshalBinary()
}
