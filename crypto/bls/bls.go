package bls

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	kyberbls "go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"
)

const (
	PrivKeyName = "hotstuff/PrivKeyBLS"
	PubKeyName  = "hotstuff/PubKeyBLS"

	KeyType = "bls"

	PrivKeySize = 32
	PubKeySize  = 128
	// BLS签名本体的大小（bn256 G1）
	SignatureSize = 64
	// 份额签名 = 2字节份额编号(big endian) + BLS签名
	PartCertSize = SignatureSize + 2

	// MasterIdx 标记非份额的完整私钥
	MasterIdx = int32(-1)
)

var suite = bn256.NewSuite()

func init() {
	tmjson.RegisterType(PubKey{}, PubKeyName)
	tmjson.RegisterType(PrivKey{}, PrivKeyName)
}

// Suite 返回全局使用的配对曲线，threshold包和QC的聚合逻辑共用
func Suite() *bn256.Suite {
	return suite
}

// ---------- PrivKey ----------

// PrivKey - bn256曲线上的BLS私钥
// Index >= 0 表示这是门限主私钥派生出的第Index个份额，
// 份额签名时会在签名前附上自己的编号，方便聚合时还原拉格朗日系数
type PrivKey struct {
	Key   []byte `json:"key"`
	Index int32  `json:"index"`
}

var _ crypto.PrivKey = PrivKey{}

// Bytes returns the byte representation of the private key scalar.
func (privKey PrivKey) Bytes() []byte {
	return privKey.Key
}

// Sign 对msg生成BLS签名；如果私钥是门限份额，返回PartCert格式的份额签名
func (privKey PrivKey) Sign(msg []byte) ([]byte, error) {
	scalar := suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(privKey.Key); err != nil {
		return nil, err
	}

	sig, err := kyberbls.Sign(suite, scalar, msg)
	if err != nil {
		return nil, err
	}

	if privKey.Index == MasterIdx {
		return sig, nil
	}

	part := make([]byte, PartCertSize)
	binary.BigEndian.PutUint16(part[:2], uint16(privKey.Index))
	copy(part[2:], sig)
	return part, nil
}

// PubKey derives the public key on G2.
func (privKey PrivKey) PubKey() crypto.PubKey {
	scalar := suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(privKey.Key); err != nil {
		panic(fmt.Sprintf("corrupted bls private key: %v", err))
	}
	point := suite.G2().Point().Mul(scalar, nil)
	bz, err := point.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return PubKey(bz)
}

func (privKey PrivKey) Equals(other crypto.PrivKey) bool {
	if otherBLS, ok := other.(PrivKey); ok {
		return bytes.Equal(privKey.Key, otherBLS.Key)
	}
	return false
}

func (privKey PrivKey) Type() string {
	return KeyType
}

// ---------- PubKey ----------

// PubKey - bn256曲线G2上的BLS公钥
type PubKey []byte

var _ crypto.PubKey = PubKey{}

// Address is the first 20 bytes of the hash of the raw public key.
func (pubKey PubKey) Address() crypto.Address {
	return crypto.Address(tmhash.SumTruncated(pubKey))
}

func (pubKey PubKey) Bytes() []byte {
	return pubKey
}

// VerifySignature 验证签名；份额签名会先剥离编号前缀再验证
func (pubKey PubKey) VerifySignature(msg []byte, sig []byte) bool {
	if len(sig) == PartCertSize {
		sig = sig[2:]
	}
	if len(sig) != SignatureSize {
		return false
	}

	point := suite.G2().Point()
	if err := point.UnmarshalBinary(pubKey); err != nil {
		return false
	}
	return kyberbls.Verify(suite, point, msg, sig) == nil
}

func (pubKey PubKey) Equals(other crypto.PubKey) bool {
	if otherBLS, ok := other.(PubKey); ok {
		return bytes.Equal(pubKey, otherBLS)
	}
	return false
}

func (pubKey PubKey) Type() string {
	return KeyType
}

func (pubKey PubKey) String() string {
	return fmt.Sprintf("PubKeyBLS{%X}", []byte(pubKey))
}

// ---------- key generation ----------

func genPrivKey(stream kyber.XOF) PrivKey {
	scalar := suite.G2().Scalar().Pick(stream)
	bz, err := scalar.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return PrivKey{Key: bz, Index: MasterIdx}
}

// GenPrivKey generates a new BLS private key from crypto/rand.
func GenPrivKey() PrivKey {
	seed := make([]byte, 32)
	random.Bytes(seed, random.New())
	return genPrivKey(suite.XOF(seed))
}

// GenPrivKeyWithSeed 根据seed确定性地生成私钥，集群初始化时各节点用同一个seed
// 还原出相同的主私钥
func GenPrivKeyWithSeed(seed int64) PrivKey {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, uint64(seed))
	return genPrivKey(suite.XOF(bz))
}

// GenTestPrivKey 测试用的确定性私钥
func GenTestPrivKey(seed int64) PrivKey {
	return GenPrivKeyWithSeed(seed)
}
