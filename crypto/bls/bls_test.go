package bls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

func TestSignAndVerify(t *testing.T) {
	priv := GenPrivKey()
	pub := priv.PubKey()

	msg := []byte("hotstuff block hash")
	sig, err := priv.Sign(msg)
	require.NoError(t, err)
	assert.Equal(t, SignatureSize, len(sig))

	assert.True(t, pub.VerifySignature(msg, sig))
	assert.False(t, pub.VerifySignature([]byte("other msg"), sig))
}

func TestPartCertHasIndexPrefix(t *testing.T) {
	priv := GenPrivKeyWithSeed(42)
	priv.Index = 3

	msg := []byte("vote")
	part, err := priv.Sign(msg)
	require.NoError(t, err)
	assert.Equal(t, PartCertSize, len(part))

	// 公钥验证时应忽略编号前缀
	assert.True(t, priv.PubKey().VerifySignature(msg, part))
}

func TestDeterministicSeed(t *testing.T) {
	a := GenPrivKeyWithSeed(100)
	b := GenPrivKeyWithSeed(100)
	c := GenPrivKeyWithSeed(101)

	assert.True(t, a.Equals(b))
	assert.False(t, a.Equals(c))
}

func TestAddressSize(t *testing.T) {
	priv := GenTestPrivKey(7)
	addr := priv.PubKey().Address()
	assert.Equal(t, crypto.AddressSize, len(addr))
}

func TestJSONRoundTrip(t *testing.T) {
	priv := GenTestPrivKey(9)

	bz, err := tmjson.Marshal(crypto.PrivKey(priv))
	require.NoError(t, err)

	var got crypto.PrivKey
	require.NoError(t, tmjson.Unmarshal(bz, &got))
	assert.True(t, priv.Equals(got))
}
