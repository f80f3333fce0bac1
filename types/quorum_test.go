package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testChainID = "QUORUM_TEST"
	testSeed    = int64(100)
)

// 凑齐nmajority个份额后才允许Compute，且聚合结果能被主公钥验证
func TestQuorumCertLifecycle(t *testing.T) {
	vals, privs, masterVal := RandValidatorSet(4, testSeed)
	nmajority := vals.Majority()
	require.Equal(t, 3, nmajority)

	blk := MakeGenesisBlock(testChainID)
	qc := NewQuorumCert(blk.Hash())

	for i := 0; i < nmajority; i++ {
		vote := &Vote{Voter: ReplicaID(i), BlkHash: blk.Hash()}
		require.NoError(t, privs[i].SignVote(testChainID, vote))
		require.NoError(t, vote.Verify(vals))
		require.NoError(t, qc.AddPart(vote.Voter, vote.Cert))
	}
	assert.Equal(t, nmajority, qc.PartCount())

	require.NoError(t, qc.Compute(nmajority, vals.Size()))
	assert.True(t, qc.IsComputed())
	assert.NoError(t, qc.Verify(masterVal.PubKey))

	// compute后不再接受份额
	assert.Equal(t, ErrQCComputed, qc.AddPart(3, []byte("late")))
	assert.Equal(t, ErrQCComputed, qc.Compute(nmajority, vals.Size()))
}

// 份额不足时Compute失败 - 不允许提前出QC
func TestQuorumCertNotEnoughParts(t *testing.T) {
	vals, privs, _ := RandValidatorSet(4, testSeed)
	nmajority := vals.Majority()

	blk := MakeGenesisBlock(testChainID)
	qc := NewQuorumCert(blk.Hash())

	for i := 0; i < nmajority-1; i++ {
		vote := &Vote{Voter: ReplicaID(i), BlkHash: blk.Hash()}
		require.NoError(t, privs[i].SignVote(testChainID, vote))
		require.NoError(t, qc.AddPart(vote.Voter, vote.Cert))
	}

	assert.Error(t, qc.Compute(nmajority, vals.Size()))
	assert.False(t, qc.IsComputed())
}

func TestQuorumCertDuplicatePart(t *testing.T) {
	vals, privs, _ := RandValidatorSet(4, testSeed)
	_ = vals

	blk := MakeGenesisBlock(testChainID)
	qc := NewQuorumCert(blk.Hash())

	vote := &Vote{Voter: 0, BlkHash: blk.Hash()}
	require.NoError(t, privs[0].SignVote(testChainID, vote))

	require.NoError(t, qc.AddPart(vote.Voter, vote.Cert))
	assert.Equal(t, ErrDuplicatePart, qc.AddPart(vote.Voter, vote.Cert))
}

func TestQuorumCertClone(t *testing.T) {
	vals, privs, masterVal := RandValidatorSet(4, testSeed)
	nmajority := vals.Majority()

	blk := MakeGenesisBlock(testChainID)
	qc := NewQuorumCert(blk.Hash())
	for i := 0; i < nmajority; i++ {
		vote := &Vote{Voter: ReplicaID(i), BlkHash: blk.Hash()}
		require.NoError(t, privs[i].SignVote(testChainID, vote))
		require.NoError(t, qc.AddPart(vote.Voter, vote.Cert))
	}
	require.NoError(t, qc.Compute(nmajority, vals.Size()))

	clone := qc.Clone()
	assert.Equal(t, qc.BlkHash, clone.BlkHash)
	assert.NoError(t, clone.Verify(masterVal.PubKey))

	// clone和原件互不影响
	clone.AggSig[0] ^= 0xff
	assert.NoError(t, qc.Verify(masterVal.PubKey))
}

// 创世区块的自引用QC没有份额，Compute只做标记，Verify不通过
func TestGenesisQuorumCert(t *testing.T) {
	blk := MakeGenesisBlock(testChainID)
	qc := NewQuorumCert(blk.Hash())

	require.NoError(t, qc.Compute(3, 4))
	assert.True(t, qc.IsComputed())
	assert.Equal(t, ErrQCEmptyAggSig, qc.Verify(nil))
}

// 投票验证拒绝编号和签名者不一致的PartCert
func TestVoteVerifyRejectsMismatchedIndex(t *testing.T) {
	vals, privs, _ := RandValidatorSet(4, testSeed)

	blk := MakeGenesisBlock(testChainID)
	vote := &Vote{Voter: 2, BlkHash: blk.Hash()}
	// 用1号的私钥份额给2号的投票签名
	require.NoError(t, privs[1].SignVote(testChainID, vote))

	assert.Equal(t, ErrVoteIndexMismatch, vote.Verify(vals))
}
