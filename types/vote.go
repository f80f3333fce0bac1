package types

import (
	"errors"
	"fmt"

	"hotstuff_demo/crypto/bls"
	"hotstuff_demo/crypto/threshold"

	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

var (
	ErrVoteBadBlkHash    = errors.New("vote block hash has wrong size")
	ErrVoteBadCert       = errors.New("vote carries malformed partial cert")
	ErrVoteIndexMismatch = errors.New("partial cert index does not match voter")
	ErrVoteUnknownVoter  = errors.New("voter not in validator set")
	ErrVoteBadSignature  = errors.New("partial cert verification failed")
)

// Vote - 针对某个区块的单个投票
// Cert是投票者私钥份额对区块hash的签名，leader凑齐nmajority个后聚合成QC
type Vote struct {
	Voter   ReplicaID        `json:"voter"`
	BlkHash tmbytes.HexBytes `json:"blk_hash"`
	Cert    tmbytes.HexBytes `json:"cert"`
}

func (vote *Vote) ValidateBasic() error {
	if len(vote.BlkHash) != tmhash.Size {
		return ErrVoteBadBlkHash
	}
	if len(vote.Cert) != bls.PartCertSize {
		return ErrVoteBadCert
	}
	idx, err := threshold.PartIndex(vote.Cert)
	if err != nil {
		return ErrVoteBadCert
	}
	if idx != int32(vote.Voter) {
		return ErrVoteIndexMismatch
	}
	return nil
}

// Verify 用投票者的份额公钥验证PartCert
// 耗时的配对运算，调用方应该把它丢到verify pool里跑
func (vote *Vote) Verify(vals *ValidatorSet) error {
	if err := vote.ValidateBasic(); err != nil {
		return err
	}
	_, val := vals.GetByIndex(int32(vote.Voter))
	if val == nil {
		return ErrVoteUnknownVoter
	}
	if !val.PubKey.VerifySignature(vote.BlkHash, vote.Cert) {
		return ErrVoteBadSignature
	}
	return nil
}

func (vote *Vote) String() string {
	if vote == nil {
		return "nil-Vote"
	}
	return fmt.Sprintf("Vote{%v %X}", vote.Voter, vote.BlkHash[:4])
}
