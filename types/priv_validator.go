package types

import (
	"fmt"

	"hotstuff_demo/crypto/bls"

	"github.com/tendermint/tendermint/crypto"
)

// PrivValidator 封装本节点的私钥份额
type PrivValidator interface {
	GetAddress() Address
	GetPubKey() (crypto.PubKey, error)

	// SignVote 为vote生成PartCert
	// 份额签名只针对区块hash，chainID不参与 - 聚合要求所有节点对同一消息签名
	SignVote(chainID string, vote *Vote) error

	// SignProposal 签名提案，gossip时确认提案人身份用
	SignProposal(chainID string, proposal *Proposal) error
}

//----------------------------------------
// MockPV

// MockPV implements PrivValidator without any safety or persistence.
// Only use it for testing.
type MockPV struct {
	PrivKey crypto.PrivKey
}

func NewMockPV(privKey crypto.PrivKey) MockPV {
	return MockPV{PrivKey: privKey}
}

func (pv MockPV) GetAddress() Address {
	return Address(pv.PrivKey.PubKey().Address())
}

func (pv MockPV) GetPubKey() (crypto.PubKey, error) {
	return pv.PrivKey.PubKey(), nil
}

func (pv MockPV) SignVote(chainID string, vote *Vote) error {
	cert, err := pv.PrivKey.Sign(vote.BlkHash)
	if err != nil {
		return fmt.Errorf("error signing vote: %w", err)
	}
	vote.Cert = cert
	return nil
}

func (pv MockPV) SignProposal(chainID string, proposal *Proposal) error {
	sig, err := pv.PrivKey.Sign(ProposalSignBytes(chainID, proposal))
	if err != nil {
		return fmt.Errorf("error signing proposal: %w", err)
	}
	proposal.Signature = sig
	return nil
}

//----------------------------------------
// RandValidator

// RandValidator returns a randomized validator, useful for testing.
// UNSTABLE
func RandValidator() (*Validator, PrivValidator) {
	privVal := NewMockPV(bls.GenPrivKey())

	pubKey, err := privVal.GetPubKey()
	if err != nil {
		panic(fmt.Errorf("could not retrieve pubkey %w", err))
	}
	val := NewValidator(pubKey)
	return val, privVal
}
