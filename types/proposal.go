package types

import (
	"errors"
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

var ErrProposalNoBlock = errors.New("proposal carries no block")

// Proposal - leader对新区块的提案
// 区块本身靠QC链自证，签名只用来在gossip时确认提案人身份
type Proposal struct {
	Proposer  ReplicaID        `json:"proposer"`
	Blk       *Block           `json:"block"`
	Signature tmbytes.HexBytes `json:"signature,omitempty"`
}

func (p *Proposal) ValidateBasic() error {
	if p.Blk == nil {
		return ErrProposalNoBlock
	}
	return p.Blk.ValidateBasic()
}

func (p *Proposal) String() string {
	if p == nil {
		return "nil-Proposal"
	}
	return fmt.Sprintf("Proposal{proposer=%v %v}", p.Proposer, p.Blk)
}

// ProposalSignBytes 提案签名的canonical编码
func ProposalSignBytes(chainID string, p *Proposal) []byte {
	bz, err := tmjson.Marshal(struct {
		ChainID  string           `json:"chain_id"`
		Proposer ReplicaID        `json:"proposer"`
		BlkHash  tmbytes.HexBytes `json:"blk_hash"`
	}{chainID, p.Proposer, p.Blk.Hash()})
	if err != nil {
		panic(err)
	}
	return bz
}
