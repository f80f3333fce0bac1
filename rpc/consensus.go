package rpc

import (
	"hotstuff_demo/types"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

type ResultBlockDAG struct {
	Blocks []ResultBlock `json:"blocks"`
}

type ResultBlock struct {
	Height       int64            `json:"height"`
	BlockHash    tmbytes.HexBytes `json:"block_hash"`
	ParentHashes []tmbytes.HexBytes `json:"parent_hashes"`
	CmdNum       int              `json:"cmd_num"`
	Delivered    bool             `json:"delivered"`
	Decision     int32            `json:"decision"`
	HasQC        bool             `json:"has_qc"`
	VotedNum     int              `json:"voted_num"`
}

type ResultConsensusState struct {
	ReplicaID    types.ReplicaID  `json:"replica_id"`
	BExecHeight  int64            `json:"bexec_height"`
	BExecHash    tmbytes.HexBytes `json:"bexec_hash"`
	VHeight      int64            `json:"vheight"`
	HQCHeight    int64            `json:"hqc_height"`
	HQCHash      tmbytes.HexBytes `json:"hqc_hash"`
	TailNum      int              `json:"tail_num"`
	StoredBlocks int              `json:"stored_blocks"`
}

// BlockDAG 遍历storage里的区块，调试和观测用
func BlockDAG(ctx *rpctypes.Context) (*ResultBlockDAG, error) {
	blocks := []ResultBlock{}
	env.HotStuff.Storage().ForEachBlock(func(blk *types.Block) {
		blocks = append(blocks, ResultBlock{
			Height:       blk.Height,
			BlockHash:    blk.Hash(),
			ParentHashes: blk.ParentHashes,
			CmdNum:       len(blk.Cmds),
			Delivered:    blk.Delivered,
			Decision:     blk.Decision,
			HasQC:        blk.QC != nil,
			VotedNum:     len(blk.Voted),
		})
	})

	return &ResultBlockDAG{Blocks: blocks}, nil
}

// ConsensusState 共识核心当前的状态
func ConsensusState(ctx *rpctypes.Context) (*ResultConsensusState, error) {
	hs := env.HotStuff
	hqcBlk, _ := hs.HQC()

	return &ResultConsensusState{
		ReplicaID:    hs.ID(),
		BExecHeight:  hs.BExec().Height,
		BExecHash:    hs.BExec().Hash(),
		VHeight:      hs.VHeight(),
		HQCHeight:    hqcBlk.Height,
		HQCHash:      hqcBlk.Hash(),
		TailNum:      len(hs.Tails()),
		StoredBlocks: hs.Storage().BlockCount(),
	}, nil
}
