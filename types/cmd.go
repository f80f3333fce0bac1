package types

import (
	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Command - 客户端命令的原文，内容寻址
// 共识核心只按hash引用命令，原文保存在EntityStorage里等提交时执行
type Command []byte

func (cmd Command) Hash() tmbytes.HexBytes {
	return tmhash.Sum(cmd)
}

func (cmd Command) Size() int64 {
	return int64(len(cmd))
}

// ===== command array =====
type Commands []Command

func (cmds Commands) Hashes() []tmbytes.HexBytes {
	hashes := make([]tmbytes.HexBytes, len(cmds))
	for i, cmd := range cmds {
		hashes[i] = cmd.Hash()
	}
	return hashes
}

// 返回命令形成的merkle tree的根value
func (cmds Commands) Hash() []byte {
	bzs := make([][]byte, len(cmds))
	for i := range cmds {
		bzs[i] = cmds[i].Hash()
	}
	return merkle.HashFromByteSlices(bzs)
}

func ComputeSizeForCmds(cmds []Command) int64 {
	var dataSize int64
	for _, cmd := range cmds {
		dataSize += cmd.Size()
	}
	return dataSize
}
