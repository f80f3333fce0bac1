package rpc

import (
	"hotstuff_demo/types"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

// ResultBroadcastCmd - 命令受理结果，不等提交
type ResultBroadcastCmd struct {
	CmdHash tmbytes.HexBytes `json:"cmd_hash"`
}

// BroadcastCmdAsync 客户端提交一条命令
// 只确认命令进了缓冲池；提交与否客户端按hash自行查询或超时重试
func BroadcastCmdAsync(ctx *rpctypes.Context, cmd []byte) (*ResultBroadcastCmd, error) {
	command := types.Command(cmd)
	if err := env.HotStuff.ExecCommand(command, nil); err != nil {
		return nil, err
	}
	return &ResultBroadcastCmd{CmdHash: command.Hash()}, nil
}
