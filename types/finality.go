package types

import (
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Finality - 一条命令最终提交的凭证
// commit walk按日志序为区块里的每条命令生成一条Finality，回调给宿主状态机
type Finality struct {
	ReplicaID ReplicaID        `json:"replica_id"`
	Decision  int32            `json:"decision"`
	CmdIdx    int              `json:"cmd_idx"`
	BlkHeight int64            `json:"blk_height"`
	CmdHash   tmbytes.HexBytes `json:"cmd_hash"`
	BlkHash   tmbytes.HexBytes `json:"blk_hash"`
}

func (fin *Finality) String() string {
	if fin == nil {
		return "nil-Finality"
	}
	return fmt.Sprintf("Finality{cmd=%X idx=%v height=%v blk=%X}",
		fin.CmdHash[:4], fin.CmdIdx, fin.BlkHeight, fin.BlkHash[:4])
}
