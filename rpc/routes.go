package rpc

import rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"

var Routes = map[string]*rpcserver.RPCFunc{
	"broadcast_cmd":   rpcserver.NewRPCFunc(BroadcastCmdAsync, "cmd"),
	"block_dag":       rpcserver.NewRPCFunc(BlockDAG, ""),
	"consensus_state": rpcserver.NewRPCFunc(ConsensusState, ""),
	"metrics":         rpcserver.NewRPCFunc(Metrics, ""),
}
