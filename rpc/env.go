package rpc

import (
	"hotstuff_demo/consensus"
	"hotstuff_demo/libs/metric"
	"hotstuff_demo/mempool"

	jsoniter "github.com/json-iterator/go"
)

var (
	env  *Environment
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

func SetEnvironment(e *Environment) {
	env = e
}

type Environment struct {
	Mempool  mempool.Mempool
	HotStuff *consensus.HotStuff

	MetricSet *metric.MetricSet
}
