package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

type ResultMetrics struct {
	// label -> MetricItem的JSON快照
	Metrics map[string]string `json:"metrics"`
}

// Metrics 返回所有登记过的metric快照
func Metrics(ctx *rpctypes.Context) (*ResultMetrics, error) {
	res := &ResultMetrics{Metrics: make(map[string]string)}
	for _, label := range env.MetricSet.GetAlllabels() {
		item := env.MetricSet.GetMetrics(label)
		if item == nil {
			continue
		}
		res.Metrics[label] = item.JSONString()
	}
	return res, nil
}
