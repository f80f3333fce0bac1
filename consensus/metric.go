package consensus

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
	gometrics "github.com/rcrowley/go-metrics"
)

// hotstuffMetric - 共识状态快照 + 吞吐量表
// fetched/delivered/decided对应交付流水线的三个阶段
func newHotStuffMetric() *hotstuffMetric {
	return &hotstuffMetric{
		fetched:   gometrics.NewMeter(),
		delivered: gometrics.NewMeter(),
		decided:   gometrics.NewMeter(),
		proposed:  gometrics.NewMeter(),
	}
}

type hotstuffMetric struct {
	mtx sync.RWMutex

	BExecHeight int64 `json:"bexec_height"`
	VHeight     int64 `json:"vheight"`
	HQCHeight   int64 `json:"hqc_height"`
	TailCount   int   `json:"tail_count"`

	FetchedTotal   int64 `json:"fetched_total"`
	DeliveredTotal int64 `json:"delivered_total"`
	DecidedTotal   int64 `json:"decided_total"`
	ProposedTotal  int64 `json:"proposed_total"`

	FetchedRate   float64 `json:"fetched_rate_1m"`
	DeliveredRate float64 `json:"delivered_rate_1m"`
	DecidedRate   float64 `json:"decided_rate_1m"`

	fetched   gometrics.Meter
	delivered gometrics.Meter
	decided   gometrics.Meter
	proposed  gometrics.Meter
}

func (hm *hotstuffMetric) MarkFetched()   { hm.fetched.Mark(1) }
func (hm *hotstuffMetric) MarkDelivered() { hm.delivered.Mark(1) }
func (hm *hotstuffMetric) MarkDecided()   { hm.decided.Mark(1) }
func (hm *hotstuffMetric) MarkProposed()  { hm.proposed.Mark(1) }

// Snapshot 把核心状态抄进metric，在主循环上调用
func (hm *hotstuffMetric) Snapshot(core *HotStuffCore) {
	hm.mtx.Lock()
	defer hm.mtx.Unlock()

	hm.BExecHeight = core.BExec().Height
	hm.VHeight = core.VHeight()
	hqcBlk, _ := core.HQC()
	hm.HQCHeight = hqcBlk.Height
	hm.TailCount = len(core.tails)
}

func (hm *hotstuffMetric) JSONString() string {
	hm.mtx.Lock()
	hm.FetchedTotal = hm.fetched.Count()
	hm.DeliveredTotal = hm.delivered.Count()
	hm.DecidedTotal = hm.decided.Count()
	hm.ProposedTotal = hm.proposed.Count()
	hm.FetchedRate = hm.fetched.Rate1()
	hm.DeliveredRate = hm.delivered.Rate1()
	hm.DecidedRate = hm.decided.Rate1()
	hm.mtx.Unlock()

	hm.mtx.RLock()
	defer hm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(hm)
	return s
}
