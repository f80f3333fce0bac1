package mempool

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
)

func newMemMetric() *memMetric {
	return &memMetric{}
}

type memMetric struct {
	mtx         sync.RWMutex
	CmdsNum     int   `json:"cmds_num"`      // 池子中等待打包的命令总数
	ReapedTotal int64 `json:"reaped_total"`  // 被打包带走的命令总数
	TotalBytes  int64 `json:"total_bytes"`   // 只由MarkTotalBytes写入；ListMempool不调用它，值保持为0
}

func (mm *memMetric) JSONString() string {
	mm.mtx.RLock()
	defer mm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(mm)
	return s
}

func (mm *memMetric) MarkCmdsNum(n int) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.CmdsNum = n
}

func (mm *memMetric) MarkReaped(n int) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.ReapedTotal += int64(n)
}

func (mm *memMetric) MarkTotalBytes(n int64) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.TotalBytes = n
}
