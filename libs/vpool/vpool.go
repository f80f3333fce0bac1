package vpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// VerifyPool - 签名/QC验证的worker池
// 验证是纯函数，输入的区块/投票快照在提交后不再被修改，
// 所以可以放心地在主循环外并行跑，结果通过回调送回
type VerifyPool struct {
	sem *semaphore.Weighted
}

func New(nworker int64) *VerifyPool {
	if nworker <= 0 {
		nworker = 1
	}
	return &VerifyPool{
		sem: semaphore.NewWeighted(nworker),
	}
}

// Submit 异步执行verify，完成后调用done(err)
// done在worker goroutine上执行，caller要自己把结果转回主循环
func (vp *VerifyPool) Submit(verify func() error, done func(error)) {
	go func() {
		if err := vp.sem.Acquire(context.Background(), 1); err != nil {
			done(err)
			return
		}
		defer vp.sem.Release(1)
		done(verify())
	}()
}
