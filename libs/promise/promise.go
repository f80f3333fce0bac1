package promise

import (
	"sync"
)

// 单次赋值的异步结果，驱动区块交付的依赖图
// continuation不在resolve的goroutine上直接跑，而是交给Scheduler排队，
// 共识主循环用它把完成事件串行化到自己的goroutine上

// Scheduler 负责把continuation投递到执行上下文
// 传nil则continuation在resolve的调用栈上内联执行
type Scheduler func(fn func())

// Promise - 只会被resolve或reject一次的异步结果
type Promise struct {
	mtx   sync.Mutex
	done  bool
	val   interface{}
	err   error
	conts []func(val interface{}, err error)
	sched Scheduler
}

func New(sched Scheduler) *Promise {
	return &Promise{sched: sched}
}

// Resolved 返回一个已经完成的promise
func Resolved(sched Scheduler, val interface{}) *Promise {
	return &Promise{sched: sched, done: true, val: val}
}

// Then 注册continuation，promise已完成时直接调度执行
// 同一个promise上的continuation按注册顺序执行
func (p *Promise) Then(fn func(val interface{}, err error)) *Promise {
	p.mtx.Lock()
	if p.done {
		val, err := p.val, p.err
		p.mtx.Unlock()
		p.dispatch(func() { fn(val, err) })
		return p
	}
	p.conts = append(p.conts, fn)
	p.mtx.Unlock()
	return p
}

// Resolve 完成promise，重复resolve/reject是no-op
func (p *Promise) Resolve(val interface{}) {
	p.settle(val, nil)
}

// Reject 以错误完成promise
func (p *Promise) Reject(err error) {
	p.settle(nil, err)
}

func (p *Promise) settle(val interface{}, err error) {
	p.mtx.Lock()
	if p.done {
		p.mtx.Unlock()
		return
	}
	p.done = true
	p.val = val
	p.err = err
	conts := p.conts
	p.conts = nil
	p.mtx.Unlock()

	for _, fn := range conts {
		fn := fn
		p.dispatch(func() { fn(val, err) })
	}
}

func (p *Promise) dispatch(fn func()) {
	if p.sched == nil {
		fn()
		return
	}
	p.sched(fn)
}

// All 在所有子promise完成后resolve，值是按入参顺序排列的结果列表
// 任何一个子promise被reject时立刻reject，后续结果丢弃
func All(sched Scheduler, ps ...*Promise) *Promise {
	all := New(sched)
	if len(ps) == 0 {
		all.Resolve([]interface{}{})
		return all
	}

	var (
		mtx     sync.Mutex
		pending = len(ps)
		vals    = make([]interface{}, len(ps))
	)

	for i, p := range ps {
		i := i
		p.Then(func(val interface{}, err error) {
			if err != nil {
				all.Reject(err)
				return
			}
			mtx.Lock()
			vals[i] = val
			pending--
			last := pending == 0
			mtx.Unlock()
			if last {
				all.Resolve(vals)
			}
		})
	}
	return all
}
