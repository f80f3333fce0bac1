package promise

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveThenOrder(t *testing.T) {
	p := New(nil)

	got := []int{}
	p.Then(func(val interface{}, err error) { got = append(got, 1) })
	p.Then(func(val interface{}, err error) { got = append(got, 2) })

	p.Resolve("x")
	assert.Equal(t, []int{1, 2}, got)

	// 已完成的promise上注册continuation会立即执行
	p.Then(func(val interface{}, err error) {
		assert.Equal(t, "x", val)
		got = append(got, 3)
	})
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestSettleOnlyOnce(t *testing.T) {
	p := New(nil)
	count := 0
	p.Then(func(val interface{}, err error) { count++ })

	p.Resolve(1)
	p.Resolve(2)
	p.Reject(errors.New("late"))
	assert.Equal(t, 1, count)
}

func TestScheduler(t *testing.T) {
	queue := []func(){}
	sched := func(fn func()) { queue = append(queue, fn) }

	p := New(sched)
	fired := false
	p.Then(func(val interface{}, err error) { fired = true })
	p.Resolve(nil)

	// continuation只进队列，由调用方决定何时执行
	assert.False(t, fired)
	require.Len(t, queue, 1)
	queue[0]()
	assert.True(t, fired)
}

func TestAllResolves(t *testing.T) {
	a, b, c := New(nil), New(nil), New(nil)

	var got []interface{}
	All(nil, a, b, c).Then(func(val interface{}, err error) {
		require.NoError(t, err)
		got = val.([]interface{})
	})

	// 乱序resolve，结果仍按入参顺序排列
	b.Resolve("b")
	c.Resolve("c")
	assert.Nil(t, got)
	a.Resolve("a")
	assert.Equal(t, []interface{}{"a", "b", "c"}, got)
}

func TestAllRejectsOnFirstError(t *testing.T) {
	a, b := New(nil), New(nil)

	var gotErr error
	All(nil, a, b).Then(func(val interface{}, err error) { gotErr = err })

	wantErr := errors.New("verification failed")
	b.Reject(wantErr)
	assert.Equal(t, wantErr, gotErr)

	// 剩余promise完成不会再次触发
	a.Resolve("a")
	assert.Equal(t, wantErr, gotErr)
}

func TestAllEmpty(t *testing.T) {
	fired := false
	All(nil).Then(func(val interface{}, err error) {
		require.NoError(t, err)
		fired = true
	})
	assert.True(t, fired)
}
