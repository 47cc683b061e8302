package task

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is an executor that runs inline and remembers how often it was used.
type recorder struct {
	count atomic.Int32
}

func (r *recorder) Execute(fn func()) {
	r.count.Add(1)
	fn()
}

func TestWhereString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "completion", Completion.String())
	assert.Equal(t, "pooled", Pooled.String())
	assert.Equal(t, "unknown", Where(9).String())
}

func TestRunner_DispatchesByWhere(t *testing.T) {
	t.Parallel()

	pool := &recorder{}
	completion := &recorder{}
	r := NewRunner(pool, completion)

	var steps []string
	r.Submit(Task{Name: "first", Where: Completion, Run: func(next func(Task)) {
		steps = append(steps, "first")
		next(Task{Name: "second", Where: Pooled, Run: func(next func(Task)) {
			steps = append(steps, "second")
			next(Task{Name: "third", Where: Completion, Run: func(func(Task)) {
				steps = append(steps, "third")
			}})
		}})
	}})

	assert.Equal(t, []string{"first", "second", "third"}, steps)
	assert.Equal(t, int32(1), pool.count.Load())
	assert.Equal(t, int32(2), completion.count.Load())
}

func TestRunner_NoNextEndsChain(t *testing.T) {
	t.Parallel()

	pool := &recorder{}
	r := NewRunner(pool, Inline{})
	ran := false
	r.Submit(Task{Name: "only", Where: Completion, Run: func(func(Task)) { ran = true }})

	assert.True(t, ran)
	assert.Equal(t, int32(0), pool.count.Load())
}

func TestPool_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	p := NewPool(2)
	var running, peak atomic.Int32
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		p.Execute(func() {
			n := running.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		})
	}
	p.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(0), running.Load())
}

func TestPool_ZeroSize(t *testing.T) {
	t.Parallel()

	p := NewPool(0)
	var n atomic.Int32
	p.Execute(func() { n.Add(1) })
	p.Wait()
	assert.Equal(t, int32(1), n.Load())
}

func TestLoop_RunsInOrder(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	l := NewLoop()
	l.Start()
	defer l.Stop()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		l.Execute(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	g.Eventually(func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(got)
	}).WithTimeout(2 * time.Second).WithPolling(5 * time.Millisecond).Should(Equal(50))

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestLoop_StopDrainsQueue(t *testing.T) {
	t.Parallel()

	l := NewLoop()
	block := make(chan struct{})
	var n atomic.Int32
	l.Start()
	l.Execute(func() { <-block })
	for i := 0; i < 5; i++ {
		l.Execute(func() { n.Add(1) })
	}
	close(block)
	l.Stop()

	assert.Equal(t, int32(5), n.Load())

	// dropped after stop
	l.Execute(func() { n.Add(1) })
	assert.Equal(t, int32(5), n.Load())
	l.Stop()
}

func TestLoop_StopWithoutStart(t *testing.T) {
	t.Parallel()

	l := NewLoop()
	l.Stop()
	l.Start()
	l.Stop()
}

func TestPoolAndLoop_Together(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	pool := NewPool(4)
	loop := NewLoop()
	loop.Start()
	defer loop.Stop()

	r := NewRunner(pool, loop)
	var delivered atomic.Int32
	for i := 0; i < 20; i++ {
		r.Submit(Task{Name: "work", Where: Pooled, Run: func(next func(Task)) {
			next(Task{Name: "deliver", Where: Completion, Run: func(func(Task)) {
				delivered.Add(1)
			}})
		}})
	}
	pool.Wait()

	g.Eventually(delivered.Load).WithTimeout(2 * time.Second).Should(Equal(int32(20)))
}
