package task

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Inline runs functions synchronously on the calling goroutine.
type Inline struct{}

// Execute runs fn immediately.
func (Inline) Execute(fn func()) {
	fn()
}

// Pool runs functions on goroutines, at most size at a time.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewPool creates a pool. size <= 0 means 1.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Execute starts fn on its own goroutine once a slot is free.
// It does not block the caller.
func (p *Pool) Execute(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// Background context never fails to acquire.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		fn()
	}()
}

// Wait blocks until all submitted functions have returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Loop is a single goroutine running queued functions in submission order.
// It plays the role of an owning context (e.g. a UI or event loop).
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	started bool
	stopped bool
}

// NewLoop creates a loop. Call Start before use.
func NewLoop() *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the loop goroutine. Calling Start twice, or after Stop, is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true
	go l.run()
}

// Execute queues fn. Functions queued after Stop are dropped.
func (l *Loop) Execute(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop drains already queued functions, then ends the loop and waits for it.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	started := l.started
	l.mu.Unlock()

	if !started {
		close(l.done)
		return
	}
	close(l.stopCh)
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		for _, fn := range l.take() {
			fn()
		}
		select {
		case <-l.wake:
		case <-l.stopCh:
			for _, fn := range l.take() {
				fn()
			}
			return
		}
	}
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.queue
	l.queue = nil
	return q
}
