// Package dispatch runs callbacks serially, in submission order, on a single goroutine.
package dispatch

import (
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Queue is an unbounded FIFO of callbacks drained by one goroutine.
// Push never blocks, so it is safe to call from inside a running callback.
type Queue struct {
	log  *zap.Logger
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   chan struct{}
}

// NewQueue starts a queue. name is attached to recovered-panic logs.
func NewQueue(log *zap.Logger, name string) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{log: log, name: name, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Push schedules fn. It reports false if the queue is closed.
func (q *Queue) Push(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, fn)
	q.cond.Signal()
	return true
}

// Close stops accepting callbacks; already queued ones still run.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

// Done is closed once the queue is closed and drained.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		Safe(q.log, q.name, fn)
	}
}

// Safe runs fn and recovers a panic, logging it instead of crashing the process.
func Safe(log *zap.Logger, where string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic",
				zap.Any("reason", r),
				zap.ByteString("stack", debug.Stack()),
				zap.String("where", where),
			)
		}
	}()
	fn()
}
