// Package workqueue defers work from a fast path to a single named worker.
//
// It follows the schedule_work model: scheduling never blocks, a work item
// that is already pending is not queued twice, and the pending mark is
// cleared just before the item runs so it may be rescheduled from inside
// its own handler.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/pchar/internal/groutine"
)

// DefaultDepth is the number of distinct items that may be pending at once.
const DefaultDepth = 64

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("workqueue closed")

// Work is a reusable unit of deferred work.
type Work struct {
	name    string
	fn      func(ctx context.Context)
	pending uint32
	runs    uint64
}

// NewWork returns a work item running fn.
func NewWork(name string, fn func(ctx context.Context)) *Work {
	return &Work{name: name, fn: fn}
}

// Name returns the work item name.
func (w *Work) Name() string { return w.name }

// Pending reports whether w is queued and has not started yet.
func (w *Work) Pending() bool { return atomic.LoadUint32(&w.pending) == 1 }

// Runs returns how many times w has executed.
func (w *Work) Runs() uint64 { return atomic.LoadUint64(&w.runs) }

// Stats are lock-free queue counters.
type Stats struct {
	Scheduled uint64 // items accepted
	Coalesced uint64 // schedules that found the item already pending
	Dropped   uint64 // schedules refused because the queue was full or closed
	Executed  uint64
	Panics    uint64
}

// Queue runs scheduled work on one goroutine in scheduling order.
type Queue struct {
	name   string
	logger *logrus.Logger
	items  chan *Work

	ctx    context.Context
	cancel context.CancelFunc
	done   <-chan struct{}
	closed uint32

	scheduled uint64
	coalesced uint64
	dropped   uint64
	executed  uint64
	panics    uint64
}

// Options configures a queue. Zero values use defaults.
type Options struct {
	Depth  int            // 0 = DefaultDepth
	Logger *logrus.Logger // nil = no-op logger
}

// New starts a queue whose worker goroutine is labelled name.
func New(name string, opts *Options) *Queue {
	if opts == nil {
		opts = &Options{}
	}
	depth := opts.Depth
	if depth <= 0 {
		depth = DefaultDepth
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:   name,
		logger: logger,
		items:  make(chan *Work, depth),
		ctx:    ctx,
		cancel: cancel,
	}
	q.done = groutine.Go(ctx, name, q.worker)
	return q
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-q.items:
			atomic.StoreUint32(&w.pending, 0)
			q.run(ctx, w)
		}
	}
}

func (q *Queue) run(ctx context.Context, w *Work) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&q.panics, 1)
			q.logger.WithFields(logrus.Fields{"queue": q.name, "work": w.name}).Errorf("work panicked (recovered): %v", r)
		}
	}()
	w.fn(ctx)
	atomic.AddUint64(&w.runs, 1)
	atomic.AddUint64(&q.executed, 1)
}

// Schedule queues w unless it is already pending. It never blocks and
// reports whether w was queued by this call.
func (q *Queue) Schedule(w *Work) bool {
	if atomic.LoadUint32(&q.closed) == 1 {
		atomic.AddUint64(&q.dropped, 1)
		return false
	}
	if !atomic.CompareAndSwapUint32(&w.pending, 0, 1) {
		atomic.AddUint64(&q.coalesced, 1)
		return false
	}
	select {
	case q.items <- w:
		atomic.AddUint64(&q.scheduled, 1)
		return true
	default:
		atomic.StoreUint32(&w.pending, 0)
		atomic.AddUint64(&q.dropped, 1)
		q.logger.WithFields(logrus.Fields{"queue": q.name, "work": w.name}).Warn("workqueue full, work dropped")
		return false
	}
}

// Flush waits until every item scheduled before the call has run.
func (q *Queue) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	w := NewWork("flush", func(context.Context) { close(barrier) })
	atomic.StoreUint32(&w.pending, 1)

	select {
	case q.items <- w:
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-barrier:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker. Work that has not started is discarded; work in
// progress sees its context cancelled. Close waits up to timeout for the
// worker to exit.
func (q *Queue) Close(timeout time.Duration) error {
	if !atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		return nil
	}
	q.cancel()

	select {
	case <-q.done:
		return nil
	case <-time.After(timeout):
		q.logger.WithField("queue", q.name).Errorf("worker did not exit within %v", timeout)
		return fmt.Errorf("workqueue %s: close timed out after %v", q.name, timeout)
	}
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Scheduled: atomic.LoadUint64(&q.scheduled),
		Coalesced: atomic.LoadUint64(&q.coalesced),
		Dropped:   atomic.LoadUint64(&q.dropped),
		Executed:  atomic.LoadUint64(&q.executed),
		Panics:    atomic.LoadUint64(&q.panics),
	}
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()
