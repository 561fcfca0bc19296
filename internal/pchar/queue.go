package pchar

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
)

const (
	// DefaultCapacity is the fifo size used when none is configured.
	DefaultCapacity = 32

	// DefaultMaxCapacity guards create/resize against accidental misconfiguration.
	// Requests above the limit fail with ErrOutOfMemory.
	DefaultMaxCapacity = 16 * 1024 * 1024
)

// Storage is the byte ring that backs a Queue. It is only ever accessed
// with the owning Queue's lock held.
//
// *ringbuffer.RingBuffer from github.com/smallnest/ringbuffer satisfies it.
type Storage interface {
	io.Reader
	io.Writer
	Length() int
	Capacity() int
	Reset()
}

// Allocator creates backing storage for the given capacity.
type Allocator func(capacity int) (Storage, error)

// RingAllocator allocates a non-blocking smallnest ring buffer. A failing
// allocation surfaces as ErrOutOfMemory instead of crashing the caller.
func RingAllocator(capacity int) (st Storage, err error) {
	defer func() {
		if r := recover(); r != nil {
			st = nil
			err = fmt.Errorf("%w: allocate %d bytes: %v", ErrOutOfMemory, capacity, r)
		}
	}()
	return ringbuffer.New(capacity), nil
}

// QueueOptions configures queue creation. Zero values use defaults.
type QueueOptions struct {
	Name        string         // label used in log fields
	MaxCapacity int            // 0 = DefaultMaxCapacity
	Allocator   Allocator      // nil = RingAllocator
	Logger      *logrus.Logger // nil = no-op logger
}

// Info is a consistent snapshot of a queue's occupancy.
// Field order follows the control-query record: capacity, available, length.
type Info struct {
	Capacity  int `json:"capacity" yaml:"capacity"`
	Available int `json:"available" yaml:"available"`
	Length    int `json:"length" yaml:"length"`
}

// Stats provides runtime counters useful for monitoring.
type Stats struct {
	BytesIn         uint64 `json:"bytes_in"`
	BytesOut        uint64 `json:"bytes_out"`
	Clears          uint64 `json:"clears"`
	Resizes         uint64 `json:"resizes"`
	DroppedOnResize uint64 `json:"dropped_on_resize"`
}

// Queue is a fixed-capacity FIFO of bytes.
//
// The queue is a monitor: one mutex guards storage, capacity and the closed
// flag, and the two wait conditions used by Endpoint are bound to it.
// Every primitive here is non-blocking; Endpoint adds the blocking layer.
type Queue struct {
	name   string
	logger *logrus.Logger

	mu       sync.Mutex
	buf      Storage
	capacity int
	closed   bool

	dataAvailable  *sync.Cond
	spaceAvailable *sync.Cond

	alloc       Allocator
	maxCapacity int

	bytesIn         uint64
	bytesOut        uint64
	clears          uint64
	resizes         uint64
	droppedOnResize uint64
}

// NewQueue creates an empty queue holding at most capacity bytes.
func NewQueue(capacity int, opts *QueueOptions) (*Queue, error) {
	if opts == nil {
		opts = &QueueOptions{}
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be > 0, got %d", ErrInvalidArgument, capacity)
	}

	q := &Queue{
		name:        opts.Name,
		logger:      opts.Logger,
		alloc:       opts.Allocator,
		maxCapacity: opts.MaxCapacity,
	}
	if q.logger == nil {
		q.logger = noopLogger
	}
	if q.alloc == nil {
		q.alloc = RingAllocator
	}
	if q.maxCapacity <= 0 {
		q.maxCapacity = DefaultMaxCapacity
	}

	buf, err := q.allocate(capacity)
	if err != nil {
		return nil, err
	}
	q.buf = buf
	q.capacity = capacity
	q.dataAvailable = sync.NewCond(&q.mu)
	q.spaceAvailable = sync.NewCond(&q.mu)

	q.log().WithField("capacity", capacity).Debug("queue allocated")
	return q, nil
}

func (q *Queue) allocate(capacity int) (Storage, error) {
	if capacity > q.maxCapacity {
		return nil, fmt.Errorf("%w: capacity %d exceeds limit %d", ErrOutOfMemory, capacity, q.maxCapacity)
	}
	buf, err := q.alloc(capacity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	if buf == nil || buf.Capacity() < capacity {
		return nil, fmt.Errorf("%w: allocator returned short storage for %d bytes", ErrOutOfMemory, capacity)
	}
	return buf, nil
}

func (q *Queue) log() *logrus.Entry {
	return q.logger.WithField("device", q.name)
}

// Name returns the label the queue was created with.
func (q *Queue) Name() string {
	return q.name
}

// Write copies min(len(p), free) bytes into the queue and returns the count.
// It never blocks; a short count means the queue filled up.
func (q *Queue) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	return q.writeLocked(p)
}

// Read removes min(len(p), occupancy) bytes in FIFO order and returns the count.
// It never blocks; an empty queue yields (0, nil).
func (q *Queue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	return q.readLocked(p)
}

func (q *Queue) writeLocked(p []byte) (int, error) {
	n := min(len(p), q.capacity-q.buf.Length())
	if n <= 0 {
		return 0, nil
	}
	written, err := q.buf.Write(p[:n])
	if err != nil && written == 0 {
		return 0, fmt.Errorf("%w: storage write: %v", ErrIO, err)
	}
	atomic.AddUint64(&q.bytesIn, uint64(written))

	q.dataAvailable.Signal()
	if q.buf.Length() < q.capacity {
		// space remains: pass the baton to the next blocked writer
		q.spaceAvailable.Signal()
	}
	return written, nil
}

func (q *Queue) readLocked(p []byte) (int, error) {
	n := min(len(p), q.buf.Length())
	if n <= 0 {
		return 0, nil
	}
	read, err := q.buf.Read(p[:n])
	if err != nil && read == 0 {
		return 0, fmt.Errorf("%w: storage read: %v", ErrIO, err)
	}
	atomic.AddUint64(&q.bytesOut, uint64(read))

	q.spaceAvailable.Signal()
	if q.buf.Length() > 0 {
		// data remains: pass the baton to the next blocked reader
		q.dataAvailable.Signal()
	}
	return read, nil
}

// IsFull reports whether no byte can be written.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.Length() >= q.capacity
}

// IsEmpty reports whether no byte can be read.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.Length() == 0
}

// Len returns the number of queued bytes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.Length()
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// Free returns the number of bytes that can be written without blocking.
func (q *Queue) Free() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity - q.buf.Length()
}

// Info returns capacity, free space and occupancy taken under one lock acquisition.
func (q *Queue) Info() Info {
	q.mu.Lock()
	defer q.mu.Unlock()
	length := q.buf.Length()
	return Info{
		Capacity:  q.capacity,
		Available: q.capacity - length,
		Length:    length,
	}
}

// Reset discards all queued bytes and wakes blocked writers.
func (q *Queue) Reset() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	discarded := q.buf.Length()
	q.buf.Reset()
	atomic.AddUint64(&q.clears, 1)
	q.spaceAvailable.Broadcast()

	q.log().WithField("discarded", discarded).Debug("queue cleared")
	return nil
}

// Resize drains the queue, reallocates it with newCapacity and reloads the
// drained bytes in their prior order. When the old contents do not fit,
// the oldest newCapacity bytes are kept and the newest are dropped.
//
// On any failure the queue keeps its previous storage and contents.
// All blocked readers and writers are woken to re-evaluate against the new state.
func (q *Queue) Resize(newCapacity int) error {
	if newCapacity <= 0 {
		return fmt.Errorf("%w: capacity must be > 0, got %d", ErrInvalidArgument, newCapacity)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	next, err := q.allocate(newCapacity)
	if err != nil {
		q.log().WithError(err).WithField("capacity", newCapacity).Error("resize allocation failed")
		return err
	}

	length := q.buf.Length()
	drained := make([]byte, length)
	n, err := q.buf.Read(drained)
	if n != length {
		// drain consumed part of the old storage: put it back in front of what is left
		q.restoreLocked(drained[:n])
		q.log().WithFields(logrus.Fields{"expected": length, "drained": n}).Error("resize drain came up short")
		if err != nil {
			return fmt.Errorf("%w: drained %d of %d bytes: %v", ErrIO, n, length, err)
		}
		return fmt.Errorf("%w: drained %d of %d bytes", ErrIO, n, length)
	}

	keep := min(length, newCapacity)
	if keep > 0 {
		if _, err := next.Write(drained[:keep]); err != nil {
			q.restoreLocked(drained)
			return fmt.Errorf("%w: reload after resize: %v", ErrIO, err)
		}
	}

	oldCapacity := q.capacity
	q.buf = next
	q.capacity = newCapacity
	atomic.AddUint64(&q.resizes, 1)
	atomic.AddUint64(&q.droppedOnResize, uint64(length-keep))

	q.dataAvailable.Broadcast()
	q.spaceAvailable.Broadcast()

	q.log().WithFields(logrus.Fields{
		"old_capacity": oldCapacity,
		"capacity":     newCapacity,
		"kept":         keep,
		"dropped":      length - keep,
	}).Info("queue resized")
	return nil
}

// restoreLocked rebuilds the current storage as prefix followed by whatever
// the storage still holds.
func (q *Queue) restoreLocked(prefix []byte) {
	rest := make([]byte, q.buf.Length())
	n, _ := q.buf.Read(rest)
	q.buf.Reset()
	_, _ = q.buf.Write(prefix)
	_, _ = q.buf.Write(rest[:n])
}

// Stats returns instantaneous counters.
func (q *Queue) Stats() Stats {
	return Stats{
		BytesIn:         atomic.LoadUint64(&q.bytesIn),
		BytesOut:        atomic.LoadUint64(&q.bytesOut),
		Clears:          atomic.LoadUint64(&q.clears),
		Resizes:         atomic.LoadUint64(&q.resizes),
		DroppedOnResize: atomic.LoadUint64(&q.droppedOnResize),
	}
}

// Close destroys the queue. Blocked readers and writers return ErrClosed.
// Closing twice is a no-op.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.buf.Reset()
	q.dataAvailable.Broadcast()
	q.spaceAvailable.Broadcast()

	q.log().Debug("queue released")
	return nil
}

// wait blocks until ready() holds, the queue is closed or ctx is done.
// It must be called with q.mu held and returns with q.mu held.
//
// ready is evaluated before the context so a waiter that was signalled
// consumes the state it was woken for instead of dropping the wakeup.
func (q *Queue) wait(ctx context.Context, cond *sync.Cond, ready func() bool) error {
	if q.closed {
		return ErrClosed
	}
	if ready() {
		return nil
	}
	if ctx.Err() != nil {
		return cancelled(context.Cause(ctx))
	}

	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		cond.Broadcast()
	})
	defer stop()

	for {
		cond.Wait()
		if q.closed {
			return ErrClosed
		}
		if ready() {
			return nil
		}
		if ctx.Err() != nil {
			return cancelled(context.Cause(ctx))
		}
	}
}

// noopLogger is shared by components created without a logger.
var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()
