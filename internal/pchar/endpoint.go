package pchar

import (
	"context"
	"fmt"
)

// Endpoint is the blocking face of a Queue.
//
// Readers suspend on the queue's data_available condition while it is empty,
// writers on space_available while it is full. Both are cancellable through
// the context and return ErrCancelled rather than a zero-byte result.
// There is no fairness among blocked callers.
type Endpoint struct {
	q *Queue
}

// NewEndpoint returns the blocking endpoint of q.
func NewEndpoint(q *Queue) *Endpoint {
	return &Endpoint{q: q}
}

// Queue returns the underlying queue.
func (e *Endpoint) Queue() *Queue {
	return e.q
}

// Read blocks until at least one byte is queued, then removes up to len(p) bytes.
// A zero-length p returns immediately without blocking.
func (e *Endpoint) Read(ctx context.Context, p []byte) (int, error) {
	if p == nil {
		return 0, fmt.Errorf("%w: nil read buffer", ErrInvalidArgument)
	}
	if len(p) == 0 {
		return 0, nil
	}

	q := e.q
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.wait(ctx, q.dataAvailable, func() bool { return q.buf.Length() > 0 }); err != nil {
		q.log().WithError(err).Debug("read woke without data")
		return 0, err
	}
	return q.readLocked(p)
}

// Write blocks until the queue has free space, then copies up to len(p) bytes.
// It returns after one copy; a count below len(p) means the queue filled up
// and the caller should write the remainder again.
func (e *Endpoint) Write(ctx context.Context, p []byte) (int, error) {
	if p == nil {
		return 0, fmt.Errorf("%w: nil write buffer", ErrInvalidArgument)
	}
	if len(p) == 0 {
		return 0, nil
	}

	q := e.q
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.wait(ctx, q.spaceAvailable, func() bool { return q.buf.Length() < q.capacity }); err != nil {
		q.log().WithError(err).Debug("write woke without space")
		return 0, err
	}
	return q.writeLocked(p)
}

// TryRead is the non-blocking read: an empty queue yields (0, nil).
func (e *Endpoint) TryRead(p []byte) (int, error) {
	if p == nil {
		return 0, fmt.Errorf("%w: nil read buffer", ErrInvalidArgument)
	}
	return e.q.Read(p)
}

// TryWrite is the non-blocking write: a full queue yields (0, nil).
func (e *Endpoint) TryWrite(p []byte) (int, error) {
	if p == nil {
		return 0, fmt.Errorf("%w: nil write buffer", ErrInvalidArgument)
	}
	return e.q.Write(p)
}

// WriteAll loops over Write until every byte of p is queued or ctx is done.
// Bytes committed before a cancellation stay queued and are counted in n.
func (e *Endpoint) WriteAll(ctx context.Context, p []byte) (n int, err error) {
	for n < len(p) {
		written, err := e.Write(ctx, p[n:])
		n += written
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// ReadFull loops over Read until p is filled or ctx is done.
func (e *Endpoint) ReadFull(ctx context.Context, p []byte) (n int, err error) {
	for n < len(p) {
		read, err := e.Read(ctx, p[n:])
		n += read
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
