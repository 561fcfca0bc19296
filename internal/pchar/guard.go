package pchar

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// SessionID identifies one open→close span. Zero is never issued.
type SessionID uint64

var lastSessionID uint64

func nextSessionID() SessionID {
	return SessionID(atomic.AddUint64(&lastSessionID, 1))
}

// Holder describes the session currently holding a guard.
type Holder struct {
	Session SessionID `json:"session"`
	Owner   string    `json:"owner"`
	Since   time.Time `json:"since"`
}

// Guard gives one session at a time exclusive use of a device instance.
//
// It is a binary semaphore held from open to close, independent of the
// queue lock. Acquisition is not re-entrant: a session that acquires a guard
// it already holds blocks until cancelled. Waiters are not served in order.
type Guard struct {
	sem chan struct{}

	mu     sync.Mutex
	holder Holder
}

// NewGuard returns a free guard.
func NewGuard() *Guard {
	return &Guard{sem: make(chan struct{}, 1)}
}

// Acquire blocks until the guard is free or ctx is done, and returns the
// new session's id. owner is a free-form label kept for diagnostics.
func (g *Guard) Acquire(ctx context.Context, owner string) (SessionID, error) {
	if ctx.Err() != nil {
		return 0, cancelled(context.Cause(ctx))
	}
	select {
	case g.sem <- struct{}{}:
		return g.take(owner), nil
	case <-ctx.Done():
		return 0, cancelled(context.Cause(ctx))
	}
}

// TryAcquire takes the guard only if it is free, failing with ErrBusy otherwise.
func (g *Guard) TryAcquire(owner string) (SessionID, error) {
	select {
	case g.sem <- struct{}{}:
		return g.take(owner), nil
	default:
		return 0, ErrBusy
	}
}

func (g *Guard) take(owner string) SessionID {
	id := nextSessionID()
	g.mu.Lock()
	g.holder = Holder{Session: id, Owner: owner, Since: time.Now()}
	g.mu.Unlock()
	return id
}

// Release frees the guard held by session id, whether or not any I/O happened.
// Releasing with an id that does not hold the guard fails with ErrNotHeld.
func (g *Guard) Release(id SessionID) error {
	g.mu.Lock()
	if id == 0 || g.holder.Session != id {
		held := g.holder.Session
		g.mu.Unlock()
		return fmt.Errorf("%w: session %d (holder %d)", ErrNotHeld, id, held)
	}
	g.holder = Holder{}
	g.mu.Unlock()

	<-g.sem
	return nil
}

// Holder returns the current holder and whether the guard is held.
func (g *Guard) Holder() (Holder, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder, g.holder.Session != 0
}
