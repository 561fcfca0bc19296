package pchar

import (
	"context"
	"sync/atomic"
	"time"
)

// SessionInfo describes an open session.
type SessionInfo struct {
	ID     SessionID `json:"id"`
	Device string    `json:"device"`
	Owner  string    `json:"owner"`
	Opened time.Time `json:"opened"`
}

// Session is the span between Registry.Open and Close during which the
// caller holds the instance guard. Its file-like operations map 1:1 onto
// the instance endpoint and control channel.
type Session struct {
	id       SessionID
	owner    string
	opened   time.Time
	inst     *Instance
	registry *Registry
	closed   uint32
}

func newSession(id SessionID, owner string, inst *Instance, r *Registry) *Session {
	return &Session{
		id:       id,
		owner:    owner,
		opened:   time.Now(),
		inst:     inst,
		registry: r,
	}
}

// ID returns the session id.
func (s *Session) ID() SessionID { return s.id }

// Device returns the instance the session is bound to.
func (s *Session) Device() *Instance { return s.inst }

// Info describes the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{ID: s.id, Device: s.inst.name, Owner: s.owner, Opened: s.opened}
}

func (s *Session) isClosed() bool {
	return atomic.LoadUint32(&s.closed) == 1
}

// Read blocks until data is available and reads up to len(p) bytes.
func (s *Session) Read(ctx context.Context, p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	return s.inst.endpoint.Read(ctx, p)
}

// Write blocks until space is available and writes up to len(p) bytes.
func (s *Session) Write(ctx context.Context, p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	return s.inst.endpoint.Write(ctx, p)
}

// WriteAll writes all of p, looping on short counts.
func (s *Session) WriteAll(ctx context.Context, p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	return s.inst.endpoint.WriteAll(ctx, p)
}

// TryRead reads without blocking.
func (s *Session) TryRead(p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	return s.inst.endpoint.TryRead(p)
}

// TryWrite writes without blocking.
func (s *Session) TryWrite(p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	return s.inst.endpoint.TryWrite(p)
}

// Control runs a control request against the session's instance.
func (s *Session) Control(req Request) (Info, error) {
	if s.isClosed() {
		return Info{}, ErrClosed
	}
	return s.inst.control.Dispatch(req)
}

// Close releases the instance guard. It succeeds whether or not any I/O
// happened; closing an already closed session is a no-op.
func (s *Session) Close() error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return nil
	}
	return s.registry.release(s)
}
