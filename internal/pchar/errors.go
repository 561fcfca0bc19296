package pchar

import (
	"errors"
	"fmt"
)

// Error kinds reported by queues, endpoints, guards and the registry.
var (
	// ErrInvalidArgument indicates a non-positive capacity, a nil buffer or an out-of-range index.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOutOfMemory indicates the backing storage for a queue could not be allocated.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrCancelled indicates a blocking call was interrupted before it could complete.
	// The context cause is wrapped alongside it.
	ErrCancelled = errors.New("operation cancelled")

	// ErrIO indicates an internal consistency fault, e.g. a short drain during resize.
	ErrIO = errors.New("i/o error")

	// ErrUnsupported indicates an unknown control command.
	ErrUnsupported = errors.New("unsupported control command")

	// ErrClosed indicates the queue or registry has been destroyed.
	ErrClosed = errors.New("device closed")

	// ErrNotHeld indicates a release by a session that does not hold the guard.
	ErrNotHeld = errors.New("guard not held by session")

	// ErrBusy indicates a non-blocking acquire found the guard held.
	ErrBusy = errors.New("device busy")

	// ErrNoDevice indicates a lookup for an instance that does not exist.
	ErrNoDevice = errors.New("no such device")
)

// cancelled wraps the context cause so callers can match both ErrCancelled
// and context.Canceled / context.DeadlineExceeded.
func cancelled(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
