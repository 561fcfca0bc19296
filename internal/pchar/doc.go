// Package pchar implements pseudo character devices backed by bounded byte FIFOs.
//
// The package provides:
//   - Queue: a fixed-capacity circular byte buffer with non-blocking primitives
//   - Endpoint: blocking, context-cancellable read and write on a Queue
//   - Guard: exclusive access to a device from open to close
//   - Registry: N independent devices with all-or-nothing init and reverse teardown
//   - ControlChannel: clear, info and resize, safe while sessions are blocked
//
// A Queue is a monitor. Its mutex guards every read, write, clear, resize
// and info snapshot, and the two wait conditions ("data available" and
// "space available") are bound to the same mutex, so a waiter always
// re-checks its predicate under the lock it was woken with.
package pchar
