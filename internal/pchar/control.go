package pchar

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Command selects an administrative operation on a queue.
type Command int

const (
	CmdClear  Command = iota + 1 // discard queued bytes
	CmdInfo                      // snapshot capacity/available/length
	CmdResize                    // reallocate with a new capacity
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CmdClear:
		return "clear"
	case CmdInfo:
		return "info"
	case CmdResize:
		return "resize"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// Request is one control operation. Capacity is only read by CmdResize.
type Request struct {
	Command  Command
	Capacity int
}

// ClearRequest returns a request that empties the queue.
func ClearRequest() Request { return Request{Command: CmdClear} }

// InfoRequest returns a request for an occupancy snapshot.
func InfoRequest() Request { return Request{Command: CmdInfo} }

// ResizeRequest returns a request that reallocates the queue with capacity bytes.
func ResizeRequest(capacity int) Request { return Request{Command: CmdResize, Capacity: capacity} }

// ControlChannel runs administrative operations against a queue.
//
// Control operations do not take the instance guard: they may run while a
// session holds the device and is blocked in read or write. Each operation
// is atomic under the queue lock and wakes the waiters whose predicate it
// may have changed.
type ControlChannel struct {
	q      *Queue
	logger *logrus.Logger
}

// NewControlChannel returns the control channel for q.
func NewControlChannel(q *Queue, logger *logrus.Logger) *ControlChannel {
	if logger == nil {
		logger = noopLogger
	}
	return &ControlChannel{q: q, logger: logger}
}

// Clear empties the queue.
func (c *ControlChannel) Clear() error {
	if err := c.q.Reset(); err != nil {
		return err
	}
	c.logger.WithField("device", c.q.name).Info("control: fifo clear")
	return nil
}

// QueryInfo returns a consistent {capacity, available, length} snapshot.
func (c *ControlChannel) QueryInfo() Info {
	info := c.q.Info()
	c.logger.WithFields(logrus.Fields{
		"device":    c.q.name,
		"capacity":  info.Capacity,
		"available": info.Available,
		"length":    info.Length,
	}).Debug("control: fifo info")
	return info
}

// Resize reallocates the queue, keeping the oldest bytes that fit.
func (c *ControlChannel) Resize(capacity int) error {
	if err := c.q.Resize(capacity); err != nil {
		return fmt.Errorf("resize %s to %d: %w", c.q.name, capacity, err)
	}
	c.logger.WithFields(logrus.Fields{"device": c.q.name, "capacity": capacity}).Info("control: fifo resize")
	return nil
}

// Dispatch runs req and returns the queue state after it completed.
func (c *ControlChannel) Dispatch(req Request) (Info, error) {
	switch req.Command {
	case CmdClear:
		if err := c.Clear(); err != nil {
			return Info{}, err
		}
	case CmdInfo:
	case CmdResize:
		if err := c.Resize(req.Capacity); err != nil {
			return Info{}, err
		}
	default:
		c.logger.WithField("device", c.q.name).Warnf("control: unsupported command %v", req.Command)
		return Info{}, fmt.Errorf("%w: %v", ErrUnsupported, req.Command)
	}
	return c.QueryInfo(), nil
}
