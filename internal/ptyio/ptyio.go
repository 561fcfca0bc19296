// Package ptyio exposes a pchar device instance as a pseudo-terminal node.
//
// Attaching a node opens a session on the instance (the node is the
// device's open file) and creates a PTY pair with github.com/creack/pty.
// Two pumps then move bytes 1:1 between the PTY and the instance queue:
//
//	slave ──write──▶ master ──ingress──▶ queue ──egress──▶ master ──read──▶ slave
//
// Whatever a process writes to the slave path (e.g. /dev/pts/5) is read
// back from it in FIFO order. The ingress pump writes with WriteAll, so a
// full queue stops it reading the master and the PTY line buffer pushes
// back on the writer. Detaching cancels both pumps and closes the session.
//
// # Basic Usage
//
//	node, err := ptyio.Attach(ctx, registry, 0, &ptyio.NodeOptions{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer node.Close()
//	fmt.Println(node.TTYName()) // "/dev/pts/5"
//
// # Poll Timeout
//
// The ingress pump waits for the master with poll(2). PollTimeoutMs bounds
// how long it sleeps before rechecking cancellation, which is also the
// worst case detach latency. 10-25ms suits interactive use, the default
// 50ms is a general setting and 100-200ms keeps idle nodes nearly free.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/srg/pchar/internal/groutine"
	"github.com/srg/pchar/internal/ioctl"
	"github.com/srg/pchar/internal/pchar"
	"github.com/srg/pchar/internal/workqueue"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	// DefaultPollTimeoutMs is the default poll(2) timeout of the ingress pump.
	DefaultPollTimeoutMs = 50

	// DefaultCloseTimeout bounds how long Close waits for the pumps.
	DefaultCloseTimeout = 5 * time.Second

	// Owner is the session owner label used by nodes.
	Owner = "pty"

	chunkSize = 4096
)

// ErrorCallback is invoked from a pump goroutine when it stops on an
// unexpected error. The node stays attached but degraded; call Close.
type ErrorCallback func(err error)

// NodeOptions configures a node. Zero values use defaults.
type NodeOptions struct {
	PollTimeoutMs int              // 0 = DefaultPollTimeoutMs
	CloseTimeout  time.Duration    // 0 = DefaultCloseTimeout
	Logger        *logrus.Logger   // nil = no-op logger
	OnError       ErrorCallback    // optional
	Events        *workqueue.Queue // optional, receives backpressure reports
	SymlinkPath   string           // optional stable alias for the slave, e.g. /tmp/pchar0
}

// Node is an attached PTY device node.
type Node interface {
	io.Closer
	TTYName() string                                   // slave path, e.g. /dev/pts/5
	Symlink() string                                   // alias path, empty if none
	Device() string                                    // instance name, e.g. pchar0
	Session() pchar.SessionInfo                        // the session the node holds
	Ioctl(cmd ioctl.Cmd, arg []byte, out []byte) error // FIFO_CLEAR/INFO/RESIZE
	Stats() Stats
}

// Stats are runtime counters of a node.
type Stats struct {
	BytesIn  uint64 `json:"bytes_in"`  // slave → queue
	BytesOut uint64 `json:"bytes_out"` // queue → slave
	Stalls   uint64 `json:"stalls"`    // ingress writes that found the queue without room
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type ptyNode struct {
	logger        *logrus.Logger
	session       *pchar.Session
	inst          *pchar.Instance
	master        *os.File
	masterFd      int
	tty           *os.File
	ttyName       string
	symlink       string
	pollTimeoutMs int
	closeTimeout  time.Duration
	onError       ErrorCallback
	events        *workqueue.Queue
	stallWork     *workqueue.Work

	cancel  context.CancelFunc
	ingress <-chan struct{}
	egress  <-chan struct{}

	errOnce uint32
	closed  uint32

	bytesIn  uint64
	bytesOut uint64
	stalls   uint64
}

// Attach opens a session on instance index of r, blocking while another
// session holds it, and exposes the instance through a new PTY pair.
func Attach(ctx context.Context, r *pchar.Registry, index int, opts *NodeOptions) (Node, error) {
	if opts == nil {
		opts = &NodeOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}
	pollTimeout := opts.PollTimeoutMs
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeoutMs
	}
	closeTimeout := opts.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = DefaultCloseTimeout
	}

	session, err := r.Open(ctx, index, Owner)
	if err != nil {
		return nil, err
	}

	master, slave, masterFd, err := createPTY()
	if err != nil {
		if closeErr := session.Close(); closeErr != nil {
			logger.WithError(closeErr).Warn("failed to release session after PTY error")
		}
		return nil, err
	}

	if opts.SymlinkPath != "" {
		if err := os.Symlink(slave.Name(), opts.SymlinkPath); err != nil {
			_ = master.Close()
			_ = slave.Close()
			if closeErr := session.Close(); closeErr != nil {
				logger.WithError(closeErr).Warn("failed to release session after symlink error")
			}
			return nil, fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.SymlinkPath, slave.Name(), err)
		}
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	n := &ptyNode{
		logger:        logger,
		session:       session,
		inst:          session.Device(),
		master:        master,
		masterFd:      masterFd,
		tty:           slave,
		ttyName:       slave.Name(),
		symlink:       opts.SymlinkPath,
		pollTimeoutMs: pollTimeout,
		closeTimeout:  closeTimeout,
		onError:       opts.OnError,
		events:        opts.Events,
		cancel:        cancel,
	}
	if n.events != nil {
		n.stallWork = workqueue.NewWork(n.inst.Name()+"-stall", n.reportStall)
	}

	n.ingress = groutine.Go(pumpCtx, n.inst.Name()+"-ingress", n.ingressLoop)
	n.egress = groutine.Go(pumpCtx, n.inst.Name()+"-egress", n.egressLoop)

	n.log().WithFields(logrus.Fields{"tty": n.ttyName, "symlink": n.symlink}).Info("pty node attached")
	return n, nil
}

func (n *ptyNode) log() *logrus.Entry {
	return n.logger.WithFields(logrus.Fields{"device": n.inst.Name(), "session": n.session.ID()})
}

func (n *ptyNode) fail(loop string, err error) {
	n.log().Warnf("%s exiting on error: %v", loop, err)
	if n.onError != nil && atomic.CompareAndSwapUint32(&n.errOnce, 0, 1) {
		n.onError(fmt.Errorf("%s critical error: %w", loop, err))
	}
}

// stopped reports whether err means the pump should exit quietly.
func stopped(err error) bool {
	return errors.Is(err, pchar.ErrCancelled) || errors.Is(err, pchar.ErrClosed)
}

// ingressLoop moves bytes written to the slave into the queue.
func (n *ptyNode) ingressLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Errorf("ingress panicked (recovered): %v", r)
		}
	}()

	master := n.master
	pollFd := []unix.PollFd{{Fd: int32(n.masterFd), Events: unix.POLLIN}}
	buf := make([]byte, chunkSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ready, err := unix.Poll(pollFd, n.pollTimeoutMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			n.log().Warnf("ingress poll error: %v", err)
			continue
		}
		if ready == 0 {
			continue
		}

		read, err := master.Read(buf)
		if read > 0 {
			if n.inst.Queue().Free() < read {
				atomic.AddUint64(&n.stalls, 1)
				if n.events != nil {
					n.events.Schedule(n.stallWork)
				}
			}
			written, werr := n.session.WriteAll(ctx, buf[:read])
			atomic.AddUint64(&n.bytesIn, uint64(written))
			if werr != nil {
				if !stopped(werr) {
					n.fail("ingress", werr)
				}
				return
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
				continue
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				n.logger.Debug("ingress exiting: master closed")
				return
			case errors.Is(err, io.EOF), errors.Is(err, syscall.EIO):
				// EIO: no process has the slave open right now; keep listening
				if !n.sleep(ctx) {
					return
				}
			default:
				n.fail("ingress", err)
				return
			}
		}
	}
}

// egressLoop moves queued bytes back out to the slave.
func (n *ptyNode) egressLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Errorf("egress panicked (recovered): %v", r)
		}
	}()

	master := n.master
	pollFd := []unix.PollFd{{Fd: int32(n.masterFd), Events: unix.POLLOUT}}
	buf := make([]byte, chunkSize)

	for {
		read, err := n.session.Read(ctx, buf)
		if err != nil {
			if !stopped(err) {
				n.fail("egress", err)
			}
			return
		}

		offset := 0
		for offset < read {
			written, err := master.Write(buf[offset:read])
			if written > 0 {
				offset += written
				atomic.AddUint64(&n.bytesOut, uint64(written))
			}
			if err == nil {
				continue
			}
			switch {
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(pollFd, n.pollTimeoutMs); perr != nil && !errors.Is(perr, syscall.EINTR) {
					n.log().Warnf("egress poll error: %v", perr)
				}
				if ctx.Err() != nil {
					return
				}
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				n.logger.Debug("egress exiting: master closed")
				return
			default:
				n.fail("egress", err)
				return
			}
		}
	}
}

func (n *ptyNode) sleep(ctx context.Context) bool {
	t := time.NewTimer(time.Duration(n.pollTimeoutMs) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (n *ptyNode) reportStall(context.Context) {
	info := n.inst.Control().QueryInfo()
	n.log().WithFields(logrus.Fields{
		"capacity": info.Capacity,
		"length":   info.Length,
		"stalls":   atomic.LoadUint64(&n.stalls),
	}).Warn("pty writer stalled on full fifo")
}

func (n *ptyNode) TTYName() string { return n.ttyName }

func (n *ptyNode) Symlink() string { return n.symlink }

func (n *ptyNode) Device() string { return n.inst.Name() }

func (n *ptyNode) Session() pchar.SessionInfo { return n.session.Info() }

// Ioctl runs a FIFO control command against the node's instance.
func (n *ptyNode) Ioctl(cmd ioctl.Cmd, arg []byte, out []byte) error {
	if atomic.LoadUint32(&n.closed) == 1 {
		return pchar.ErrClosed
	}
	n.log().WithField("cmd", cmd.String()).Debug("ioctl")
	return ioctl.Handle(n.inst.Control(), cmd, arg, out)
}

func (n *ptyNode) Stats() Stats {
	return Stats{
		BytesIn:  atomic.LoadUint64(&n.bytesIn),
		BytesOut: atomic.LoadUint64(&n.bytesOut),
		Stalls:   atomic.LoadUint64(&n.stalls),
	}
}

// Close stops the pumps, closes the PTY pair and releases the session.
// Queued bytes stay in the instance. Closing twice is a no-op.
func (n *ptyNode) Close() error {
	if !atomic.CompareAndSwapUint32(&n.closed, 0, 1) {
		return nil
	}

	// Cancelling wakes a pump blocked in the queue; closing the master
	// fails any pending PTY I/O with EBADF.
	n.cancel()
	if n.symlink != "" {
		if err := os.Remove(n.symlink); err != nil {
			n.log().WithError(err).WithField("symlink", n.symlink).Warn("failed to remove tty symlink")
		}
	}
	if err := n.master.Close(); err != nil {
		n.logger.Warnf("failed to close PTY(master): %v", err)
	}
	if err := n.tty.Close(); err != nil {
		n.logger.Warnf("failed to close PTY(tty): %v", err)
	}

	deadline := time.NewTimer(n.closeTimeout)
	defer deadline.Stop()
	for _, done := range []<-chan struct{}{n.ingress, n.egress} {
		select {
		case <-done:
		case <-deadline.C:
			n.log().Errorf("Close() timed out after %v waiting for pumps to exit; "+
				"they will exit within %dms", n.closeTimeout, n.pollTimeoutMs)
			return errors.Join(
				fmt.Errorf("pty node %s: close timed out", n.ttyName),
				n.session.Close(),
			)
		}
	}

	err := n.session.Close()
	n.log().Info("pty node detached")
	return err
}

// createPTY opens a PTY pair, puts the slave in raw mode and the master in
// non-blocking mode. The master descriptor is returned separately: calling
// Fd() again would switch the master back to blocking mode.
func createPTY() (master *os.File, slave *os.File, masterFd int, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(step string, cause error) error {
		var errs []error
		if closeErr := master.Close(); closeErr != nil {
			errs = append(errs, fmt.Errorf("close PTY(master): %w", closeErr))
		}
		if closeErr := slave.Close(); closeErr != nil {
			errs = append(errs, fmt.Errorf("close PTY(tty): %w", closeErr))
		}
		if len(errs) > 0 {
			return fmt.Errorf("failed to %s %s: %w (cleanup errors: %v)", step, slave.Name(), cause, errs)
		}
		return fmt.Errorf("failed to %s %s: %w", step, slave.Name(), cause)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, -1, cleanup("set raw mode on", err)
	}
	masterFd = int(master.Fd())
	if err := syscall.SetNonblock(masterFd, true); err != nil {
		return nil, nil, -1, cleanup("set nonblocking mode on master of", err)
	}
	return master, slave, masterFd, nil
}
