package ptyio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/srg/pchar/internal/ioctl"
	"github.com/srg/pchar/internal/pchar"
	"github.com/srg/pchar/internal/testutils"
	"github.com/srg/pchar/internal/workqueue"
	"github.com/stretchr/testify/suite"
)

// PtyNodeTestSuite tests PTY nodes attached to real pseudo-terminals
type PtyNodeTestSuite struct {
	suite.Suite

	helper   *testutils.TestHelper
	registry *pchar.Registry
}

func (suite *PtyNodeTestSuite) SetupSuite() {
	master, slave, err := pty.Open()
	if err != nil {
		suite.T().Skipf("pseudo-terminals unavailable: %v", err)
	}
	_ = master.Close()
	_ = slave.Close()
}

func (suite *PtyNodeTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.registry = suite.helper.NewRegistry(2, 16)
}

func (suite *PtyNodeTestSuite) TearDownTest() {
	suite.Require().NoError(suite.registry.Close())
}

func (suite *PtyNodeTestSuite) attach(index int, opts *NodeOptions) Node {
	if opts == nil {
		opts = &NodeOptions{}
	}
	opts.Logger = suite.helper.Logger
	opts.PollTimeoutMs = 10
	node, err := Attach(context.Background(), suite.registry, index, opts)
	suite.Require().NoError(err, "attach MUST succeed")
	return node
}

func (suite *PtyNodeTestSuite) openSlave(node Node) *os.File {
	f, err := os.OpenFile(node.TTYName(), os.O_RDWR|syscall.O_NOCTTY, 0)
	suite.Require().NoError(err, "slave MUST be openable by path")
	return f
}

// readWithin reads until want bytes arrived or the timeout passed.
func (suite *PtyNodeTestSuite) readWithin(f *os.File, want int, timeout time.Duration) string {
	type chunk struct {
		b   []byte
		err error
	}
	chunks := make(chan chunk, 16)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := f.Read(buf)
			chunks <- chunk{append([]byte(nil), buf[:n]...), err}
			if err != nil {
				return
			}
		}
	}()

	var got []byte
	deadline := time.After(timeout)
	for len(got) < want {
		select {
		case c := <-chunks:
			got = append(got, c.b...)
			if c.err != nil {
				return string(got)
			}
		case <-deadline:
			return string(got)
		}
	}
	return string(got)
}

func (suite *PtyNodeTestSuite) TestLoopbackThroughQueue() {
	// GOAL: Verify bytes written to the slave come back from it in FIFO order
	//
	// TEST SCENARIO: attach pchar0 → write "hello fifo" to slave → read "hello fifo" back

	node := suite.attach(0, nil)
	defer node.Close()
	slave := suite.openSlave(node)
	defer slave.Close()

	_, err := slave.Write([]byte("hello fifo"))
	suite.Require().NoError(err)

	suite.Assert().Equal("hello fifo", suite.readWithin(slave, 10, 2*time.Second))

	suite.Assert().Eventually(func() bool {
		stats := node.Stats()
		return stats.BytesIn == 10 && stats.BytesOut == 10
	}, time.Second, 10*time.Millisecond, "stats MUST count both directions")
}

func (suite *PtyNodeTestSuite) TestNodeHoldsSession() {
	node := suite.attach(1, nil)

	suite.Assert().Equal("pchar1", node.Device())
	suite.Assert().Equal(Owner, node.Session().Owner)
	sessions := suite.registry.Sessions()
	suite.Require().Len(sessions, 1)
	suite.Assert().Equal("pchar1", sessions[0].Device)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := suite.registry.Open(ctx, 1, "other")
	suite.Assert().ErrorIs(err, pchar.ErrCancelled, "attached device MUST be held by the node")

	suite.Require().NoError(node.Close())
	suite.Require().NoError(node.Close(), "second close MUST be a no-op")
	suite.Assert().Empty(suite.registry.Sessions(), "detach MUST release the session")

	s, err := suite.registry.Open(context.Background(), 1, "other")
	suite.Require().NoError(err)
	suite.Require().NoError(s.Close())
}

func (suite *PtyNodeTestSuite) TestSymlink() {
	link := filepath.Join(suite.T().TempDir(), "pchar0")
	node := suite.attach(0, &NodeOptions{SymlinkPath: link})

	target, err := os.Readlink(link)
	suite.Require().NoError(err, "symlink MUST exist while attached")
	suite.Assert().Equal(node.TTYName(), target)
	suite.Assert().Equal(link, node.Symlink())

	suite.Require().NoError(node.Close())
	_, err = os.Lstat(link)
	suite.Assert().True(os.IsNotExist(err), "detach MUST remove the symlink")

	// an occupied path fails the attach and releases the session
	suite.Require().NoError(os.WriteFile(link, nil, 0o644))
	_, err = Attach(context.Background(), suite.registry, 0, &NodeOptions{SymlinkPath: link})
	suite.Assert().Error(err)
	suite.Assert().Empty(suite.registry.Sessions())
}

func (suite *PtyNodeTestSuite) TestIoctl() {
	node := suite.attach(0, nil)
	defer node.Close()

	out := make([]byte, ioctl.InfoSize)
	suite.Require().NoError(node.Ioctl(ioctl.FifoInfo, nil, out))
	info, err := ioctl.ParseInfo(out)
	suite.Require().NoError(err)
	suite.Assert().Equal(pchar.Info{Capacity: 16, Available: 16}, info)

	_, arg, err := ioctl.Encode(pchar.ResizeRequest(64))
	suite.Require().NoError(err)
	suite.Require().NoError(node.Ioctl(ioctl.FifoResize, arg, nil))

	suite.Require().NoError(node.Ioctl(ioctl.FifoInfo, nil, out))
	info, err = ioctl.ParseInfo(out)
	suite.Require().NoError(err)
	suite.Assert().Equal(64, info.Capacity)

	err = node.Ioctl(ioctl.IO('x', 42), nil, nil)
	suite.Assert().True(errors.Is(err, pchar.ErrUnsupported))

	suite.Require().NoError(node.Close())
	suite.Assert().ErrorIs(node.Ioctl(ioctl.FifoClear, nil, nil), pchar.ErrClosed)
}

func (suite *PtyNodeTestSuite) TestDetachWithQueuedBytes() {
	// GOAL: Verify detach stops pumps promptly even while the queue holds data
	//
	// TEST SCENARIO: events queue attached → write to slave → close node within timeout

	events := workqueue.New("pty-events", &workqueue.Options{Logger: suite.helper.Logger})
	defer events.Close(time.Second)

	node := suite.attach(0, &NodeOptions{Events: events, CloseTimeout: 2 * time.Second})
	slave := suite.openSlave(node)
	defer slave.Close()

	_, err := slave.Write([]byte("pending"))
	suite.Require().NoError(err)

	start := time.Now()
	suite.Require().NoError(node.Close())
	suite.Assert().Less(time.Since(start), 2*time.Second)
}

func TestPtyNodeTestSuite(t *testing.T) {
	suite.Run(t, new(PtyNodeTestSuite))
}
