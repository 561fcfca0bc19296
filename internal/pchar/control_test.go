package pchar_test

import (
	"context"
	"sync"
	"testing"

	"github.com/srg/pchar/internal/pchar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newControl(t *testing.T, capacity int) (*pchar.Queue, *pchar.ControlChannel) {
	t.Helper()
	q, err := pchar.NewQueue(capacity, &pchar.QueueOptions{Name: "ctl"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, pchar.NewControlChannel(q, nil)
}

func TestControlChannel_Dispatch(t *testing.T) {
	q, ctl := newControl(t, 32)
	_, err := q.Write([]byte("hello"))
	require.NoError(t, err)

	info, err := ctl.Dispatch(pchar.InfoRequest())
	require.NoError(t, err)
	assert.Equal(t, pchar.Info{Capacity: 32, Available: 27, Length: 5}, info)

	info, err = ctl.Dispatch(pchar.ResizeRequest(64))
	require.NoError(t, err)
	assert.Equal(t, pchar.Info{Capacity: 64, Available: 59, Length: 5}, info)

	info, err = ctl.Dispatch(pchar.ClearRequest())
	require.NoError(t, err)
	assert.Equal(t, pchar.Info{Capacity: 64, Available: 64, Length: 0}, info)
}

func TestControlChannel_Errors(t *testing.T) {
	_, ctl := newControl(t, 8)

	_, err := ctl.Dispatch(pchar.Request{Command: pchar.Command(99)})
	assert.ErrorIs(t, err, pchar.ErrUnsupported)
	assert.Contains(t, err.Error(), "command(99)")

	_, err = ctl.Dispatch(pchar.ResizeRequest(0))
	assert.ErrorIs(t, err, pchar.ErrInvalidArgument)
	assert.Equal(t, 8, ctl.QueryInfo().Capacity)
}

func TestControlChannel_ClearWakesBlockedWriter(t *testing.T) {
	q, ctl := newControl(t, 2)
	ep := pchar.NewEndpoint(q)
	_, err := ep.TryWrite([]byte("ab"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ep.Write(context.Background(), []byte("c"))
		done <- err
	}()

	require.NoError(t, ctl.Clear())
	require.NoError(t, <-done)

	buf := make([]byte, 4)
	n, err := ep.TryRead(buf)
	require.NoError(t, err)
	assert.Equal(t, "c", string(buf[:n]))
}

func TestControlChannel_InfoNeverTorn(t *testing.T) {
	// GOAL: Verify info snapshots stay self-consistent under concurrent writers, readers and resizes
	//
	// TEST SCENARIO: writer + reader + resizer goroutines → every snapshot has available+length == capacity

	q, ctl := newControl(t, 16)
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = q.Write([]byte("0123456789"))
			}
		}
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, 7)
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = q.Read(buf)
			}
		}
	}()
	go func() {
		defer wg.Done()
		sizes := []int{4, 16, 9, 32}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				_ = ctl.Resize(sizes[i%len(sizes)])
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		info := ctl.QueryInfo()
		if info.Available+info.Length != info.Capacity || info.Length < 0 || info.Length > info.Capacity {
			close(stop)
			wg.Wait()
			t.Fatalf("torn info snapshot: %+v", info)
		}
	}
	close(stop)
	wg.Wait()
}
