package workqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T, depth int) *Queue {
	t.Helper()
	q := New("test-wq", &Options{Depth: depth})
	t.Cleanup(func() { _ = q.Close(time.Second) })
	return q
}

func TestQueue_RunsInOrder(t *testing.T) {
	q := newQueue(t, 8)

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		require.True(t, q.Schedule(NewWork(name, func(context.Context) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})))
	}

	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, uint64(3), q.Stats().Executed)
}

func TestQueue_CoalescesPendingWork(t *testing.T) {
	// GOAL: Verify scheduling an item that is already pending queues it only once
	//
	// TEST SCENARIO: worker blocked → schedule W three times → W runs once after release

	q := newQueue(t, 8)
	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, q.Schedule(NewWork("blocker", func(context.Context) {
		close(started)
		<-release
	})))
	<-started

	w := NewWork("handler", func(context.Context) {})
	assert.True(t, q.Schedule(w))
	assert.False(t, q.Schedule(w), "pending work MUST NOT be queued twice")
	assert.False(t, q.Schedule(w))
	assert.True(t, w.Pending())

	close(release)
	require.NoError(t, q.Flush(context.Background()))

	assert.Equal(t, uint64(1), w.Runs())
	assert.False(t, w.Pending())
	assert.Equal(t, uint64(2), q.Stats().Coalesced)
}

func TestQueue_RescheduleFromHandler(t *testing.T) {
	q := newQueue(t, 4)

	var w *Work
	w = NewWork("self", func(context.Context) {
		if w.Runs() == 0 {
			q.Schedule(w)
		}
	})
	require.True(t, q.Schedule(w))

	require.NoError(t, q.Flush(context.Background()))
	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, uint64(2), w.Runs())
}

func TestQueue_FullQueueDrops(t *testing.T) {
	q := newQueue(t, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, q.Schedule(NewWork("blocker", func(context.Context) {
		close(started)
		<-release
	})))
	<-started

	assert.True(t, q.Schedule(NewWork("fills", func(context.Context) {})))
	dropped := NewWork("dropped", func(context.Context) {})
	assert.False(t, q.Schedule(dropped), "schedule MUST NOT block on a full queue")
	assert.False(t, dropped.Pending(), "a dropped item MUST be schedulable again")
	assert.Equal(t, uint64(1), q.Stats().Dropped)

	close(release)
}

func TestQueue_PanicIsContained(t *testing.T) {
	q := newQueue(t, 4)
	ran := false
	q.Schedule(NewWork("boom", func(context.Context) { panic("boom") }))
	q.Schedule(NewWork("after", func(context.Context) { ran = true }))

	require.NoError(t, q.Flush(context.Background()))
	assert.True(t, ran, "worker MUST survive a panicking item")
	assert.Equal(t, uint64(1), q.Stats().Panics)
}

func TestQueue_Close(t *testing.T) {
	q := New("closing", nil)
	require.NoError(t, q.Close(time.Second))
	require.NoError(t, q.Close(time.Second), "second close MUST be a no-op")

	assert.False(t, q.Schedule(NewWork("late", func(context.Context) {})))
	assert.ErrorIs(t, q.Flush(context.Background()), ErrClosed)
}

func TestQueue_FlushCancelled(t *testing.T) {
	q := newQueue(t, 4)
	release := make(chan struct{})
	defer close(release)
	q.Schedule(NewWork("slow", func(context.Context) { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Flush(ctx), context.DeadlineExceeded)
}
