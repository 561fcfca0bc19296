package pchar_test

import (
	"context"
	"testing"
	"time"

	"github.com/srg/pchar/internal/pchar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_ExclusiveAcquire(t *testing.T) {
	// GOAL: Verify only one holder at a time and that release hands the guard over
	//
	// TEST SCENARIO: A acquires → B blocks → A releases → B acquires

	g := pchar.NewGuard()

	a, err := g.Acquire(context.Background(), "a")
	require.NoError(t, err)
	assert.NotZero(t, a)

	holder, held := g.Holder()
	assert.True(t, held)
	assert.Equal(t, a, holder.Session)
	assert.Equal(t, "a", holder.Owner)

	acquired := make(chan pchar.SessionID, 1)
	go func() {
		id, err := g.Acquire(context.Background(), "b")
		if err == nil {
			acquired <- id
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire MUST block while the guard is held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, g.Release(a))

	select {
	case b := <-acquired:
		assert.NotEqual(t, a, b, "each acquisition MUST get a fresh session id")
		holder, _ = g.Holder()
		assert.Equal(t, "b", holder.Owner)
		require.NoError(t, g.Release(b))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter MUST acquire after release")
	}

	_, held = g.Holder()
	assert.False(t, held)
}

func TestGuard_AcquireCancelled(t *testing.T) {
	g := pchar.NewGuard()
	id, err := g.TryAcquire("holder")
	require.NoError(t, err)
	defer func() { _ = g.Release(id) }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = g.Acquire(ctx, "waiter")
	assert.ErrorIs(t, err, pchar.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	holder, _ := g.Holder()
	assert.Equal(t, id, holder.Session, "cancelled waiter MUST NOT disturb the holder")
}

func TestGuard_TryAcquireBusy(t *testing.T) {
	g := pchar.NewGuard()
	id, err := g.TryAcquire("first")
	require.NoError(t, err)

	_, err = g.TryAcquire("second")
	assert.ErrorIs(t, err, pchar.ErrBusy)

	require.NoError(t, g.Release(id))
	id, err = g.TryAcquire("second")
	require.NoError(t, err)
	require.NoError(t, g.Release(id))
}

func TestGuard_ReleaseNotHeld(t *testing.T) {
	g := pchar.NewGuard()

	assert.ErrorIs(t, g.Release(0), pchar.ErrNotHeld)
	assert.ErrorIs(t, g.Release(42), pchar.ErrNotHeld, "releasing a free guard MUST fail")

	id, err := g.TryAcquire("owner")
	require.NoError(t, err)
	assert.ErrorIs(t, g.Release(id+1000), pchar.ErrNotHeld, "a foreign id MUST NOT release the guard")

	_, held := g.Holder()
	assert.True(t, held)
	require.NoError(t, g.Release(id))
	assert.ErrorIs(t, g.Release(id), pchar.ErrNotHeld, "double release MUST fail")
}
