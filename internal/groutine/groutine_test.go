package groutine

import (
	"context"
	"runtime/pprof"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGo_NamesGoroutine(t *testing.T) {
	var name, label string
	done := Go(nil, "pchar0-egress", func(ctx context.Context) {
		name = Name(ctx)
		label, _ = pprof.Label(ctx, LabelKey)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done MUST close when fn returns")
	}
	assert.Equal(t, "pchar0-egress", name)
	assert.Equal(t, "pchar0-egress", label)
}

func TestGo_InheritsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := Go(ctx, "waiter", func(ctx context.Context) {
		<-ctx.Done()
	})
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine MUST observe parent cancellation")
	}
}

func TestName_Unnamed(t *testing.T) {
	assert.Empty(t, Name(context.Background()))
	assert.Empty(t, Name(nil))
}
