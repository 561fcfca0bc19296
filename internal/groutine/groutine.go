// Package groutine starts goroutines that carry a name in their context
// and in their pprof labels, so device pumps and workers are easy to tell
// apart in profiles and goroutine dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey struct{}

// LabelKey is the pprof label holding the goroutine name.
const LabelKey = "goroutine_name"

// Go runs fn in a new goroutine named name and returns a channel that is
// closed once fn returns. A nil parent means context.Background().
//
//	done := groutine.Go(ctx, "pchar0-ingress", func(ctx context.Context) {
//	    // pump
//	})
//	<-done
func Go(parent context.Context, name string, fn func(ctx context.Context)) <-chan struct{} {
	if parent == nil {
		parent = context.Background()
	}
	done := make(chan struct{})
	go pprof.Do(parent, pprof.Labels(LabelKey, name), func(ctx context.Context) {
		defer close(done)
		fn(context.WithValue(ctx, ctxKey{}, name))
	})
	return done
}

// Name returns the name given to the goroutine that owns ctx, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(ctxKey{}).(string)
	return name
}
