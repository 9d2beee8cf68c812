// Package groutine starts named goroutines. The name is attached as a
// pprof label, so goroutine dumps of a long-running server read as
// "attach-stdin-pump" instead of anonymous function values.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey struct{}

// Go runs fn on a new goroutine labeled with name. A nil parentCtx means
// context.Background(). The name is also stored in fn's context for
// Name().
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	go pprof.Do(parentCtx, pprof.Labels("goroutine_name", name), func(ctx context.Context) {
		fn(context.WithValue(ctx, ctxKey{}, name))
	})
}

// Name returns the name the goroutine was started with, or "" when the
// context did not come through Go.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(ctxKey{}).(string)
	return name
}
