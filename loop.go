package coro

import (
	"context"
	"time"
)

// Handle is the opaque, idempotently-cancellable token returned by
// EventLoopPort.CallLater.
type Handle interface {
	// Cancel prevents the scheduled callback from firing. Safe to call more
	// than once; the second and later calls are no-ops.
	Cancel()
}

// EventLoopPort is the only contract the core requires of a host event loop.
// Everything else about how the loop is actually driven — I/O readiness, a
// timer wheel, callback dispatch order under load — is an external
// collaborator; package coro/loop ships one reference implementation.
type EventLoopPort interface {
	// CallSoon enqueues cb to run on the loop's next turn. Callbacks enqueued
	// from a single turn run in FIFO order on subsequent turns.
	CallSoon(cb func())

	// CallLater arms cb to run after delay has elapsed, returning a Handle
	// that can cancel it before it fires.
	CallLater(delay time.Duration, cb func()) Handle

	// Now reports the loop's notion of the current time.
	Now() time.Time
}

type loopContextKey struct{}

// WithLoop binds loop as the current event loop for ctx. Futures and Tasks
// created from a context derived with WithLoop are pinned to loop; composing
// them with a Future from a different loop is a fatal ErrCrossLoop.
func WithLoop(ctx context.Context, loop EventLoopPort) context.Context {
	return context.WithValue(ctx, loopContextKey{}, loop)
}

// LoopFromContext returns the loop bound to ctx by WithLoop, or nil if none
// was bound.
func LoopFromContext(ctx context.Context) EventLoopPort {
	loop, _ := ctx.Value(loopContextKey{}).(EventLoopPort)
	return loop
}

func requireLoop(ctx context.Context) EventLoopPort {
	loop := LoopFromContext(ctx)
	if loop == nil {
		panic("coro: context carries no event loop; call coro.WithLoop first")
	}
	return loop
}
