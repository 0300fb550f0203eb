package coro

import (
	"context"
	"log/slog"
	"runtime"
)

// CoroutineFunc is the suspendable computation a Task drives. It runs on its
// own pulled goroutine (its Task drives it with iter.Pull — Go's stdlib
// stackful-coroutine primitive) and suspends only by calling Await or Yield
// with the ctx it is handed; it must not call Await/Yield with any other
// context, nor retain ctx past return.
type CoroutineFunc func(ctx context.Context) (any, error)

// suspendMsg is what a suspended coroutine is currently waiting on.
type suspendMsg struct {
	awaiting Future // non-nil: waiting for this Future to become terminal
	tick     bool   // true: voluntary single-tick relinquish
}

// Coroutine is a constructed-but-not-yet-running CoroutineFunc, analogous to
// calling an async def in Python: creating one does nothing until it is
// wrapped in a Task by EnsureTask, or passed to Await or another combinator
// (Gather, Wait, WaitFor, Shield, AsCompleted). A Coroutine
// garbage collected without ever being consumed logs a single diagnostic
// warning, the same "coroutine was never awaited" aid CPython emits.
type Coroutine struct {
	fn       CoroutineFunc
	label    string
	consumed *consumedFlag
}

type consumedFlag struct{ done bool }

type consumedAudit struct {
	flag  *consumedFlag
	label string
}

// Go constructs a cold Coroutine wrapping fn. It does not run until passed to
// EnsureTask, Await, or another combinator that accepts awaitables.
func Go(fn CoroutineFunc) *Coroutine {
	return NewNamedCoroutine(fn, "")
}

// NewNamedCoroutine is Go with a diagnostic label used in the
// never-awaited warning.
func NewNamedCoroutine(fn CoroutineFunc, label string) *Coroutine {
	if fn == nil {
		panic("coro: nil CoroutineFunc")
	}
	c := &Coroutine{fn: fn, label: label, consumed: &consumedFlag{}}
	runtime.AddCleanup(c, warnIfNeverAwaited, consumedAudit{flag: c.consumed, label: label})
	return c
}

func warnIfNeverAwaited(a consumedAudit) {
	if !a.flag.done {
		slog.Warn("coro: coroutine was never awaited", "label", a.label)
	}
}

// markConsumed flags c as spawned or awaited, suppressing the never-awaited
// warning. Safe to call more than once.
func (c *Coroutine) markConsumed() {
	c.consumed.done = true
}

type taskContextKey struct{}

func contextWithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskContextKey{}, t)
}

// CurrentTask returns the Task executing on ctx, or nil outside of one.
func CurrentTask(ctx context.Context) *Task {
	t, _ := ctx.Value(taskContextKey{}).(*Task)
	return t
}
