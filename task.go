package coro

import (
	"context"
	"fmt"
	"io"
	"iter"
	"runtime"
	"sync"

	"coro/internal/xassert"
)

// Task drives a CoroutineFunc to completion on its owning EventLoopPort. A
// Task is itself a Future: awaiting one suspends until the coroutine it
// drives returns, raises, or is cancelled.
//
// Task adapts asyncio's Task step/wakeup state machine to Go's stackful
// coroutines (iter.Pull, see coroutine.go): since iter.Pull can only resume a
// parked goroutine with a value, never throw an exception into it the way a
// Python generator's throw() does, a requested cancellation is instead
// delivered by overriding the result Await hands back the moment the
// coroutine wakes — see awaitFuture.
type Task struct {
	fut   Future
	loop  EventLoopPort
	label string
	stack []uintptr

	next    func() (suspendMsg, bool)
	yieldFn func(suspendMsg) bool

	mu         sync.Mutex
	futWaiter  Future
	mustCancel bool
}

func newTask(ctx context.Context, fn CoroutineFunc, label string) *Task {
	loop := requireLoop(ctx)
	t := &Task{
		fut:   NewNamedFuture(loop, label),
		loop:  loop,
		label: label,
		stack: captureStack(),
	}

	seq := func(yield func(suspendMsg) bool) {
		t.yieldFn = yield
		taskCtx := contextWithTask(ctx, t)
		v, err := fn(taskCtx)
		t.finish(v, err)
	}
	t.next, _ = iter.Pull(seq)

	registerTask(t)
	loop.CallSoon(t.step)
	return t
}

// Spawn schedules fn as a new Task on the loop bound to ctx.
func Spawn(ctx context.Context, fn CoroutineFunc) *Task {
	return newTask(ctx, fn, "")
}

// SpawnNamed is Spawn with a diagnostic label surfaced by String (and so by
// PrintStack) and by the unobserved-exception warning.
func SpawnNamed(ctx context.Context, fn CoroutineFunc, label string) *Task {
	return newTask(ctx, fn, label)
}

// EnsureTask lifts x into something awaitable on ctx's loop, idempotently: a
// Future (a *Task included) already bound to that loop is returned unchanged,
// and a *Coroutine is wrapped in a new Task. A Future bound to a different
// loop panics with ErrCrossLoop; anything else panics with ErrNotAwaitable.
func EnsureTask(ctx context.Context, x any) Future {
	switch v := x.(type) {
	case Future:
		if v.Loop() != requireLoop(ctx) {
			panic(ErrCrossLoop)
		}
		return v
	case *Coroutine:
		v.markConsumed()
		return newTask(ctx, v.fn, v.label)
	default:
		panic(fmt.Errorf("%w: EnsureTask requires a Future or *Coroutine, got %T", ErrNotAwaitable, x))
	}
}

func (t *Task) step() {
	msg, ok := t.next()
	if !ok {
		return
	}
	if msg.tick {
		t.loop.CallSoon(t.step)
		return
	}

	f := msg.awaiting
	xassert.Assert(f != nil, "coro: suspend message carries neither a tick nor an awaited future")

	t.mu.Lock()
	t.futWaiter = f
	mustCancel := t.mustCancel
	t.mu.Unlock()

	f.AddDoneCallback(func(Future) {
		t.mu.Lock()
		if t.futWaiter == f {
			t.futWaiter = nil
		}
		t.mu.Unlock()
		t.step()
	})

	if mustCancel {
		if f.Cancel() {
			t.mu.Lock()
			t.mustCancel = false
			t.mu.Unlock()
		}
	}
}

// awaitFuture is the single suspension point every Await call in this module
// funnels through. It must be called from the goroutine this Task's
// coroutine is running on.
func (t *Task) awaitFuture(f Future) (any, error) {
	t.yieldFn(suspendMsg{awaiting: f})

	t.mu.Lock()
	mustCancel := t.mustCancel
	t.mustCancel = false
	t.mu.Unlock()
	if mustCancel {
		return nil, ErrCancelled
	}
	return f.Result()
}

// tick relinquishes control for exactly one scheduling turn without waiting
// on any Future, the way asyncio.sleep(0) does. Like awaitFuture, it
// consults mustCancel on resume so a cancellation requested while the task
// was parked is delivered even when the coroutine never awaits a Future.
func (t *Task) tick() error {
	t.yieldFn(suspendMsg{tick: true})

	t.mu.Lock()
	mustCancel := t.mustCancel
	t.mustCancel = false
	t.mu.Unlock()
	if mustCancel {
		return ErrCancelled
	}
	return nil
}

func (t *Task) finish(v any, err error) {
	t.mu.Lock()
	mustCancel := t.mustCancel
	t.mustCancel = false
	t.futWaiter = nil
	t.mu.Unlock()
	unregisterTask(t)

	if mustCancel {
		t.fut.Cancel()
		return
	}
	if err != nil {
		if IsCancelled(err) {
			t.fut.Cancel()
			return
		}
		t.fut.SetException(err)
		return
	}
	t.fut.SetResult(v)
}

// Cancel requests cancellation of the coroutine this Task drives. If the
// Task is currently suspended on another Future, that Future is cancelled
// immediately; otherwise cancellation is deferred to the Task's next
// suspension point, or delivered at completion if the coroutine returns
// without suspending again. Returns false if the Task is already done.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	if t.fut.Done() {
		t.mu.Unlock()
		return false
	}
	fw := t.futWaiter
	t.mu.Unlock()

	if fw != nil && fw.Cancel() {
		return true
	}

	t.mu.Lock()
	t.mustCancel = true
	t.mu.Unlock()
	return true
}

// CancellationRequested reports whether a Cancel call is pending delivery —
// useful for a coroutine that wants to notice cancellation between Await
// calls instead of only at them.
func (t *Task) CancellationRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mustCancel
}

func (t *Task) Name() string { return t.label }

func (t *Task) String() string {
	if t.label == "" {
		return fmt.Sprintf("Task(%p)", t)
	}
	return fmt.Sprintf("Task(%s)", t.label)
}

func (t *Task) Loop() EventLoopPort             { return t.fut.Loop() }
func (t *Task) Done() bool                      { return t.fut.Done() }
func (t *Task) Cancelled() bool                 { return t.fut.Cancelled() }
func (t *Task) Result() (any, error)            { return t.fut.Result() }
func (t *Task) Exception() (error, error)       { return t.fut.Exception() }
func (t *Task) AddDoneCallback(cb func(Future)) { t.fut.AddDoneCallback(cb) }
func (t *Task) RemoveDoneCallback(cb func(Future)) int {
	return t.fut.RemoveDoneCallback(cb)
}

// SetResult always panics: a Task's result comes only from running its
// coroutine to completion.
func (t *Task) SetResult(any) {
	panic("coro: Task result is produced by its coroutine, not set externally")
}

// SetException always panics, for the same reason as SetResult.
func (t *Task) SetException(error) {
	panic("coro: Task result is produced by its coroutine, not set externally")
}

func captureStack() []uintptr {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}

// GetStack returns the frames captured when the Task was created, the same
// diagnostic aid as asyncio's Task.get_stack — adapted, since Go
// coroutines have no reflectable frame list of their own while parked, to
// report where the Task was spawned rather than its live suspended frame.
func (t *Task) GetStack() []runtime.Frame {
	frames := runtime.CallersFrames(t.stack)
	out := make([]runtime.Frame, 0, len(t.stack))
	for {
		f, more := frames.Next()
		out = append(out, f)
		if !more {
			break
		}
	}
	return out
}

// PrintStack writes GetStack's frames to w, each as its function name
// followed by an indented file:line.
func (t *Task) PrintStack(w io.Writer) {
	fmt.Fprintf(w, "Stack for %s (most recent call first):\n", t)
	for _, f := range t.GetStack() {
		fmt.Fprintf(w, "  %s\n    %s:%d\n", f.Function, f.File, f.Line)
	}
}
