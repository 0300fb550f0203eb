package coro

import (
	"context"
	"iter"
	"time"
)

func requireCurrentTask(ctx context.Context) *Task {
	t := CurrentTask(ctx)
	if t == nil {
		panic("coro: this call requires a context bound to a running Task (see Spawn)")
	}
	return t
}

// toFuture resolves x — a Future, a *Coroutine, or an Acquirer — to the
// Future Await/Wait/Gather/... should suspend on. Anything else is a
// BadYield.
func toFuture(ctx context.Context, t *Task, x any) (Future, error) {
	switch v := x.(type) {
	case Future:
		if v.Loop() != t.loop {
			return nil, ErrCrossLoop
		}
		return v, nil
	case *Coroutine:
		v.markConsumed()
		return newTask(ctx, v.fn, v.label), nil
	case Acquirer:
		child := newTask(ctx, func(ctx context.Context) (any, error) {
			return nil, v.Acquire(ctx)
		}, "")
		return child, nil
	default:
		return nil, &BadYield{Value: x}
	}
}

// Await suspends the calling coroutine until x completes, returning its
// result, or the error that cancellation or the awaitable itself produced.
// ctx must be one handed to a CoroutineFunc (directly, or through an
// unmodified derivation of it).
func Await(ctx context.Context, x any) (any, error) {
	t := requireCurrentTask(ctx)
	f, err := toFuture(ctx, t, x)
	if err != nil {
		return nil, err
	}
	return t.awaitFuture(f)
}

// Yield relinquishes control for exactly one scheduling turn, the
// cooperative analogue of asyncio.sleep(0). It returns ErrCancelled if the
// calling task was cancelled while parked, so a coroutine that only ever
// yields still terminates in finitely many turns after a Cancel.
func Yield(ctx context.Context) error {
	return requireCurrentTask(ctx).tick()
}

// Sleep suspends the calling coroutine for at least d, honouring
// cancellation. A non-positive d still yields once to the loop.
func Sleep(ctx context.Context, d time.Duration) error {
	_, err := SleepResult(ctx, d, nil)
	return err
}

// SleepResult is Sleep returning result on completion, mirroring
// asyncio.sleep(delay, result=...).
func SleepResult(ctx context.Context, d time.Duration, result any) (any, error) {
	t := requireCurrentTask(ctx)
	f := NewFuture(t.loop)
	handle := t.loop.CallLater(d, func() {
		if !f.Done() {
			f.SetResult(result)
		}
	})
	v, err := t.awaitFuture(f)
	if err != nil {
		handle.Cancel()
		return nil, err
	}
	return v, nil
}

// WaitFor awaits x, raising ErrTimeout and cancelling x if it has not
// completed within timeout. A non-positive timeout means no deadline at all:
// WaitFor degenerates to a plain Await, asyncio's wait_for(x, None).
func WaitFor(ctx context.Context, x any, timeout time.Duration) (any, error) {
	t := requireCurrentTask(ctx)
	inner, err := toFuture(ctx, t, x)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return t.awaitFuture(inner)
	}

	timeoutFut := NewFuture(t.loop)
	handle := t.loop.CallLater(timeout, func() {
		if !timeoutFut.Done() {
			timeoutFut.SetResult(nil)
		}
	})

	winner, err := raceFirst(t, []Future{inner, timeoutFut})
	handle.Cancel()
	if err != nil {
		inner.Cancel()
		return nil, err
	}
	if winner == timeoutFut {
		inner.Cancel()
		return nil, ErrTimeout
	}
	return inner.Result()
}

// raceFirst suspends until the first of fs becomes done, returning that
// Future.
func raceFirst(t *Task, fs []Future) (Future, error) {
	agg := NewFuture(t.loop)
	for _, f := range fs {
		f := f
		f.AddDoneCallback(func(Future) {
			if !agg.Done() {
				agg.SetResult(f)
			}
		})
	}
	_, err := t.awaitFuture(agg)
	if err != nil {
		return nil, err
	}
	v, _ := agg.Result()
	return v.(Future), nil
}

// ReturnWhen selects when Wait returns relative to the awaitables it was
// given.
type ReturnWhen int

const (
	// AllCompleted waits until every awaitable is done.
	AllCompleted ReturnWhen = iota
	// FirstCompleted returns as soon as any one awaitable is done.
	FirstCompleted
	// FirstException returns as soon as any awaitable fails, or once all
	// are done if none fail.
	FirstException
)

// Wait suspends until the awaitables in xs satisfy when, then splits them
// into done and pending. Wait never raises the exception of a failed
// awaitable — callers inspect each Future's Result themselves, as with
// asyncio.wait. An optional timeout releases Wait early without error:
// awaitables still running when it elapses simply come back in pending,
// uncancelled — Wait never returns ErrTimeout.
func Wait(ctx context.Context, xs []any, when ReturnWhen, timeout ...time.Duration) (done, pending []Future, err error) {
	t := requireCurrentTask(ctx)
	if len(xs) == 0 {
		return nil, nil, ErrEmptyWaitSet
	}
	switch when {
	case AllCompleted, FirstCompleted, FirstException:
	default:
		return nil, nil, ErrUnknownReturnWhen
	}
	fs := make([]Future, len(xs))
	for i, x := range xs {
		f, ferr := toFuture(ctx, t, x)
		if ferr != nil {
			return nil, nil, ferr
		}
		fs[i] = f
	}

	agg := NewFuture(t.loop)
	release := func() {
		if !agg.Done() {
			agg.SetResult(nil)
		}
	}
	remaining := len(fs)
	for _, f := range fs {
		f.AddDoneCallback(func(child Future) {
			remaining--
			switch {
			case when == FirstCompleted:
				release()
			case when == FirstException && childFailed(child):
				release()
			case remaining == 0:
				release()
			}
		})
	}
	var handle Handle
	if len(timeout) > 0 {
		handle = t.loop.CallLater(timeout[0], release)
	}
	_, err = t.awaitFuture(agg)
	if handle != nil {
		handle.Cancel()
	}
	return splitDonePending(fs, err)
}

// childFailed reports whether child finished with a genuine exception. A
// cancelled child is deliberately not a failure here: under FirstException a
// cancellation alone never releases Wait early.
func childFailed(child Future) bool {
	if child.Cancelled() {
		return false
	}
	_, err := child.Result()
	return err != nil
}

func splitDonePending(fs []Future, err error) ([]Future, []Future, error) {
	if err != nil {
		return nil, nil, err
	}
	done := make([]Future, 0, len(fs))
	pending := make([]Future, 0)
	for _, f := range fs {
		if f.Done() {
			done = append(done, f)
		} else {
			pending = append(pending, f)
		}
	}
	return done, pending, nil
}

func failedFuture(loop EventLoopPort, err error) Future {
	f := NewFuture(loop)
	loop.CallSoon(func() { f.SetException(err) })
	return f
}

// acEntry is one slot in AsCompleted's completion queue: either a future that
// finished, or a timeout dummy (f == nil) standing in for one that didn't.
type acEntry struct {
	f Future
}

// AsCompleted returns an iterator yielding the result of each awaitable in
// xs as it finishes, in completion order rather than xs's order. It yields
// exactly len(xs) times, unless the calling task is cancelled while waiting:
// then it yields that cancellation error once and stops. If an optional
// timeout elapses before every
// awaitable is done, one ErrTimeout is yielded for each awaitable still
// outstanding at that moment — not just the first — so the total yield
// count is unaffected by whether or when the deadline fires.
func AsCompleted(ctx context.Context, xs []any, timeout ...time.Duration) iter.Seq2[any, error] {
	t := requireCurrentTask(ctx)
	fs := make([]Future, len(xs))
	for i, x := range xs {
		f, err := toFuture(ctx, t, x)
		if err != nil {
			f = failedFuture(t.loop, err)
		}
		fs[i] = f
	}

	return func(yield func(any, error) bool) {
		var queue []acEntry
		outstanding := make(map[Future]bool, len(fs))
		for _, f := range fs {
			outstanding[f] = true
		}

		var ready Future // non-nil only while the loop below is awaiting it
		var handle Handle

		push := func(e acEntry) {
			queue = append(queue, e)
			if ready != nil && !ready.Done() {
				ready.SetResult(nil)
			}
		}

		for _, f := range fs {
			f := f
			f.AddDoneCallback(func(Future) {
				if !outstanding[f] {
					return // a dummy was already queued for f by the timeout
				}
				delete(outstanding, f)
				push(acEntry{f: f})
				if len(outstanding) == 0 && handle != nil {
					handle.Cancel()
				}
			})
		}

		if len(timeout) > 0 && len(fs) > 0 {
			handle = t.loop.CallLater(timeout[0], func() {
				if len(outstanding) == 0 {
					return
				}
				for range outstanding {
					push(acEntry{f: nil})
				}
				outstanding = make(map[Future]bool)
			})
		}

		for range fs {
			if len(queue) == 0 {
				ready = NewFuture(t.loop)
				_, err := t.awaitFuture(ready)
				ready = nil
				if err != nil {
					yield(nil, err)
					return
				}
			}
			e := queue[0]
			queue = queue[1:]
			if e.f == nil {
				if !yield(nil, ErrTimeout) {
					return
				}
				continue
			}
			v, resErr := e.f.Result()
			if !yield(v, resErr) {
				return
			}
		}
	}
}

// Gather runs every awaitable in xs concurrently and returns their results
// in xs's order. The first failure (if any) is returned immediately without
// cancelling the other awaitables, matching asyncio.gather's default
// return_exceptions=False behaviour. If the calling coroutine is itself
// cancelled while Gather is pending, every awaitable in xs is cancelled too.
func Gather(ctx context.Context, xs ...any) ([]any, error) {
	return gather(ctx, xs, false)
}

// GatherCollectErrors is Gather with asyncio.gather's
// return_exceptions=True: every result, success or failure, is collected
// instead of the first failure short-circuiting the rest.
func GatherCollectErrors(ctx context.Context, xs ...any) ([]Result, error) {
	t := requireCurrentTask(ctx)
	n := len(xs)
	if n == 0 {
		return nil, nil
	}
	fs, err := resolveAll(ctx, t, xs)
	if err != nil {
		return nil, err
	}

	agg := NewFuture(t.loop)
	remaining := n
	for _, f := range fs {
		f.AddDoneCallback(func(Future) {
			remaining--
			if remaining == 0 && !agg.Done() {
				agg.SetResult(nil)
			}
		})
	}
	_, err = t.awaitFuture(agg)
	if err != nil {
		// The calling task was cancelled while the aggregate was pending.
		// Cancel the children, then still resolve with their actual
		// outcomes once every one of them settles: each cancelled child
		// reports ErrCancelled in its own slot.
		if serr := settleChildren(t, fs); serr != nil {
			return nil, serr
		}
	}
	out := make([]Result, n)
	for i, f := range fs {
		v, rerr := f.Result()
		out[i] = Result{Value: v, Err: rerr}
	}
	return out, nil
}

// settleChildren cancels every not-yet-done child and suspends until all of
// them are terminal, so an interrupted aggregate reports each child's actual
// outcome instead of abandoning them mid-flight.
func settleChildren(t *Task, fs []Future) error {
	for _, f := range fs {
		f.Cancel()
	}
	agg := NewFuture(t.loop)
	remaining := len(fs)
	for _, f := range fs {
		f.AddDoneCallback(func(Future) {
			remaining--
			if remaining == 0 && !agg.Done() {
				agg.SetResult(nil)
			}
		})
	}
	_, err := t.awaitFuture(agg)
	return err
}

// Result pairs a Gather child's outcome with any error it produced, for
// GatherCollectErrors.
type Result struct {
	Value any
	Err   error
}

func resolveAll(ctx context.Context, t *Task, xs []any) ([]Future, error) {
	fs := make([]Future, len(xs))
	for i, x := range xs {
		f, err := toFuture(ctx, t, x)
		if err != nil {
			return nil, err
		}
		fs[i] = f
	}
	return fs, nil
}

func gather(ctx context.Context, xs []any, returnExceptions bool) ([]any, error) {
	t := requireCurrentTask(ctx)
	n := len(xs)
	if n == 0 {
		return nil, nil
	}
	fs, err := resolveAll(ctx, t, xs)
	if err != nil {
		return nil, err
	}

	agg := NewFuture(t.loop)
	remaining := n
	var firstErr error
	for _, f := range fs {
		f.AddDoneCallback(func(done Future) {
			remaining--
			if !returnExceptions && firstErr == nil {
				if _, rerr := done.Result(); rerr != nil {
					firstErr = rerr
				}
			}
			if (firstErr != nil || remaining == 0) && !agg.Done() {
				agg.SetResult(nil)
			}
		})
	}

	_, err = t.awaitFuture(agg)
	if err != nil {
		// The calling task was cancelled while the aggregate was pending.
		// Cancel the children, wait for all of them to settle, then report
		// their outcomes: normally the first child's ErrCancelled, or a
		// full result list if every child had in fact already finished.
		if serr := settleChildren(t, fs); serr != nil {
			return nil, serr
		}
		firstErr = nil
		for _, f := range fs {
			if _, rerr := f.Result(); rerr != nil {
				firstErr = rerr
				break
			}
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	out := make([]any, n)
	for i, f := range fs {
		v, _ := f.Result()
		out[i] = v
	}
	return out, nil
}

// Shield awaits x but insulates it from cancellation of the calling
// coroutine: if the caller is cancelled while Shield is pending, Shield
// returns ErrCancelled immediately but x keeps running to completion in the
// background, matching asyncio.shield.
func Shield(ctx context.Context, x any) (any, error) {
	t := requireCurrentTask(ctx)
	inner, err := toFuture(ctx, t, x)
	if err != nil {
		return nil, err
	}

	proxy := NewFuture(t.loop)
	inner.AddDoneCallback(func(Future) {
		if proxy.Done() {
			return
		}
		v, rerr := inner.Result()
		if rerr != nil {
			proxy.SetException(rerr)
			return
		}
		proxy.SetResult(v)
	})

	return t.awaitFuture(proxy)
}
