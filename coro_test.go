package coro_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"coro"
	"coro/loop"
)

func newTestLoop(t *testing.T) (*loop.Loop, context.Context, func()) {
	t.Helper()
	l, err := loop.New(nil)
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(runCtx)
	}()
	ctx := coro.WithLoop(context.Background(), l)
	return l, ctx, func() {
		cancel()
		<-done
	}
}

func waitDone(t *testing.T, fs ...coro.Future) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		allDone := true
		for _, f := range fs {
			if !f.Done() {
				allDone = false
				break
			}
		}
		if allDone {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for completion")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSpawnAndSleep(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	task := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		if err := coro.Sleep(ctx, 5*time.Millisecond); err != nil {
			return nil, err
		}
		return "woke", nil
	})

	waitDone(t, task)
	v, err := task.Result()
	if err != nil || v != "woke" {
		t.Fatalf("expected (woke, nil), got (%v, %v)", v, err)
	}
}

func TestCancelSleepingTask(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	task := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		if err := coro.Sleep(ctx, time.Hour); err != nil {
			return nil, err
		}
		return "should never get here", nil
	})
	task.Cancel()

	waitDone(t, task)
	if !task.Cancelled() {
		t.Fatal("expected task to be cancelled")
	}
	if _, err := task.Result(); !coro.IsCancelled(err) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

func TestGatherPreservesOrderAndStopsOnFirstError(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	errFail := errors.New("child fail")
	slow := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		if err := coro.Sleep(ctx, 30*time.Millisecond); err != nil {
			return nil, err
		}
		return "slow done", nil
	})

	parent := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		return coro.Gather(ctx,
			coro.Go(func(context.Context) (any, error) { return nil, errFail }),
			slow,
		)
	})

	waitDone(t, parent)
	if _, err := parent.Result(); !errors.Is(err, errFail) {
		t.Fatalf("expected gather to surface the first error, got %v", err)
	}

	waitDone(t, slow)
	if slow.Cancelled() {
		t.Error("expected the sibling to keep running instead of being cancelled")
	}
	v, err := slow.Result()
	if err != nil || v != "slow done" {
		t.Errorf("expected sibling to finish normally, got (%v, %v)", v, err)
	}
}

// Cancelling one child of a GatherCollectErrors aggregate reports that
// child's outcome as ErrCancelled in its result slot without cancelling the
// aggregate itself or the other children.
func TestGatherCollectErrorsMasksChildCancellation(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	child1 := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		if err := coro.Sleep(ctx, time.Hour); err != nil {
			return nil, err
		}
		return "child1 done", nil
	})
	child2 := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		if err := coro.Sleep(ctx, 20*time.Millisecond); err != nil {
			return nil, err
		}
		return "child2 done", nil
	})

	var results []coro.Result
	parent := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		var err error
		results, err = coro.GatherCollectErrors(ctx, child1, child2)
		return nil, err
	})

	child1.Cancel()
	waitDone(t, parent)

	if parent.Cancelled() {
		t.Fatal("expected the aggregate to resolve normally, not be cancelled")
	}
	if _, err := parent.Result(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !coro.IsCancelled(results[0].Err) {
		t.Errorf("expected child1's slot to carry ErrCancelled, got %v", results[0].Err)
	}
	if results[1].Err != nil || results[1].Value != "child2 done" {
		t.Errorf("expected child2's slot to carry its normal result, got %v", results[1])
	}
}

func TestGatherOrdering(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	parent := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		return coro.Gather(ctx,
			coro.Go(func(ctx context.Context) (any, error) {
				coro.Sleep(ctx, 15*time.Millisecond)
				return 1, nil
			}),
			coro.Go(func(ctx context.Context) (any, error) {
				return 2, nil
			}),
			coro.Go(func(ctx context.Context) (any, error) {
				coro.Sleep(ctx, 5*time.Millisecond)
				return 3, nil
			}),
		)
	})

	waitDone(t, parent)
	v, err := parent.Result()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	results := v.([]any)
	if len(results) != 3 || results[0] != 1 || results[1] != 2 || results[2] != 3 {
		t.Errorf("expected [1 2 3] in original order, got %v", results)
	}
}

func TestWaitForTimeoutCancelsInner(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	parent := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		inner := coro.Go(func(ctx context.Context) (any, error) {
			if err := coro.Sleep(ctx, time.Hour); err != nil {
				return nil, err
			}
			return "late", nil
		})
		return coro.WaitFor(ctx, inner, 10*time.Millisecond)
	})

	waitDone(t, parent)
	if _, err := parent.Result(); !coro.IsTimeout(err) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestShieldSurvivesOuterCancel(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	inner := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		if err := coro.Sleep(ctx, 30*time.Millisecond); err != nil {
			return nil, err
		}
		return "shielded result", nil
	})

	outer := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		return coro.Shield(ctx, inner)
	})
	outer.Cancel()

	waitDone(t, outer)
	if !outer.Cancelled() {
		t.Fatal("expected the shield call itself to observe cancellation")
	}

	waitDone(t, inner)
	if inner.Cancelled() {
		t.Error("expected the shielded task to keep running")
	}
	v, err := inner.Result()
	if err != nil || v != "shielded result" {
		t.Errorf("expected inner to finish normally, got (%v, %v)", v, err)
	}
}

func TestAwaitBadYield(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	task := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		return coro.Await(ctx, 42)
	})

	waitDone(t, task)
	_, err := task.Result()
	var bad *coro.BadYield
	if !errors.As(err, &bad) {
		t.Fatalf("expected *BadYield, got %v", err)
	}
}

func TestWaitFirstCompleted(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	fast := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		coro.Sleep(ctx, 5*time.Millisecond)
		return "fast", nil
	})
	slow := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		coro.Sleep(ctx, 200*time.Millisecond)
		return "slow", nil
	})

	var done, pending []coro.Future
	parent := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		var err error
		done, pending, err = coro.Wait(ctx, []any{fast, slow}, coro.FirstCompleted)
		return nil, err
	})

	waitDone(t, parent)
	if _, err := parent.Result(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(done) != 1 || done[0] != coro.Future(fast) {
		t.Errorf("expected only the fast task in done, got %v", done)
	}
	if len(pending) != 1 || pending[0] != coro.Future(slow) {
		t.Errorf("expected only the slow task in pending, got %v", pending)
	}
}

// A cancelled child does not trigger early release under FirstException —
// only a genuine exception does, matching asyncio's FIRST_EXCEPTION policy.
func TestWaitFirstExceptionIgnoresCancelledChild(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	errFail := errors.New("real failure")
	cancelled := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		return nil, coro.Sleep(ctx, time.Hour)
	})
	failing := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		coro.Sleep(ctx, 20*time.Millisecond)
		return nil, errFail
	})

	var done, pending []coro.Future
	parent := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		var err error
		done, pending, err = coro.Wait(ctx, []any{cancelled, failing}, coro.FirstException)
		return nil, err
	})

	// Cancel the first child immediately; Wait must not release early on
	// that alone — it should still be waiting when failing finishes.
	cancelled.Cancel()
	waitDone(t, parent)

	if _, err := parent.Result(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(done) != 2 {
		t.Fatalf("expected Wait to release only once failing's real exception lands, got done=%v pending=%v", done, pending)
	}
	if !cancelled.Cancelled() {
		t.Error("expected the first child to be cancelled")
	}
	if _, err := failing.Result(); !errors.Is(err, errFail) {
		t.Errorf("expected failing to surface errFail, got %v", err)
	}
}

func TestWaitTimeoutReturnsPendingWithoutError(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	fast := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		return "fast", coro.Sleep(ctx, 5*time.Millisecond)
	})
	slow := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		return "slow", coro.Sleep(ctx, time.Hour)
	})

	var done, pending []coro.Future
	parent := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		var err error
		done, pending, err = coro.Wait(ctx, []any{fast, slow}, coro.AllCompleted, 30*time.Millisecond)
		return nil, err
	})

	waitDone(t, parent)
	if _, err := parent.Result(); err != nil {
		t.Fatalf("Wait must release on timeout without an error, got %v", err)
	}
	if len(done) != 1 || done[0] != coro.Future(fast) {
		t.Errorf("expected only the fast task in done, got %v", done)
	}
	if len(pending) != 1 || pending[0] != coro.Future(slow) {
		t.Errorf("expected only the slow task in pending, got %v", pending)
	}
	if slow.Done() {
		t.Error("expected the timed-out awaitable to be left running, not cancelled")
	}
	slow.Cancel()
}

func TestWaitForWithoutDeadline(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	parent := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		inner := coro.Go(func(ctx context.Context) (any, error) {
			return coro.SleepResult(ctx, 10*time.Millisecond, "eventually")
		})
		return coro.WaitFor(ctx, inner, 0)
	})

	waitDone(t, parent)
	v, err := parent.Result()
	if err != nil || v != "eventually" {
		t.Errorf("expected a zero timeout to mean no deadline, got (%v, %v)", v, err)
	}
}

func TestEnsureTaskIdempotent(t *testing.T) {
	l, ctx, stop := newTestLoop(t)
	defer stop()

	task := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		return nil, coro.Sleep(ctx, 5*time.Millisecond)
	})
	if got := coro.EnsureTask(ctx, task); got != coro.Future(task) {
		t.Error("expected EnsureTask to return an existing Task unchanged")
	}

	f := coro.NewFuture(l)
	if got := coro.EnsureTask(ctx, f); got != f {
		t.Error("expected EnsureTask to return an existing Future unchanged")
	}
	f.SetResult(nil)

	defer func() {
		if r := recover(); !errors.Is(r.(error), coro.ErrNotAwaitable) {
			t.Errorf("expected ErrNotAwaitable for a non-awaitable value, got %v", r)
		}
	}()
	coro.EnsureTask(ctx, "not awaitable")
}

// A coroutine may swallow the first cancellation and suspend again; a
// second Cancel after that suspension must still terminate it.
func TestCancelHonouredAfterSuppression(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	suppressed := make(chan struct{})
	task := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		if err := coro.Sleep(ctx, time.Hour); !coro.IsCancelled(err) {
			return nil, err
		}
		close(suppressed)
		return coro.SleepResult(ctx, time.Hour, "survived twice")
	})

	if !task.Cancel() {
		t.Fatal("expected the first cancellation request to be delivered")
	}
	select {
	case <-suppressed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the coroutine to swallow the first cancellation")
	}
	if !task.Cancel() {
		t.Fatal("expected the second cancellation request to be delivered")
	}

	waitDone(t, task)
	if !task.Cancelled() {
		t.Error("expected the second cancellation to terminate the task")
	}
}

// Cancellation must reach a coroutine that only ever relinquishes with
// Yield and never suspends on a Future.
func TestCancelDeliveredThroughYield(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	task := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		for {
			if err := coro.Yield(ctx); err != nil {
				return nil, err
			}
		}
	})

	task.Cancel()
	waitDone(t, task)
	if !task.Cancelled() {
		t.Error("expected cancellation to terminate a coroutine that only yields")
	}
}

// Cancelling the caller of a pending GatherCollectErrors cancels the
// children, but the aggregate still resolves with each child's actual
// outcome rather than abandoning them mid-flight.
func TestGatherCollectErrorsResolvesAfterCallerCancel(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	child1 := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		return nil, coro.Sleep(ctx, time.Hour)
	})
	child2 := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		return nil, coro.Sleep(ctx, time.Hour)
	})

	started := make(chan struct{})
	var results []coro.Result
	parent := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		close(started)
		var err error
		results, err = coro.GatherCollectErrors(ctx, child1, child2)
		return nil, err
	})

	<-started
	parent.Cancel()
	waitDone(t, parent, child1, child2)

	if _, err := parent.Result(); err != nil {
		t.Fatalf("expected the aggregate to resolve despite the cancellation, got %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for i, r := range results {
		if !coro.IsCancelled(r.Err) {
			t.Errorf("expected child %d's slot to carry ErrCancelled, got %v", i, r.Err)
		}
	}
}

// Cancelling the caller of a pending Gather cancels the children and then
// reports their settled outcomes — normally the first child's ErrCancelled.
func TestGatherReportsChildOutcomesAfterCallerCancel(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	child := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		return nil, coro.Sleep(ctx, time.Hour)
	})

	started := make(chan struct{})
	parent := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		close(started)
		return coro.Gather(ctx, child)
	})

	<-started
	parent.Cancel()
	waitDone(t, parent, child)

	if !child.Cancelled() {
		t.Error("expected the child to be cancelled alongside its aggregate")
	}
	if _, err := parent.Result(); !coro.IsCancelled(err) {
		t.Errorf("expected the settled child's ErrCancelled to propagate, got %v", err)
	}
}

// Three awaitables sleeping 30ms, 10ms and 20ms must be yielded in
// completion order (the second, then the third, then the first), not in
// xs's input order.
func TestAsCompletedOrdering(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	var order []int
	parent := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		delays := []time.Duration{30 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}
		xs := make([]any, len(delays))
		for i, d := range delays {
			i, d := i, d
			xs[i] = coro.Go(func(ctx context.Context) (any, error) {
				if err := coro.Sleep(ctx, d); err != nil {
					return nil, err
				}
				return i, nil
			})
		}
		for v, err := range coro.AsCompleted(ctx, xs) {
			if err != nil {
				return nil, err
			}
			order = append(order, v.(int))
		}
		return nil, nil
	})

	waitDone(t, parent)
	if _, err := parent.Result(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 0 {
		t.Errorf("expected completion order [1 2 0], got %v", order)
	}
}

// TestAsCompletedTimeoutYieldsOnePerOutstanding covers the fix for a timeout
// that fires while more than one awaitable is still outstanding: the
// iterator must still yield exactly len(xs) times, with one ErrTimeout per
// awaitable that had not completed when the deadline elapsed.
func TestAsCompletedTimeoutYieldsOnePerOutstanding(t *testing.T) {
	_, ctx, stop := newTestLoop(t)
	defer stop()

	var results []error
	parent := coro.Spawn(ctx, func(ctx context.Context) (any, error) {
		fast := coro.Go(func(ctx context.Context) (any, error) {
			coro.Sleep(ctx, 5*time.Millisecond)
			return "fast", nil
		})
		slow1 := coro.Go(func(ctx context.Context) (any, error) {
			coro.Sleep(ctx, time.Hour)
			return "slow1", nil
		})
		slow2 := coro.Go(func(ctx context.Context) (any, error) {
			coro.Sleep(ctx, time.Hour)
			return "slow2", nil
		})

		for _, err := range coro.AsCompleted(ctx, []any{fast, slow1, slow2}, 20*time.Millisecond) {
			results = append(results, err)
		}
		return nil, nil
	})

	waitDone(t, parent)
	if _, err := parent.Result(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected exactly len(xs)=3 yields regardless of the timeout, got %d", len(results))
	}
	if results[0] != nil {
		t.Errorf("expected the fast awaitable to complete before the timeout fired, got err %v", results[0])
	}
	if !coro.IsTimeout(results[1]) || !coro.IsTimeout(results[2]) {
		t.Errorf("expected one ErrTimeout per still-outstanding awaitable, got %v", results[1:])
	}
}
