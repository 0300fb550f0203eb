package safe

import (
	"errors"
	"testing"
)

func TestWithRecover(t *testing.T) {
	t.Run("nil fn returns nil", func(t *testing.T) {
		if WithRecover(nil) != nil {
			t.Error("expected nil wrapper for nil fn")
		}
	})

	t.Run("no panic runs fn once", func(t *testing.T) {
		calls := 0
		WithRecover(func() { calls++ })()
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("panic is converted and handed to onPanic", func(t *testing.T) {
		var got error
		WithRecover(func() {
			panic("boom")
		}, func(err error) { got = err })()

		var perr *PanicError
		if !errors.As(got, &perr) {
			t.Fatalf("expected *PanicError, got %T", got)
		}
		if perr.Info != "boom" {
			t.Errorf("expected Info %q, got %v", "boom", perr.Info)
		}
		if len(perr.Stack) == 0 {
			t.Error("expected a non-empty stack trace")
		}
	})

	t.Run("multiple handlers all receive the panic", func(t *testing.T) {
		var a, b bool
		WithRecover(func() { panic("x") },
			func(error) { a = true },
			func(error) { b = true },
		)()
		if !a || !b {
			t.Error("expected both onPanic handlers to run")
		}
	})
}

func TestGo(t *testing.T) {
	t.Run("nil fn is a no-op", func(t *testing.T) {
		Go(nil)
	})

	t.Run("panic in a goroutine reaches onPanic", func(t *testing.T) {
		errCh := make(chan error, 1)
		Go(func() {
			panic("async boom")
		}, func(err error) { errCh <- err })

		if got := <-errCh; got == nil {
			t.Fatal("expected a recovered panic error")
		}
	})
}
