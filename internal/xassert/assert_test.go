package xassert

import (
	"errors"
	"testing"
)

func TestAssert(t *testing.T) {
	t.Run("true does not panic", func(t *testing.T) {
		Assert(true, "should not fire")
	})

	t.Run("false panics with message", func(t *testing.T) {
		defer func() {
			r := recover()
			if r != "boom" {
				t.Errorf("expected panic %q, got %v", "boom", r)
			}
		}()
		Assert(false, "boom")
	})
}

func TestMust(t *testing.T) {
	t.Run("returns value on nil error", func(t *testing.T) {
		v := Must(42, nil)
		if v != 42 {
			t.Errorf("expected 42, got %d", v)
		}
	})

	t.Run("panics with error", func(t *testing.T) {
		defer func() {
			r := recover()
			err, ok := r.(error)
			if !ok || !errors.Is(err, errBoom) {
				t.Errorf("expected panic wrapping errBoom, got %v", r)
			}
		}()
		Must(0, errBoom)
	})
}

var errBoom = errors.New("boom")
