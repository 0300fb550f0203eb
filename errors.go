package coro

import (
	"errors"
	"fmt"
)

// ErrCancelled is the terminal error of a cancelled Future, and the error
// thrown into a coroutine at the suspension point where its Task honours a
// cancellation request.
var ErrCancelled = errors.New("coro: cancelled")

// ErrTimeout is returned by WaitFor, and yielded by AsCompleted once for each
// awaitable still outstanding, when a deadline elapses before completion.
var ErrTimeout = errors.New("coro: timeout")

// ErrInvalidState is returned by Future.Result and Future.Exception while the
// Future is still pending, and is the panic value of Future.SetResult and
// Future.SetException on a Future that is no longer pending.
var ErrInvalidState = errors.New("coro: invalid future state")

// ErrEmptyWaitSet is returned by Wait when given no awaitables.
var ErrEmptyWaitSet = errors.New("coro: wait requires at least one awaitable")

// ErrCrossLoop is returned when a Future or coroutine bound to one loop is
// composed with a different loop.
var ErrCrossLoop = errors.New("coro: future belongs to a different event loop")

// ErrNotAwaitable is the panic value EnsureTask raises when given a value
// that is neither a Future nor a *Coroutine, the analogue of the TypeError
// asyncio's ensure_future raises.
var ErrNotAwaitable = errors.New("coro: value is not awaitable")

// ErrUnknownReturnWhen is returned by Wait when given a ReturnWhen value
// other than AllCompleted, FirstCompleted or FirstException.
var ErrUnknownReturnWhen = errors.New("coro: unrecognized return_when mode")

// BadYield reports that a coroutine suspended on a value that was neither an
// awaitable (Future, *Coroutine, synchronization primitive) nor the bare
// scheduling-tick sentinel. The offending value is carried for diagnostics.
type BadYield struct {
	Value any
}

func (e *BadYield) Error() string {
	return fmt.Sprintf("coro: coroutine yielded an unsupported value (%#v)", e.Value)
}

// IsCancelled reports whether err is, or wraps, ErrCancelled.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsTimeout reports whether err is, or wraps, ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
