package coro

import (
	"log/slog"
	"reflect"
	"runtime"
	"sync"

	"go.uber.org/atomic"
)

// Future is a single-assignment completion cell with fan-out callbacks — the
// universal synchronization object Task and every combinator in this package
// are built on.
//
// A Future is bound to one EventLoopPort at construction. Awaiting it, or
// passing it to a combinator such as Gather, from a Task on a different loop
// fails with ErrCrossLoop (EnsureTask panics with it instead), since composing
// across loops would silently break the single-threaded scheduling guarantee.
type Future interface {
	// Result returns the stored value, blocking never — it is non-blocking by
	// construction, since Future never runs a coroutine itself. Returns
	// ErrInvalidState while pending, ErrCancelled if cancelled, or the stored
	// error if finished with one.
	Result() (any, error)

	// Exception returns the stored error, or nil on success. Returns
	// ErrInvalidState while pending.
	Exception() (error, error)

	// Done reports whether the Future is terminal (resolved or cancelled).
	Done() bool

	// Cancelled reports whether the Future is in the Cancelled state.
	Cancelled() bool

	// Cancel transitions a pending Future to Cancelled, returning true. On an
	// already-terminal Future it is a no-op returning false.
	Cancel() bool

	// SetResult resolves a pending Future with v. Panics with ErrInvalidState
	// if the Future isn't pending.
	SetResult(v any)

	// SetException resolves a pending Future with err. Panics with
	// ErrInvalidState if the Future isn't pending.
	SetException(err error)

	// AddDoneCallback appends cb to the callback list. If the Future is
	// already terminal, cb is instead enqueued immediately via the owning
	// loop's CallSoon — it is never invoked inline from the calling stack.
	AddDoneCallback(cb func(Future))

	// RemoveDoneCallback removes every callback equal to cb (by code
	// pointer — see funcPointer in this file) and returns how many were
	// removed.
	RemoveDoneCallback(cb func(Future)) int

	// Loop returns the EventLoopPort this Future is bound to.
	Loop() EventLoopPort
}

// outcome is allocated separately from future so a GC cleanup audit of an
// unobserved exception can run without keeping the future itself reachable:
// runtime.AddCleanup requires the cleanup argument not to retain the object
// the cleanup is registered on.
type outcome struct {
	mu       sync.Mutex
	err      error
	observed bool
	label    string
}

func auditUnobservedException(o *outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil && !o.observed && !IsCancelled(o.err) {
		slog.Warn("coro: future garbage collected with an unobserved exception",
			"label", o.label, "error", o.err)
	}
}

type futureState int32

const (
	statePending futureState = iota
	stateResolved
	stateCancelled
)

type future struct {
	loop  EventLoopPort
	state atomic.Int32

	mu        sync.Mutex
	value     any
	callbacks []func(Future)

	out *outcome
}

// NewFuture creates a Pending Future bound to loop.
func NewFuture(loop EventLoopPort) Future {
	if loop == nil {
		panic("coro: NewFuture requires a non-nil loop")
	}
	f := &future{loop: loop, out: &outcome{}}
	f.state.Store(int32(statePending))
	runtime.AddCleanup(f, auditUnobservedException, f.out)
	return f
}

// NewNamedFuture is NewFuture with a diagnostic label used only in the
// unobserved-exception warning.
func NewNamedFuture(loop EventLoopPort, label string) Future {
	f := NewFuture(loop).(*future)
	f.out.label = label
	return f
}

func (f *future) Loop() EventLoopPort { return f.loop }

func (f *future) Done() bool {
	return futureState(f.state.Load()) != statePending
}

func (f *future) Cancelled() bool {
	return futureState(f.state.Load()) == stateCancelled
}

func (f *future) Result() (any, error) {
	switch futureState(f.state.Load()) {
	case statePending:
		return nil, ErrInvalidState
	case stateCancelled:
		f.markObserved()
		return nil, ErrCancelled
	default:
		f.markObserved()
		f.mu.Lock()
		v, err := f.value, f.out.err
		f.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

func (f *future) Exception() (error, error) {
	switch futureState(f.state.Load()) {
	case statePending:
		return nil, ErrInvalidState
	case stateCancelled:
		f.markObserved()
		return nil, ErrCancelled
	default:
		f.markObserved()
		f.mu.Lock()
		err := f.out.err
		f.mu.Unlock()
		return err, nil
	}
}

func (f *future) markObserved() {
	f.out.mu.Lock()
	f.out.observed = true
	f.out.mu.Unlock()
}

func (f *future) SetResult(v any) {
	if !f.state.CompareAndSwap(int32(statePending), int32(stateResolved)) {
		panic(ErrInvalidState)
	}
	f.mu.Lock()
	f.value = v
	f.mu.Unlock()
	f.scheduleCallbacks()
}

func (f *future) SetException(err error) {
	if err == nil {
		panic("coro: SetException requires a non-nil error")
	}
	if !f.state.CompareAndSwap(int32(statePending), int32(stateResolved)) {
		panic(ErrInvalidState)
	}
	f.out.mu.Lock()
	f.out.err = err
	f.out.mu.Unlock()
	f.scheduleCallbacks()
}

func (f *future) Cancel() bool {
	if !f.state.CompareAndSwap(int32(statePending), int32(stateCancelled)) {
		return false
	}
	f.scheduleCallbacks()
	return true
}

func (f *future) scheduleCallbacks() {
	f.mu.Lock()
	cbs := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()
	for _, cb := range cbs {
		cb := cb
		f.loop.CallSoon(func() { cb(f) })
	}
}

func (f *future) AddDoneCallback(cb func(Future)) {
	if cb == nil {
		return
	}
	f.mu.Lock()
	if futureState(f.state.Load()) == statePending {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.loop.CallSoon(func() { cb(f) })
}

func (f *future) RemoveDoneCallback(cb func(Future)) int {
	if cb == nil {
		return 0
	}
	target := funcPointer(cb)
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.callbacks[:0]
	removed := 0
	for _, existing := range f.callbacks {
		if funcPointer(existing) == target {
			removed++
			continue
		}
		kept = append(kept, existing)
	}
	f.callbacks = kept
	return removed
}

// funcPointer identifies a func value by its code pointer. Go func values
// aren't comparable with ==, so AddDoneCallback/RemoveDoneCallback pairs rely
// on identifying the same function literal or method value by that pointer.
// Every closure created from one function literal shares its code pointer,
// whether it captures variables or not, so removing one such closure also
// removes any other closure from the same literal registered on this Future.
func funcPointer(cb func(Future)) uintptr {
	return reflect.ValueOf(cb).Pointer()
}

func (s futureState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateResolved:
		return "resolved"
	case stateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
