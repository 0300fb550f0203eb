// Package loop provides the reference coro.EventLoopPort: a single-threaded
// ready-callback queue backed by github.com/gammazero/deque, a timer
// min-heap over container/heap, and panic-isolated callback dispatch via
// internal/safe so one misbehaving callback can't take the loop down.
package loop

import (
	"container/heap"
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"coro"
	"coro/internal/safe"
)

// Options configures a Loop. A nil *Options is valid and selects defaults.
type Options struct {
	// Logger receives one Error record per callback that panics while Run
	// dispatches it (panics of callbacks drained by Close are returned
	// instead). Defaults to slog.Default().
	Logger *slog.Logger
	// Clock overrides Now and the reference point CallLater schedules
	// against — a test seam, defaulting to time.Now.
	Clock func() time.Time
}

func (o *Options) validate() error {
	return nil
}

// Loop is the reference EventLoopPort: CallSoon/CallLater may be invoked
// from any goroutine (executor.Run depends on this), but Run itself must
// only ever be driven by one goroutine at a time.
type Loop struct {
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	ready   *deque.Deque[func()]
	timers  timerHeap
	seq     uint64
	closed  bool
	wake    chan struct{}
}

// New creates a Loop from opts (nil selects defaults).
func New(opts *Options) (*Loop, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	l := &Loop{
		logger: slog.Default(),
		clock:  time.Now,
		ready:  deque.New[func()](),
		wake:   make(chan struct{}, 1),
	}
	if opts != nil {
		if opts.Logger != nil {
			l.logger = opts.Logger
		}
		if opts.Clock != nil {
			l.clock = opts.Clock
		}
	}
	return l, nil
}

// CallSoon implements coro.EventLoopPort.
func (l *Loop) CallSoon(cb func()) {
	l.mu.Lock()
	l.ready.PushBack(cb)
	l.mu.Unlock()
	l.notify()
}

// CallLater implements coro.EventLoopPort.
func (l *Loop) CallLater(delay time.Duration, cb func()) coro.Handle {
	l.mu.Lock()
	e := &timerEntry{at: l.clock().Add(delay), seq: l.seq, cb: cb}
	l.seq++
	heap.Push(&l.timers, e)
	l.mu.Unlock()
	l.notify()
	return e
}

// Now implements coro.EventLoopPort.
func (l *Loop) Now() time.Time { return l.clock() }

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is cancelled or Close is called, returning
// ctx.Err() in the former case and nil in the latter.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil
		}
		l.fireDueTimersLocked()
		batch := l.drainReadyLocked()
		wait := l.nextWaitLocked(len(batch) > 0)
		l.mu.Unlock()

		for _, cb := range batch {
			l.runCallback(cb)
		}
		if len(batch) > 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-l.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Close stops the loop, running whatever callbacks remain queued (with
// panic isolation) and discarding pending timers. Any panics encountered
// draining the queue are combined and returned. Safe to call more than once.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	batch := l.drainReadyLocked()
	l.timers = l.timers[:0]
	l.mu.Unlock()
	l.notify()

	var errs []error
	for _, cb := range batch {
		if err := runRecovered(cb); err != nil {
			errs = append(errs, err)
		}
	}
	return multierr.Combine(errs...)
}

func (l *Loop) fireDueTimersLocked() {
	now := l.clock()
	for l.timers.Len() > 0 && !l.timers[0].at.After(now) {
		e := heap.Pop(&l.timers).(*timerEntry)
		if e.cancelled.Load() {
			continue
		}
		l.ready.PushBack(e.cb)
	}
}

func (l *Loop) drainReadyLocked() []func() {
	n := l.ready.Len()
	if n == 0 {
		return nil
	}
	batch := make([]func(), 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, l.ready.PopFront())
	}
	return batch
}

func (l *Loop) nextWaitLocked(haveReady bool) time.Duration {
	if haveReady {
		return 0
	}
	if l.timers.Len() > 0 {
		d := l.timers[0].at.Sub(l.clock())
		if d < 0 {
			return 0
		}
		return d
	}
	return time.Hour
}

func (l *Loop) runCallback(cb func()) {
	if err := runRecovered(cb); err != nil {
		l.logger.Error("coro/loop: callback panicked", "error", err)
	}
}

func runRecovered(cb func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = safe.NewPanicError(r, debug.Stack())
		}
	}()
	cb()
	return nil
}

type timerEntry struct {
	at        time.Time
	seq       uint64
	cb        func()
	cancelled atomic.Bool
	index     int
}

// Cancel implements coro.Handle.
func (e *timerEntry) Cancel() { e.cancelled.Store(true) }

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
