// Package sync provides the cooperative synchronization primitives a
// coroutine can await directly: Lock, Semaphore and Condition. Unlike the
// standard library's sync package, acquiring one of these never blocks an OS
// thread — it suspends the calling coro.Task the same way awaiting any other
// Future does, queueing the waiter and waking one waiter per Lock or
// Semaphore release (Condition.Notify wakes up to n, NotifyAll all of them).
//
// Each type implements coro.Acquirer, so a coroutine can either call Acquire
// explicitly or hand the primitive straight to coro.Await as sugar.
package sync

import (
	"context"
	"sync"

	"coro"
)

// Lock is a cooperative mutual-exclusion lock, the coroutine analogue of
// asyncio.Lock. At most one Task holds it at a time; the rest queue in FIFO
// order.
type Lock struct {
	loop coro.EventLoopPort

	mu      sync.Mutex
	held    bool
	waiters []coro.Future
}

// NewLock creates an unlocked Lock bound to loop.
func NewLock(loop coro.EventLoopPort) *Lock {
	return &Lock{loop: loop}
}

// Locked reports whether the Lock is currently held.
func (l *Lock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Acquire blocks the calling coroutine until the Lock is free, then takes
// it. Implements coro.Acquirer.
func (l *Lock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	f := coro.NewFuture(l.loop)
	l.waiters = append(l.waiters, f)
	l.mu.Unlock()

	_, err := coro.Await(ctx, f)
	if err != nil {
		l.dropWaiter(f)
		return err
	}
	return nil
}

func (l *Lock) dropWaiter(target coro.Future) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, f := range l.waiters {
		if f == target {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

// Release gives up the Lock, waking the longest-waiting queued Task if any.
// Release on an unheld Lock panics.
func (l *Lock) Release() {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		panic("sync: release of unlocked Lock")
	}
	if len(l.waiters) == 0 {
		l.held = false
		l.mu.Unlock()
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	l.mu.Unlock()
	next.SetResult(nil)
}

// Semaphore limits concurrent holders to a fixed count, the coroutine
// analogue of asyncio.Semaphore. Release does not check an upper bound, so
// releasing more often than acquiring raises Available above the initial
// count.
type Semaphore struct {
	loop coro.EventLoopPort

	mu      sync.Mutex
	value   int
	waiters []coro.Future
}

// NewSemaphore creates a Semaphore bound to loop with count initial permits.
// Panics if count is negative.
func NewSemaphore(loop coro.EventLoopPort, count int) *Semaphore {
	if count < 0 {
		panic("sync: NewSemaphore requires a non-negative count")
	}
	return &Semaphore{loop: loop, value: count}
}

// Available reports how many permits can currently be acquired without
// blocking.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Acquire takes one permit, blocking the calling coroutine until one is
// free. Implements coro.Acquirer.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.value > 0 {
		s.value--
		s.mu.Unlock()
		return nil
	}
	f := coro.NewFuture(s.loop)
	s.waiters = append(s.waiters, f)
	s.mu.Unlock()

	_, err := coro.Await(ctx, f)
	if err != nil {
		s.dropWaiter(f)
		return err
	}
	return nil
}

func (s *Semaphore) dropWaiter(target coro.Future) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.waiters {
		if f == target {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// Release returns one permit, waking the longest-waiting queued Task if any.
func (s *Semaphore) Release() {
	s.mu.Lock()
	if len(s.waiters) == 0 {
		s.value++
		s.mu.Unlock()
		return
	}
	next := s.waiters[0]
	s.waiters = s.waiters[1:]
	s.mu.Unlock()
	next.SetResult(nil)
}

// Condition is a condition variable built on an externally supplied Lock,
// the coroutine analogue of asyncio.Condition.
type Condition struct {
	loop coro.EventLoopPort
	lock *Lock

	mu      sync.Mutex
	waiters []coro.Future
}

// NewCondition creates a Condition guarded by lock.
func NewCondition(loop coro.EventLoopPort, lock *Lock) *Condition {
	return &Condition{loop: loop, lock: lock}
}

// Lock returns the Lock this Condition was created with.
func (c *Condition) Lock() *Lock { return c.lock }

// Acquire acquires the guarding Lock. Implements coro.Acquirer so a
// Condition can be awaited directly the same way its Lock can.
func (c *Condition) Acquire(ctx context.Context) error {
	return c.lock.Acquire(ctx)
}

// Release releases the guarding Lock.
func (c *Condition) Release() { c.lock.Release() }

// Wait releases the guarding Lock, suspends until Notify or NotifyAll wakes
// this Task, then reacquires the Lock before returning. The Lock must be
// held when Wait is called, exactly as with asyncio.Condition.wait.
func (c *Condition) Wait(ctx context.Context) error {
	if !c.lock.Locked() {
		panic("sync: Condition.Wait called without holding the Lock")
	}
	f := coro.NewFuture(c.loop)
	c.mu.Lock()
	c.waiters = append(c.waiters, f)
	c.mu.Unlock()

	c.lock.Release()
	_, err := coro.Await(ctx, f)
	if reacErr := c.lock.Acquire(ctx); reacErr != nil && err == nil {
		err = reacErr
	}
	return err
}

// Notify wakes up to n waiters (FIFO), each of which must reacquire the Lock
// before Wait returns.
func (c *Condition) Notify(n int) {
	c.mu.Lock()
	woken := make([]coro.Future, 0, n)
	for n > 0 && len(c.waiters) > 0 {
		woken = append(woken, c.waiters[0])
		c.waiters = c.waiters[1:]
		n--
	}
	c.mu.Unlock()
	for _, f := range woken {
		f.SetResult(nil)
	}
}

// NotifyAll wakes every waiter.
func (c *Condition) NotifyAll() {
	c.mu.Lock()
	woken := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, f := range woken {
		f.SetResult(nil)
	}
}
