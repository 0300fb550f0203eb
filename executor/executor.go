// Package executor bridges blocking work out of the cooperative loop and
// back into it as a coro.Future, the escape hatch asyncio's
// loop.run_in_executor provides for CPU-bound or blocking calls a coroutine
// cannot do cooperatively. Five Pool implementations are provided: one that
// starts a plain goroutine per task, and four backed by different
// third-party worker-pool libraries; pick whichever matches the workload (bounded vs. unbounded, task-queue vs.
// request/response).
package executor

import (
	"context"
	"sync"

	"github.com/Jeffail/tunny"
	"github.com/gammazero/workerpool"
	"github.com/panjf2000/ants/v2"
	"github.com/sourcegraph/conc/pool"

	"coro"
	"coro/internal/result"
	"coro/internal/safe"
)

// Pool is the minimal worker-pool contract Run needs: accept a task,
// eventually run it, and drain on Close.
type Pool interface {
	// Submit queues fn to run on a worker. Submit itself must not block on
	// fn's completion.
	Submit(fn func()) error
	// Close drains queued work and releases pool resources.
	Close()
}

// Run submits fn to pool and returns a coro.Future that resolves with fn's
// result on ctx's event loop once fn completes, wherever pool happened to
// run it. A panic inside fn is recovered and surfaced as the Future's error.
func Run(ctx context.Context, p Pool, fn func() (any, error)) coro.Future {
	loop := coro.LoopFromContext(ctx)
	if loop == nil {
		panic("executor: ctx carries no event loop; call coro.WithLoop first")
	}
	f := coro.NewFuture(loop)

	submit := safe.WithRecover(func() {
		r := result.Of(fn())
		loop.CallSoon(func() {
			if f.Done() {
				return
			}
			v, err := r.Get()
			if err != nil {
				f.SetException(err)
				return
			}
			f.SetResult(v)
		})
	}, func(perr error) {
		loop.CallSoon(func() {
			if !f.Done() {
				f.SetException(perr)
			}
		})
	})

	if err := p.Submit(submit); err != nil {
		loop.CallSoon(func() {
			if !f.Done() {
				f.SetException(err)
			}
		})
	}
	return f
}

// PoolOfGoroutines is the unbounded Pool: every Submit gets its own
// goroutine. Appropriate for short, numerous, low-memory tasks.
type PoolOfGoroutines struct {
	wg sync.WaitGroup
}

// NewPoolOfGoroutines creates an unbounded Pool.
func NewPoolOfGoroutines() *PoolOfGoroutines {
	return &PoolOfGoroutines{}
}

func (p *PoolOfGoroutines) Submit(fn func()) error {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
	return nil
}

func (p *PoolOfGoroutines) Close() { p.wg.Wait() }

// PoolOfAnts bounds concurrency with a panjf2000/ants goroutine pool, which
// reuses worker goroutines instead of spawning one per task.
type PoolOfAnts struct {
	pool *ants.Pool
}

// NewPoolOfAnts creates a Pool backed by an ants.Pool with size workers.
func NewPoolOfAnts(size int) (*PoolOfAnts, error) {
	p, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}
	return &PoolOfAnts{pool: p}, nil
}

func (p *PoolOfAnts) Submit(fn func()) error { return p.pool.Submit(fn) }
func (p *PoolOfAnts) Close()                 { p.pool.Release() }

// PoolOfConc bounds concurrency with sourcegraph/conc's structured pool,
// which recovers and re-panics task panics on Wait in addition to this
// package's own recovery in Run.
type PoolOfConc struct {
	pool *pool.Pool
}

// NewPoolOfConc creates a Pool backed by a conc pool capped at maxGoroutines.
func NewPoolOfConc(maxGoroutines int) *PoolOfConc {
	return &PoolOfConc{pool: pool.New().WithMaxGoroutines(maxGoroutines)}
}

func (p *PoolOfConc) Submit(fn func()) error {
	p.pool.Go(fn)
	return nil
}

func (p *PoolOfConc) Close() { p.pool.Wait() }

// PoolOfWorkerpool bounds concurrency with gammazero/workerpool's
// FIFO task queue.
type PoolOfWorkerpool struct {
	wp *workerpool.WorkerPool
}

// NewPoolOfWorkerpool creates a Pool backed by a workerpool.WorkerPool with
// size workers.
func NewPoolOfWorkerpool(size int) *PoolOfWorkerpool {
	return &PoolOfWorkerpool{wp: workerpool.New(size)}
}

func (p *PoolOfWorkerpool) Submit(fn func()) error {
	p.wp.Submit(fn)
	return nil
}

func (p *PoolOfWorkerpool) Close() { p.wp.StopWait() }

// PoolOfTunny bounds concurrency with Jeffail/tunny, a fixed-size
// request/response worker pool. Each Submit hands its task to one free
// worker off its own goroutine, since tunny.Pool.Process blocks the caller
// until the worker finishes.
type PoolOfTunny struct {
	pool *tunny.Pool
}

// NewPoolOfTunny creates a Pool backed by size tunny workers.
func NewPoolOfTunny(size int) *PoolOfTunny {
	p := tunny.NewFunc(size, func(payload any) any {
		fn := payload.(func())
		fn()
		return nil
	})
	return &PoolOfTunny{pool: p}
}

func (p *PoolOfTunny) Submit(fn func()) error {
	go p.pool.Process(fn)
	return nil
}

func (p *PoolOfTunny) Close() { p.pool.Close() }
