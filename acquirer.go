package coro

import "context"

// Acquirer is implemented by the synchronization primitives in coro/sync
// (Lock, Semaphore, Condition) so that "yielding" one of them directly —
// `coro.Await(ctx, mu)` instead of calling mu.Acquire explicitly — works as
// sugar, matching asyncio's old `await lock` shorthand. Await lifts an
// Acquirer into a child Task that blocks in Acquire.
type Acquirer interface {
	Acquire(ctx context.Context) error
}
