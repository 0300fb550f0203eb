// Package coro is a single-threaded cooperative task runtime in the shape of
// Python's asyncio core: a Future completion cell, Task driving a suspendable
// CoroutineFunc to completion, and the combinators (Wait, Gather, Shield,
// WaitFor, AsCompleted, Sleep) built on top of them.
//
// Coroutines are ordinary Go functions of type CoroutineFunc, run on their
// own stackful coroutine (built on iter.Pull) so they can suspend mid-call by
// invoking Await or Yield with the context.Context they were handed. Nothing
// about the runtime requires real OS concurrency: everything here assumes a
// single EventLoopPort driving callbacks one at a time, and the correctness
// of cancellation and the combinators depends on that assumption. Package
// coro/loop provides a reference EventLoopPort; coro/sync provides
// cooperative Lock, Semaphore and Condition primitives that suspend a Task
// the same way a Future does; coro/executor bridges blocking work out to a
// goroutine or worker pool and back into a Future.
package coro
