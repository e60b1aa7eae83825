package reactor

import (
	"context"

	"github.com/panjf2000/ants/v2"
)

// executorKey is the context key under which an Executor marks "this
// call stack is already running as one of my workers". Go has no
// goroutine-local storage, so the current-executor check rides on the
// context handed down the handler chain rather than on an unsafe
// goroutine-id lookup.
type executorKey struct{}

// Executor is a worker-thread context that invokes operation and handler
// continuations. It is backed by a goroutine pool (one Executor per
// Reactor is typical, but nothing requires that) so that "a pool of
// worker executors" in the purpose statement has a concrete shape.
type Executor struct {
	pool *ants.Pool
}

// NewExecutor creates an Executor backed by a pool of at most size
// goroutines. size <= 0 means unbounded, matching ants' own convention.
func NewExecutor(size int) (*Executor, error) {
	pool, err := ants.NewPool(size, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}
	return &Executor{pool: pool}, nil
}

// Post submits fn to run on a pool worker. The context handed to fn is
// marked as running on this Executor, so a nested Dispatch from within fn
// takes the inline fast path instead of hopping through the pool again.
func (e *Executor) Post(ctx context.Context, fn func(ctx context.Context)) error {
	marked := context.WithValue(ctx, executorKey{}, e)
	return e.pool.Submit(func() { fn(marked) })
}

// Dispatch runs fn inline if ctx shows the calling goroutine is already
// executing as one of this Executor's workers; otherwise it posts fn to
// the pool. This is the "dispatch vs. post" distinction from the
// concurrency model: synchronous completions avoid a trip through the
// scheduler when it is safe to do so.
func (e *Executor) Dispatch(ctx context.Context, fn func(ctx context.Context)) {
	if cur, _ := ctx.Value(executorKey{}).(*Executor); cur == e {
		fn(ctx)
		return
	}
	_ = e.Post(ctx, fn)
}

// Running reports whether ctx is currently executing on e.
func (e *Executor) Running(ctx context.Context) bool {
	cur, _ := ctx.Value(executorKey{}).(*Executor)
	return cur == e
}

// Release stops accepting new work. Tasks already running are not
// interrupted and finish on their own; Release does not wait for them.
func (e *Executor) Release() {
	e.pool.Release()
}
