// Package timerqueue provides an earliest-deadline-first timer heap that
// implements reactor.TimerQueue: the structure a Reactor consults on every
// Poll to bound its wait and to fire expired timers.
package timerqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/lucidio/aionet/reactor"
)

// Callback runs on the Reactor's Executor when a timer's deadline has
// passed. It receives no error: a timer canceled first never runs its
// callback at all, since Cancel suppresses it rather than delivering a
// cancellation error.
type Callback func(ctx context.Context, ex *reactor.Executor)

// Handle identifies a scheduled timer for Cancel. It is comparable and
// safe to retain past the timer's expiry (Cancel on an already-fired or
// already-canceled Handle is a harmless no-op).
type Handle uint64

// Queue is a concrete, goroutine-safe reactor.TimerQueue backed by a
// binary min-heap ordered by deadline, the idiomatic replacement for a
// fixed-precision time wheel when a Reactor needs an exact "time until
// next deadline" to compute its multiplexer wait budget.
type Queue struct {
	mu   sync.Mutex
	r    *reactor.Reactor
	h    entryHeap
	next atomic.Uint64
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Startup binds the queue to r. The heap-backed Queue owns no descriptor
// of its own — it is driven by WaitDuration/GetReadyTimers from r's poll
// loop — but it keeps r so that Schedule can interrupt a wait already in
// flight when a new deadline lands ahead of the one the wait was sized to.
func (q *Queue) Startup(r *reactor.Reactor) error {
	q.mu.Lock()
	q.r = r
	q.mu.Unlock()
	return nil
}

type entry struct {
	handle   Handle
	deadline time.Time
	cb       Callback
	canceled bool
	index    int
}

type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Schedule arranges for cb to run at or after deadline and returns a
// Handle that Cancel can later use to suppress it. If the new deadline
// is the earliest in the queue, a Reactor blocked in Poll is woken so it
// can re-derive its wait budget.
func (q *Queue) Schedule(deadline time.Time, cb Callback) Handle {
	q.mu.Lock()
	h := Handle(q.next.Add(1))
	heap.Push(&q.h, &entry{handle: h, deadline: deadline, cb: cb})
	wake := q.h[0].handle == h
	r := q.r
	q.mu.Unlock()
	if wake && r != nil {
		_ = r.Interrupt()
	}
	return h
}

// After is Schedule for a relative delay.
func (q *Queue) After(d time.Duration, cb Callback) Handle {
	return q.Schedule(time.Now().Add(d), cb)
}

// Cancel prevents handle's callback from firing, if it has not already.
// The entry is found by a linear scan of the heap and marked rather than
// removed from the heap's interior; it is dropped lazily the next time it
// reaches the top.
func (q *Queue) Cancel(handle Handle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.h {
		if e.handle == handle {
			e.canceled = true
			return
		}
	}
}

// WaitDuration implements reactor.TimerQueue: the time until the earliest
// live deadline, capped at ceiling, or ceiling itself with an empty queue.
func (q *Queue) WaitDuration(ceiling time.Duration) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.h) > 0 && q.h[0].canceled {
		heap.Pop(&q.h)
	}
	if len(q.h) == 0 {
		return ceiling
	}
	d := time.Until(q.h[0].deadline)
	if d < 0 {
		return 0
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// GetReadyTimers implements reactor.TimerQueue: pops and runs every entry
// whose deadline has passed, posting each callback to ex so a slow
// handler cannot stall the poll loop that called GetReadyTimers.
func (q *Queue) GetReadyTimers(ctx context.Context, ex *reactor.Executor) {
	now := time.Now()
	var due []*entry
	q.mu.Lock()
	for len(q.h) > 0 && !q.h[0].deadline.After(now) {
		e := heap.Pop(&q.h).(*entry)
		if !e.canceled {
			due = append(due, e)
		}
	}
	q.mu.Unlock()
	for _, e := range due {
		cb := e.cb
		_ = ex.Post(ctx, func(ctx context.Context) { cb(ctx, ex) })
	}
}
