package reactor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// maxWait bounds how long a single Poll call may block even with no timer
// due; it lets a Reactor that is only ever interrupted still notice a
// Close promptly instead of wedging in the multiplexer syscall forever.
const maxWait = 10 * time.Second

// muxer is the OS-specific multiplexer backing a Reactor: epoll on Linux,
// kqueue on the BSDs. reactor_linux.go and reactor_bsd.go each supply one
// implementation behind newMuxer.
type muxer interface {
	// add registers fd for readiness, tagging events with h. readOnly
	// drops the writable subscription, which an interrupter pipe neither
	// needs nor, on kqueue, necessarily supports.
	add(fd int, h *Handle, readOnly bool) error
	// remove deregisters fd.
	remove(fd int) error
	// wait blocks for at most timeout (zero means return immediately, a
	// negative value means block indefinitely) and reports ready Handles
	// together with their readable/writable/hup bits.
	wait(timeout time.Duration) ([]readyEvent, error)
	// close releases the multiplexer's own fd.
	close() error
}

// readyEvent is one multiplexer-reported readiness edge. signo is set
// only by the kqueue backend's EVFILT_SIGNAL case.
type readyEvent struct {
	handle   *Handle
	readable bool
	writable bool
	hup      bool
	signo    int
}

// TimerQueue is the earliest-deadline-first companion a Reactor consults
// on every Poll to bound its wait and to fire due timers. The timerqueue
// package provides the concrete heap-based implementation; it is pluggable
// so tests can substitute a fake clock.
type TimerQueue interface {
	// WaitDuration returns how long Poll may block, capped at ceiling.
	WaitDuration(ceiling time.Duration) time.Duration
	// GetReadyTimers invokes every timer whose deadline has passed.
	GetReadyTimers(ctx context.Context, ex *Executor)
}

// noopTimerQueue is used when a Reactor is built without a TimerQueue.
type noopTimerQueue struct{}

func (noopTimerQueue) WaitDuration(ceiling time.Duration) time.Duration { return ceiling }
func (noopTimerQueue) GetReadyTimers(context.Context, *Executor)        {}

// Reactor is the event loop core: one OS multiplexer, a registry of
// Handles, an Interrupter for cross-goroutine wakeups, an optional
// TimerQueue, and the Executor that runs every Operation it dispatches.
// Its mutex is the single source of mutual exclusion for every Handle's
// Op Queues, matching the "single registry mutex, no per-Handle locks"
// design.
type Reactor struct {
	mu      sync.Mutex
	handles map[*Handle]struct{}
	mx      muxer
	ex      *Executor
	tq      TimerQueue
	log     *zap.SugaredLogger

	interrupter *Interrupter
	stopped     atomic.Bool
}

// Option configures a Reactor at construction time.
type Option func(*Reactor)

// WithTimerQueue installs tq as the Reactor's deadline source. Without it,
// Poll blocks up to maxWait and never fires timers.
func WithTimerQueue(tq TimerQueue) Option {
	return func(r *Reactor) { r.tq = tq }
}

// WithLogger installs a logger for dispatch-path diagnostics. Without it,
// a no-op logger is used.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Reactor) { r.log = l }
}

// New builds a Reactor with its OS-specific multiplexer, executor pool,
// and self-pipe Interrupter already wired and registered.
func New(ex *Executor, opts ...Option) (*Reactor, error) {
	mx, err := newMuxer()
	if err != nil {
		return nil, errors.Wrap(err, "reactor: create multiplexer")
	}
	r := &Reactor{mx: mx, ex: ex, tq: noopTimerQueue{}, log: zap.NewNop().Sugar(), handles: make(map[*Handle]struct{})}
	for _, opt := range opts {
		opt(r)
	}
	itr, err := newInterrupter(r)
	if err != nil {
		_ = mx.close()
		return nil, errors.Wrap(err, "reactor: create interrupter")
	}
	r.interrupter = itr
	return r, nil
}

// register is called by NewHandle/NewHandleWithDispatch; it is not part of
// the public Handle API because a Handle always registers itself at
// construction.
func (r *Reactor) register(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.mx.add(h.fd, h, h.kind == KindInterrupter); err != nil {
		return err
	}
	r.handles[h] = struct{}{}
	return nil
}

// deregister is called by Handle.Close.
func (r *Reactor) deregister(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, h)
	return r.mx.remove(h.fd)
}

// Interrupt wakes a goroutine currently blocked in Poll. Safe to call from
// any goroutine, any number of times; coalesced like the source's self-pipe.
func (r *Reactor) Interrupt() error {
	return r.interrupter.interrupt()
}

// Poll runs one iteration of the event loop: it waits for readiness (for up
// to the lesser of maxWait and the TimerQueue's next deadline when block
// is true; it returns immediately when block is
// false), dispatches every ready Handle under the registry mutex, and then
// fires due timers. ctx is threaded through to every Operation.Perform
// reached this way.
func (r *Reactor) Poll(ctx context.Context, block bool) error {
	if r.stopped.Load() {
		return ErrStopped
	}
	timeout := time.Duration(0)
	if block {
		timeout = r.tq.WaitDuration(maxWait)
	}
	events, err := r.mx.wait(timeout)
	if err != nil {
		// A Close that raced this wait tears down the multiplexer fd out
		// from under it; report the shutdown, not the EBADF it causes.
		if r.stopped.Load() {
			return ErrStopped
		}
		return errors.Wrap(err, "reactor: multiplexer wait")
	}
	r.mu.Lock()
	for _, ev := range events {
		// The event cookie is a raw Handle address; a Handle deregistered
		// between the wait and this lock must not be dispatched.
		if _, ok := r.handles[ev.handle]; !ok {
			continue
		}
		ev.handle.dispatch(ctx, r.ex, ev.readable, ev.writable, ev.hup, ev.signo)
	}
	r.mu.Unlock()
	r.tq.GetReadyTimers(ctx, r.ex)
	return nil
}

// Run repeatedly calls Poll(ctx, true) until ctx is done or the Reactor is
// closed; n is the number of goroutines to run the loop on concurrently,
// matching "an arbitrary number of threads may call poll() concurrently on
// the same multiplexer". A single shared epoll/kqueue fd is safe for
// concurrent waiters on both backends.
func (r *Reactor) Run(ctx context.Context, n int) {
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if err := r.Poll(ctx, true); err != nil {
					if errors.Is(err, ErrStopped) {
						return
					}
					r.log.Errorw("reactor poll error", "error", err)
				}
			}
		}()
	}
	wg.Wait()
}

// Close stops the Reactor: further Poll calls return ErrStopped, every
// operation still pending on a registered Handle is drained to the
// executor with ErrStopped, and the multiplexer and interrupter fds are
// released.
func (r *Reactor) Close() error {
	if !r.stopped.CompareAndSwap(false, true) {
		return nil
	}
	ctx := context.Background()
	r.mu.Lock()
	for h := range r.handles {
		h.in.Cancel(ctx, r.ex, ErrStopped)
		h.out.Cancel(ctx, r.ex, ErrStopped)
	}
	r.handles = make(map[*Handle]struct{})
	r.mu.Unlock()
	_ = r.interrupter.Close()
	return r.mx.close()
}
