// Package signal delivers POSIX signals through the reactor instead of
// Go's own os/signal channel, so a signal wakes the same event loop a
// program's sockets and timers already run on. It is built as a Signal
// Handle: a reactor.Handle whose input Op Queue is driven not by socket
// readability but by signalfd (Linux) or kqueue's EVFILT_SIGNAL (BSD).
package signal

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/lucidio/aionet/reactor"
)

// Signal names a POSIX signal number.
type Signal int

// Signals commonly subscribed to by servers. Job-control and
// unblockable signals (SIGKILL, SIGSTOP) are deliberately omitted: the
// kernel never lets either be caught by any mechanism, reactor-backed
// or otherwise.
const (
	SIGHUP  Signal = Signal(unix.SIGHUP)
	SIGINT  Signal = Signal(unix.SIGINT)
	SIGQUIT Signal = Signal(unix.SIGQUIT)
	SIGUSR1 Signal = Signal(unix.SIGUSR1)
	SIGUSR2 Signal = Signal(unix.SIGUSR2)
	SIGTERM Signal = Signal(unix.SIGTERM)
	SIGCHLD Signal = Signal(unix.SIGCHLD)
	SIGPIPE Signal = Signal(unix.SIGPIPE)
	SIGALRM Signal = Signal(unix.SIGALRM)
)

// ErrInvalidSignal is returned by Add/Remove on a signal already in, or
// not in, the set — the bitset/kernel-mask invariant forbids a redundant
// transition rather than silently ignoring it.
var ErrInvalidSignal = errors.New("signal: invalid signal for this operation")

// backend is the platform hook a Set drives: the actual signalfd or
// EVFILT_SIGNAL plumbing, supplied by signal_linux.go / signal_bsd.go.
type backend interface {
	addSignal(sig Signal) error
	removeSignal(sig Signal) error
	clear() error
}

// Set is a Signal Handle: a per-process bitset of subscribed signals kept
// in lockstep with the kernel signal mask and the kernel subscription
// (signalfd's mask, or one kevent per signal), plus an Op Queue of
// pending waiters fed one delivered signal at a time.
type Set struct {
	r    *reactor.Reactor
	h    *reactor.Handle
	be   backend
	mask atomic.Uint64

	mu      sync.Mutex
	pending []firedSignal
}

type firedSignal struct {
	sig Signal
	err error
}

// New creates a Set with nothing subscribed yet; call Add for each signal
// of interest.
func New(r *reactor.Reactor) (*Set, error) {
	s := &Set{r: r}
	h, be, err := newBackend(r, s)
	if err != nil {
		return nil, err
	}
	s.h, s.be = h, be
	return s, nil
}

func bit(sig Signal) uint64 { return uint64(1) << uint(sig-1) }

// Add subscribes to sig: sets its bit, updates the kernel mask, and adds
// the kernel-level subscription (S1). Adding an already-subscribed signal
// is ErrInvalidSignal.
//
// On Linux the mask update reaches only the calling thread; threads the
// runtime has already spawned keep their old mask, and a process-directed
// signal delivered to one of them still takes its default disposition.
// Call Add as early in process startup as possible — ideally before any
// other goroutine has forced new OS threads into existence — so the mask
// is inherited by every thread spawned afterwards.
func (s *Set) Add(sig Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := bit(sig)
	if s.mask.Load()&b != 0 {
		return ErrInvalidSignal
	}
	if err := s.be.addSignal(sig); err != nil {
		return err
	}
	s.mask.Store(s.mask.Load() | b)
	return nil
}

// Remove reverses Add. Removing a signal not currently subscribed is
// ErrInvalidSignal.
func (s *Set) Remove(sig Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := bit(sig)
	if s.mask.Load()&b == 0 {
		return ErrInvalidSignal
	}
	if err := s.be.removeSignal(sig); err != nil {
		return err
	}
	s.mask.Store(s.mask.Load() &^ b)
	return nil
}

// Clear unsubscribes every signal currently in the set and, per S3,
// unconditionally resets the kernel-level subscription even if the
// bitset was already empty — Close relies on this to leave no kernel
// state behind regardless of what Add/Remove already did.
func (s *Set) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.mask.Load()
	for sig := Signal(1); m != 0; sig++ {
		if m&1 != 0 {
			_ = s.be.removeSignal(sig)
		}
		m >>= 1
	}
	s.mask.Store(0)
	return s.be.clear()
}

// Close implements the drop()-does-unconditional-clear() invariant (S3)
// and deregisters the underlying Handle.
func (s *Set) Close() error {
	_ = s.Clear()
	return s.h.Close()
}

// Callback receives the next delivered signal, or a non-nil err if the
// wait was canceled or the Reactor stopped before one arrived.
type Callback func(ctx context.Context, ex *reactor.Executor, sig Signal, err error)

// AsyncWait arms a one-shot waiter for the next signal this Set receives.
// Per S2, at most one async_wait may be in flight: a call made while a
// previous one is still outstanding immediately cancels it with
// ErrCanceled before installing the new one, rather than queuing behind
// it. CancelOps on an idle queue is a harmless no-op, so this is safe to
// call unconditionally.
func (s *Set) AsyncWait(ctx context.Context, ex *reactor.Executor, cb Callback) {
	var op reactor.Operation
	op = reactor.OperationFunc(func(ctx context.Context, ex *reactor.Executor, err error) {
		if err != nil {
			cb(ctx, ex, 0, err)
			return
		}
		fired, ok := s.popPending()
		if !ok {
			// Nothing delivered yet: re-arm for the next readiness edge,
			// mirroring a socket read op retrying after EWOULDBLOCK.
			s.h.AddReadOp(ctx, ex, op, reactor.ErrWouldBlock)
			return
		}
		s.h.NextReadOp(ctx, ex)
		cb(ctx, ex, fired.sig, fired.err)
	})
	s.h.CancelOps(ctx, ex, reactor.ErrCanceled)
	s.h.AddReadOp(ctx, ex, op, nil)
}

// Wait blocks until the next signal arrives, ctx is done, or the Reactor
// stops, whichever comes first.
func (s *Set) Wait(ctx context.Context, ex *reactor.Executor) (Signal, error) {
	type result struct {
		sig Signal
		err error
	}
	ch := make(chan result, 1)
	s.AsyncWait(ctx, ex, func(_ context.Context, _ *reactor.Executor, sig Signal, err error) {
		ch <- result{sig, err}
	})
	select {
	case r := <-ch:
		return r.sig, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// pushPending is called by the platform backend when the kernel reports
// a signal. It only records the signal; the backend's NotifyReadable call
// that follows wakes at most one queued waiter, mirroring edge-triggered
// OnReadiness semantics.
func (s *Set) pushPending(sig Signal, err error) {
	s.mu.Lock()
	s.pending = append(s.pending, firedSignal{sig: sig, err: err})
	s.mu.Unlock()
}

func (s *Set) popPending() (firedSignal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return firedSignal{}, false
	}
	fired := s.pending[0]
	s.pending = s.pending[1:]
	return fired, true
}
