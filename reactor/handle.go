package reactor

import "context"

// Kind selects the dispatch behavior a Handle's readiness events receive.
type Kind int

// Handle kinds.
const (
	// KindSocket dispatches through the two Op Queues (socket dispatch).
	KindSocket Kind = iota
	// KindInterrupter drains the self-pipe; see Interrupter.
	KindInterrupter
	// KindSignal is a Descriptor Handle specialised for signal delivery.
	KindSignal
)

// DispatchFunc overrides the default socket dispatch for a Handle. It
// runs synchronously inside Reactor.Poll, under the registry mutex: it
// must not block and should limit itself to queue bookkeeping and fast,
// non-blocking syscalls (draining a pipe, reading a signalfd record).
// signo is only meaningful for a KindSignal Handle registered against a
// kqueue backend, where one Handle's kevent registration is keyed by
// signal number rather than by its own fd; it is zero otherwise.
type DispatchFunc func(ctx context.Context, ex *Executor, h *Handle, readable, writable, hup bool, signo int)

// Handle is the per-fd runtime record: the raw descriptor, its dispatch
// kind, and one Op Queue per direction. Once registered with a Reactor
// its address must not move, since the multiplexer stores that address
// as the event's opaque cookie; callers therefore always hold Handles
// behind a pointer, never by value.
type Handle struct {
	Reactor    *Reactor
	fd         int
	kind       Kind
	dispatchFn DispatchFunc

	in  OpQueue
	out OpQueue
}

// NewHandle constructs a Handle around an already-open, non-blocking fd
// and registers it with the Reactor for read+write readiness. The
// Handle is owned by the caller (typically a socket wrapper), not by
// the Reactor, which only holds a borrowed reference between register
// and deregister.
func NewHandle(r *Reactor, fd int, kind Kind) (*Handle, error) {
	return newHandle(r, fd, kind, nil)
}

// NewHandleWithDispatch is NewHandle for a Handle whose readiness events
// bypass the default socket Op Queue dispatch (interrupters, signals).
func NewHandleWithDispatch(r *Reactor, fd int, kind Kind, fn DispatchFunc) (*Handle, error) {
	return newHandle(r, fd, kind, fn)
}

func newHandle(r *Reactor, fd int, kind Kind, fn DispatchFunc) (*Handle, error) {
	h := &Handle{Reactor: r, fd: fd, kind: kind, dispatchFn: fn}
	if err := r.register(h); err != nil {
		return nil, err
	}
	return h, nil
}

// NewSignalHandle builds a KindSignal Handle without registering it with
// the multiplexer. Signal registration is platform-specific: Linux's
// signalfd is one ordinary pollable fd (register with Register below),
// while BSD's EVFILT_SIGNAL registers one kevent per signal number
// (Reactor.RegisterSignalNumber/DeregisterSignalNumber); the signal
// package's platform backends pick whichever applies.
func NewSignalHandle(r *Reactor, fd int, fn DispatchFunc) *Handle {
	return &Handle{Reactor: r, fd: fd, kind: KindSignal, dispatchFn: fn}
}

// Register registers h for ordinary fd readiness, the Linux signalfd path.
func (h *Handle) Register() error {
	return h.Reactor.register(h)
}

// NotifyReadable drives the input Op Queue's readiness hook directly,
// for custom-dispatch Handles (signals) whose "readable" edge isn't a
// plain multiplexer event on h's own fd.
func (h *Handle) NotifyReadable(ctx context.Context, ex *Executor) {
	h.Reactor.mu.Lock()
	defer h.Reactor.mu.Unlock()
	h.in.OnReadiness(ctx, ex)
}

// FD returns the raw descriptor, for syscalls an operation must re-issue.
func (h *Handle) FD() int { return h.fd }

// Kind returns the handle's dispatch kind.
func (h *Handle) Kind() Kind { return h.kind }

// AddReadOp submits op to the input direction. See OpQueue.Submit.
func (h *Handle) AddReadOp(ctx context.Context, ex *Executor, op Operation, err error) {
	h.Reactor.mu.Lock()
	defer h.Reactor.mu.Unlock()
	h.in.Submit(ctx, ex, op, err)
}

// AddWriteOp submits op to the output direction. See OpQueue.Submit.
func (h *Handle) AddWriteOp(ctx context.Context, ex *Executor, op Operation, err error) {
	h.Reactor.mu.Lock()
	defer h.Reactor.mu.Unlock()
	h.out.Submit(ctx, ex, op, err)
}

// NextReadOp is the input direction's advance hook.
func (h *Handle) NextReadOp(ctx context.Context, ex *Executor) {
	h.Reactor.mu.Lock()
	defer h.Reactor.mu.Unlock()
	h.in.Advance(ctx, ex)
}

// NextWriteOp is the output direction's advance hook.
func (h *Handle) NextWriteOp(ctx context.Context, ex *Executor) {
	h.Reactor.mu.Lock()
	defer h.Reactor.mu.Unlock()
	h.out.Advance(ctx, ex)
}

// CancelOps cancels both directions with reason. Thread-safe; a no-op on
// a Handle with nothing pending and nothing running in either direction.
func (h *Handle) CancelOps(ctx context.Context, ex *Executor, reason error) {
	h.Reactor.mu.Lock()
	defer h.Reactor.mu.Unlock()
	h.in.Cancel(ctx, ex, reason)
	h.out.Cancel(ctx, ex, reason)
}

// Close deregisters the Handle from its Reactor. Closing the underlying
// fd remains the owner's responsibility, matching the ownership summary:
// the Reactor never owns the fd or the Handle.
func (h *Handle) Close() error {
	return h.Reactor.deregister(h)
}

// dispatch is invoked by Reactor.Poll, under the registry mutex, once
// per readiness event reported against this Handle.
func (h *Handle) dispatch(ctx context.Context, ex *Executor, readable, writable, hup bool, signo int) {
	if h.dispatchFn != nil {
		h.dispatchFn(ctx, ex, h, readable, writable, hup, signo)
		return
	}
	h.socketDispatch(ctx, ex, readable, writable, hup)
}

// socketDispatch routes a readiness event to the Op Queues: hangup
// cancels both directions with the socket's pending error, otherwise
// each ready direction gets one readiness pop.
func (h *Handle) socketDispatch(ctx context.Context, ex *Executor, readable, writable, hup bool) {
	if hup {
		errno := socketError(h.fd)
		h.in.Cancel(ctx, ex, errno)
		h.out.Cancel(ctx, ex, errno)
		return
	}
	if readable {
		h.in.OnReadiness(ctx, ex)
	}
	if writable {
		h.out.OnReadiness(ctx, ex)
	}
}
