//go:build freebsd || dragonfly || darwin
// +build freebsd dragonfly darwin

package signal

import (
	"context"
	gosignal "os/signal"
	"syscall"

	"github.com/lucidio/aionet/reactor"
)

// bsdBackend delivers signals through kqueue's EVFILT_SIGNAL, one kevent
// registration per signal number rather than Linux's single signalfd.
// EVFILT_SIGNAL observes a delivery regardless of what the process's
// handler does with it, so suppressing the default disposition is enough;
// the Go runtime owns the thread signal masks here, and os/signal.Ignore
// is the supported way to park a disposition without fighting it.
type bsdBackend struct {
	r *reactor.Reactor
	h *reactor.Handle
	s *Set
}

func newBackend(r *reactor.Reactor, s *Set) (*reactor.Handle, backend, error) {
	bb := &bsdBackend{r: r, s: s}
	h := reactor.NewSignalHandle(r, -1, bb.dispatch)
	bb.h = h
	return h, bb, nil
}

func (bb *bsdBackend) dispatch(
	ctx context.Context, ex *reactor.Executor, h *reactor.Handle, readable, writable, hup bool, signo int,
) {
	if !readable || signo == 0 {
		return
	}
	bb.s.pushPending(Signal(signo), nil)
	h.NotifyReadable(ctx, ex)
}

func (bb *bsdBackend) addSignal(sig Signal) error {
	gosignal.Ignore(syscall.Signal(sig))
	if err := bb.r.RegisterSignalNumber(int(sig), bb.h); err != nil {
		gosignal.Reset(syscall.Signal(sig))
		return err
	}
	return nil
}

func (bb *bsdBackend) removeSignal(sig Signal) error {
	if err := bb.r.DeregisterSignalNumber(int(sig)); err != nil {
		return err
	}
	gosignal.Reset(syscall.Signal(sig))
	return nil
}

func (bb *bsdBackend) clear() error {
	// Per-signal kevents and dispositions are released by removeSignal;
	// there is no set-wide kernel object to reset, unlike signalfd.
	return nil
}
