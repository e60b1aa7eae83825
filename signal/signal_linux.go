//go:build linux
// +build linux

package signal

import (
	"context"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lucidio/aionet/reactor"
)

// linuxBackend delivers signals through one signalfd, the single ordinary
// pollable fd the kernel reports readable each time a masked signal
// arrives. Unlike BSD there is exactly one kernel subscription object
// here regardless of how many signals are in the set; addSignal/
// removeSignal only ever update its mask.
type linuxBackend struct {
	fd   int
	mask unix.Sigset_t
	s    *Set
}

func newBackend(r *reactor.Reactor, s *Set) (*reactor.Handle, backend, error) {
	var empty unix.Sigset_t
	fd, err := unix.Signalfd(-1, &empty, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
	if err != nil {
		return nil, nil, os.NewSyscallError("signalfd", err)
	}
	lb := &linuxBackend{fd: fd, s: s}
	h := reactor.NewSignalHandle(r, fd, lb.dispatch)
	if err := h.Register(); err != nil {
		_ = unix.Close(fd)
		return nil, nil, err
	}
	return h, lb, nil
}

func (lb *linuxBackend) dispatch(
	ctx context.Context, ex *reactor.Executor, h *reactor.Handle, readable, writable, hup bool, signo int,
) {
	if !readable {
		return
	}
	size := int(unsafe.Sizeof(unix.SignalfdSiginfo{}))
	buf := make([]byte, size)
	for {
		n, err := unix.Read(lb.fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			break
		}
		if n < size {
			break
		}
		info := (*unix.SignalfdSiginfo)(unsafe.Pointer(&buf[0]))
		lb.s.pushPending(Signal(info.Signo), nil)
		h.NotifyReadable(ctx, ex)
	}
}

func (lb *linuxBackend) addSignal(sig Signal) error {
	lb.setBit(sig, true)
	if err := lb.apply(); err != nil {
		// Roll back so the shadow mask, thread mask and signalfd mask
		// stay pairwise consistent even when the kernel call fails.
		lb.setBit(sig, false)
		_ = lb.apply()
		return err
	}
	return nil
}

func (lb *linuxBackend) removeSignal(sig Signal) error {
	lb.setBit(sig, false)
	if err := lb.apply(); err != nil {
		lb.setBit(sig, true)
		_ = lb.apply()
		return err
	}
	return nil
}

func (lb *linuxBackend) clear() error {
	lb.mask = unix.Sigset_t{}
	return lb.apply()
}

func (lb *linuxBackend) setBit(sig Signal, on bool) {
	idx := (int(sig) - 1) / 64
	pos := uint((int(sig) - 1) % 64)
	if on {
		lb.mask.Val[idx] |= 1 << pos
	} else {
		lb.mask.Val[idx] &^= 1 << pos
	}
}

func (lb *linuxBackend) apply() error {
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &lb.mask, nil); err != nil {
		return os.NewSyscallError("pthread_sigmask", err)
	}
	if _, err := unix.Signalfd(lb.fd, &lb.mask, 0); err != nil {
		return os.NewSyscallError("signalfd", err)
	}
	return nil
}
