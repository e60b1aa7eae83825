package reactor

import (
	"context"
	"os"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Interrupter is the portable self-pipe used to wake a goroutine blocked
// in a multiplexer wait: a write to one end becomes a readable edge on
// the other, which Poll reports like any other Handle. Coalesced, so any
// number of concurrent Interrupt calls between two wakeups cost one byte.
type Interrupter struct {
	h       *Handle
	readFD  int
	writeFD int
	armed   atomic.Bool
}

func newInterrupter(r *Reactor) (*Interrupter, error) {
	readFD, writeFD, err := newPipe()
	if err != nil {
		return nil, err
	}
	itr := &Interrupter{readFD: readFD, writeFD: writeFD}
	h, err := NewHandleWithDispatch(r, itr.readFD, KindInterrupter, itr.dispatch)
	if err != nil {
		_ = unix.Close(readFD)
		_ = unix.Close(writeFD)
		return nil, err
	}
	itr.h = h
	return itr, nil
}

// interrupt wakes a goroutine currently in Poll. Safe from any goroutine,
// including one already running inside the Reactor.
func (it *Interrupter) interrupt() error {
	if !it.armed.CompareAndSwap(false, true) {
		return nil
	}
	for {
		_, err := unix.Write(it.writeFD, []byte{1})
		if err == nil || err == unix.EAGAIN {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return os.NewSyscallError("write", err)
	}
}

// dispatch drains every byte written since the last wakeup and re-arms.
func (it *Interrupter) dispatch(ctx context.Context, ex *Executor, h *Handle, readable, writable, hup bool, signo int) {
	if !readable {
		return
	}
	it.armed.Store(false)
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(it.readFD, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases both pipe fds and deregisters the Handle.
func (it *Interrupter) Close() error {
	if err := it.h.Close(); err != nil {
		return err
	}
	_ = unix.Close(it.readFD)
	return os.NewSyscallError("close", unix.Close(it.writeFD))
}
