//go:build freebsd || dragonfly || darwin
// +build freebsd dragonfly darwin

package reactor

import (
	"os"

	"golang.org/x/sys/unix"
)

// newPipe creates the Interrupter's anonymous pipe. Darwin has no pipe2,
// so the flags are applied with fcntl after the fact; the window between
// pipe and fcntl is harmless here since nothing else can see the fds yet.
func newPipe() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, os.NewSyscallError("pipe", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			closePair(fds)
			return -1, -1, os.NewSyscallError("fcntl", err)
		}
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
			closePair(fds)
			return -1, -1, os.NewSyscallError("fcntl", err)
		}
	}
	return fds[0], fds[1], nil
}

func closePair(fds [2]int) {
	_ = unix.Close(fds[0])
	_ = unix.Close(fds[1])
}
