//go:build linux
// +build linux

package reactor

import (
	"os"

	"golang.org/x/sys/unix"
)

// newPipe creates the Interrupter's anonymous pipe, both ends non-blocking
// and close-on-exec in one syscall.
func newPipe() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, os.NewSyscallError("pipe2", err)
	}
	return fds[0], fds[1], nil
}
