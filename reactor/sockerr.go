package reactor

import (
	"os"

	"golang.org/x/sys/unix"
)

// socketError reads and clears SO_ERROR on fd, the pending asynchronous
// error a hangup/error readiness edge signals. A zero SO_ERROR (hup with
// no recorded errno, e.g. a clean peer half-close) still must produce a
// non-nil error so Cancel never drains with a nil reason.
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if errno == 0 {
		return ErrEOF
	}
	return os.NewSyscallError("socket", unix.Errno(errno))
}
