package reactor

import "github.com/pkg/errors"

// Canonical error kinds delivered to operation continuations. They are
// sentinels: callers compare with errors.Is, never by string.
var (
	// ErrCanceled is delivered to every operation drained by Cancel.
	ErrCanceled = errors.New("reactor: operation canceled")
	// ErrTimedOut names an expired per-operation deadline. Nothing in this
	// module delivers it: Handles and Op Queues carry no deadlines.
	ErrTimedOut = errors.New("reactor: operation timed out")
	// ErrStopped is delivered to ops still pending when the Reactor is closed.
	ErrStopped = errors.New("reactor: reactor stopped")
	// ErrEOF is the cancellation reason socket dispatch delivers when a
	// Handle reports hangup with no pending socket error (the peer closed
	// the stream). The signal package never delivers it.
	ErrEOF = errors.New("reactor: end of file")
	// ErrWouldBlock is the internal re-arm sentinel an Operation passes to
	// AddReadOp/AddWriteOp to say "not ready yet, wait for the next edge".
	// It is never delivered to a user handler.
	ErrWouldBlock = errors.New("reactor: operation would block")
)
