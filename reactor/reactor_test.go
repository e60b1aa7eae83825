package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestReactor(t *testing.T) (*Reactor, *Executor) {
	t.Helper()
	ex := newTestExecutor(t)
	r, err := New(ex)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, ex
}

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// readOneByte is a read Operation that re-submits itself on would-block and
// appends the byte it read, plus whatever error it observed, to a shared log
// once it finally succeeds.
type readOneByte struct {
	h   *Handle
	log *opLog
}

func (o *readOneByte) Perform(ctx context.Context, ex *Executor, err error) {
	if err != nil {
		o.log.record("err:"+err.Error(), nil)
		return
	}
	buf := make([]byte, 1)
	n, rerr := unix.Read(o.h.FD(), buf)
	if rerr == unix.EAGAIN {
		o.h.AddReadOp(ctx, ex, o, ErrWouldBlock)
		return
	}
	if rerr != nil {
		o.log.record("err:"+rerr.Error(), nil)
		return
	}
	if n == 0 {
		o.log.record("eof", nil)
		return
	}
	o.log.record(string(buf[0:1]), nil)
	o.h.NextReadOp(ctx, ex)
}

// Scenario A: operations submitted against a Handle's read direction are
// delivered in FIFO submission order as bytes trickle in one at a time.
func TestReactor_FIFOUnderContention(t *testing.T) {
	r, ex := newTestReactor(t)
	clientFD, serverFD := socketpair(t)

	h, err := NewHandle(r, serverFD, KindSocket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, 2)

	log := newOpLog(3)
	for i := 0; i < 3; i++ {
		op := &readOneByte{h: h, log: log}
		h.AddReadOp(ctx, ex, op, nil)
	}

	// Stagger the writes so each byte arrives as its own readiness edge.
	for _, b := range []byte("xyz") {
		_, werr := unix.Write(clientFD, []byte{b})
		require.NoError(t, werr)
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, []string{"x", "y", "z"}, log.wait(t))
}

// Scenario E: Interrupt wakes a goroutine blocked in Poll promptly, rather
// than leaving it parked until the next timer ceiling.
func TestReactor_InterruptWakesBlockedPoll(t *testing.T) {
	r, _ := newTestReactor(t)

	returned := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		returned <- r.Poll(context.Background(), true)
	}()

	// Give Poll a chance to actually enter the multiplexer wait before
	// interrupting it, without depending on exact timing.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Interrupt())

	select {
	case err := <-returned:
		assert.NoError(t, err)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Interrupt did not wake a blocked Poll within 100ms")
	}
	wg.Wait()
}

// Poll on a closed Reactor reports ErrStopped rather than blocking.
func TestReactor_PollAfterCloseReturnsErrStopped(t *testing.T) {
	r, _ := newTestReactor(t)
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Poll(context.Background(), false), ErrStopped)
}

// Close is idempotent: a second call is a harmless no-op, not an error.
func TestReactor_CloseIsIdempotent(t *testing.T) {
	r, _ := newTestReactor(t)
	require.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}

// Close drains operations still pending on registered Handles with
// ErrStopped rather than leaving their handlers unfired.
func TestReactor_ClosePendingOpsObserveErrStopped(t *testing.T) {
	r, ex := newTestReactor(t)
	_, serverFD := socketpair(t)

	h, err := NewHandle(r, serverFD, KindSocket)
	require.NoError(t, err)

	log := newOpLog(1)
	op := &recordingOp{label: "pending", log: log}
	// Park the op, unblocked, at the queue head as a would-block re-queue
	// does; no readiness edge will ever arrive for it.
	h.AddReadOp(context.Background(), ex, op, ErrWouldBlock)

	require.NoError(t, r.Close())
	assert.Equal(t, []string{"pending:" + ErrStopped.Error()}, log.wait(t))
}
