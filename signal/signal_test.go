package signal

import (
	"context"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/lucidio/aionet/reactor"
)

func newTestSet(t *testing.T) (*Set, *reactor.Reactor, *reactor.Executor) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("signalfd delivery is exercised on Linux; BSD uses EVFILT_SIGNAL")
	}
	ex, err := reactor.NewExecutor(2)
	require.NoError(t, err)
	r, err := reactor.New(ex)
	require.NoError(t, err)
	s, err := New(r)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = r.Close()
		ex.Release()
	})
	return s, r, ex
}

// Adding an already-subscribed signal, or removing one never added, is
// ErrInvalidSignal rather than a silent no-op (S1's bitset/kernel-mask
// invariant forbids the redundant transition).
func TestSet_AddRemoveInvalidTransitions(t *testing.T) {
	s, _, _ := newTestSet(t)

	require.NoError(t, s.Add(SIGUSR1))
	assert.ErrorIs(t, s.Add(SIGUSR1), ErrInvalidSignal)

	require.NoError(t, s.Remove(SIGUSR1))
	assert.ErrorIs(t, s.Remove(SIGUSR1), ErrInvalidSignal)

	assert.ErrorIs(t, s.Remove(SIGUSR2), ErrInvalidSignal)
}

// Scenario D: two signals raised against this process are delivered, in
// order, to two successive Wait calls.
func TestSet_WaitDeliversRaisedSignalsInOrder(t *testing.T) {
	s, r, ex := newTestSet(t)

	require.NoError(t, s.Add(SIGHUP))
	require.NoError(t, s.Add(SIGUSR1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, 1)

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGHUP))
	first, err := waitWithTimeout(t, ctx, s, ex)
	require.NoError(t, err)
	assert.Equal(t, SIGHUP, first)

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))
	second, err := waitWithTimeout(t, ctx, s, ex)
	require.NoError(t, err)
	assert.Equal(t, SIGUSR1, second)
}

func waitWithTimeout(t *testing.T, ctx context.Context, s *Set, ex *reactor.Executor) (Signal, error) {
	t.Helper()
	type result struct {
		sig Signal
		err error
	}
	ch := make(chan result, 1)
	go func() {
		sig, err := s.Wait(ctx, ex)
		ch <- result{sig, err}
	}()
	select {
	case r := <-ch:
		return r.sig, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("Wait never observed the raised signal")
		return 0, nil
	}
}

// A second AsyncWait issued while the first is still outstanding cancels
// the first immediately with ErrCanceled, per S2's "at most one async_wait
// in flight" invariant.
func TestSet_AsyncWaitCancelsPreviousOutstandingWaiter(t *testing.T) {
	s, r, ex := newTestSet(t)
	require.NoError(t, s.Add(SIGUSR2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, 1)

	firstResult := make(chan error, 1)
	s.AsyncWait(ctx, ex, func(_ context.Context, _ *reactor.Executor, _ Signal, err error) {
		firstResult <- err
	})

	secondResult := make(chan Signal, 1)
	s.AsyncWait(ctx, ex, func(_ context.Context, _ *reactor.Executor, sig Signal, _ error) {
		secondResult <- sig
	})

	select {
	case err := <-firstResult:
		assert.ErrorIs(t, err, reactor.ErrCanceled)
	case <-time.After(2 * time.Second):
		t.Fatal("first AsyncWait was never canceled by the second")
	}

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR2))
	select {
	case sig := <-secondResult:
		assert.Equal(t, SIGUSR2, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("second AsyncWait never observed the raised signal")
	}
}
