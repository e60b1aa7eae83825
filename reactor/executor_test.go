package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Post runs fn on a pool goroutine, never the caller's own.
func TestExecutor_PostRunsOnWorker(t *testing.T) {
	ex, err := NewExecutor(4)
	require.NoError(t, err)
	defer ex.Release()

	done := make(chan bool, 1)

	var ran bool
	var mu sync.Mutex
	err = ex.Post(context.Background(), func(ctx context.Context) {
		mu.Lock()
		ran = true
		mu.Unlock()
		done <- ex.Running(ctx)
	})
	require.NoError(t, err)

	select {
	case onExecutor := <-done:
		assert.True(t, onExecutor, "fn's context should report Running == true")
	case <-time.After(2 * time.Second):
		t.Fatal("Post never ran fn")
	}
	mu.Lock()
	assert.True(t, ran)
	mu.Unlock()
}

// Dispatch from outside the Executor posts to the pool rather than running
// inline on the calling goroutine.
func TestExecutor_DispatchFromOutsidePosts(t *testing.T) {
	ex, err := NewExecutor(4)
	require.NoError(t, err)
	defer ex.Release()

	result := make(chan bool, 1)
	ex.Dispatch(context.Background(), func(ctx context.Context) {
		result <- ex.Running(ctx)
	})

	select {
	case onExecutor := <-result:
		assert.True(t, onExecutor)
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch never ran fn")
	}
}

// A Dispatch nested inside a Post's fn takes the inline fast path: it must
// not round-trip through the pool again, so it completes even when the pool
// has exactly one worker and that worker is the one calling Dispatch.
func TestExecutor_NestedDispatchRunsInline(t *testing.T) {
	ex, err := NewExecutor(1)
	require.NoError(t, err)
	defer ex.Release()

	done := make(chan struct{})
	err = ex.Post(context.Background(), func(ctx context.Context) {
		inner := false
		ex.Dispatch(ctx, func(ctx context.Context) {
			inner = true
		})
		assert.True(t, inner, "nested Dispatch must run synchronously")
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested Dispatch deadlocked waiting on its own single-worker pool")
	}
}

// Running reports false for a plain, unmarked context.
func TestExecutor_RunningFalseOutsideExecutor(t *testing.T) {
	ex, err := NewExecutor(2)
	require.NoError(t, err)
	defer ex.Release()

	assert.False(t, ex.Running(context.Background()))
}

// Release drains in-flight work rather than abandoning it.
func TestExecutor_ReleaseDrainsInFlight(t *testing.T) {
	ex, err := NewExecutor(2)
	require.NoError(t, err)

	started := make(chan struct{})
	finished := make(chan struct{})
	err = ex.Post(context.Background(), func(ctx context.Context) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		close(finished)
	})
	require.NoError(t, err)

	<-started
	ex.Release()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight work never finished after Release")
	}
}
