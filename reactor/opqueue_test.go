package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingOp appends its own label (and, if err != nil, a CANCELED
// marker) to a shared, mutex-guarded log every time Perform runs, and
// optionally re-submits or advances the owning queue — letting tests
// build the exact "pending op drains / re-arms" chains the Op Queue
// contract describes.
type recordingOp struct {
	label string
	log   *opLog
	after func(ctx context.Context, ex *Executor, err error)
}

func (o *recordingOp) Perform(ctx context.Context, ex *Executor, err error) {
	o.log.record(o.label, err)
	if o.after != nil {
		o.after(ctx, ex, err)
	}
}

type opLog struct {
	mu      sync.Mutex
	entries []string
	done    chan struct{}
	want    int
}

func newOpLog(want int) *opLog {
	return &opLog{done: make(chan struct{}), want: want}
}

func (l *opLog) record(label string, err error) {
	l.mu.Lock()
	if err != nil {
		label += ":" + err.Error()
	}
	l.entries = append(l.entries, label)
	done := len(l.entries) >= l.want
	l.mu.Unlock()
	if done {
		close(l.done)
	}
}

func (l *opLog) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-l.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ops to drain")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	ex, err := NewExecutor(4)
	require.NoError(t, err)
	t.Cleanup(ex.Release)
	return ex
}

// P1/P2: submissions with no pre-observed error are delivered to the
// executor exactly once each, in FIFO submission order.
func TestOpQueue_FIFOSuccessDelivery(t *testing.T) {
	ex := newTestExecutor(t)
	ctx := context.Background()
	var q OpQueue
	log := newOpLog(3)

	q.Submit(ctx, ex, &recordingOp{label: "R1", log: log, after: func(ctx context.Context, ex *Executor, _ error) {
		q.Advance(ctx, ex)
	}}, nil)
	q.Submit(ctx, ex, &recordingOp{label: "R2", log: log, after: func(ctx context.Context, ex *Executor, _ error) {
		q.Advance(ctx, ex)
	}}, nil)
	q.Submit(ctx, ex, &recordingOp{label: "R3", log: log, after: func(ctx context.Context, ex *Executor, _ error) {
		q.Advance(ctx, ex)
	}}, nil)

	assert.Equal(t, []string{"R1", "R2", "R3"}, log.wait(t))
}

// P4: at most one operation is "in flight" at a time — a second op
// submitted while the first is still running (has not yet Advanced)
// must not be dispatched until Advance runs.
func TestOpQueue_AtMostOneInFlight(t *testing.T) {
	ex := newTestExecutor(t)
	ctx := context.Background()
	var q OpQueue

	release := make(chan struct{})
	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	done := make(chan struct{})

	first := &recordingOp{label: "first", log: newOpLog(0)}
	first.after = func(ctx context.Context, ex *Executor, _ error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		q.Advance(ctx, ex)
	}
	second := &recordingOp{label: "second", log: newOpLog(0)}
	second.after = func(ctx context.Context, ex *Executor, _ error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		mu.Lock()
		inFlight--
		mu.Unlock()
		q.Advance(ctx, ex)
		close(done)
	}

	q.Submit(ctx, ex, first, nil)
	q.Submit(ctx, ex, second, nil)
	require.Equal(t, 1, q.Len(), "second op must wait in queue while first runs")

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second op never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "at most one operation should be in flight at a time")
}

// P3 / Scenario C: a cancel that lands while R1 is running must not
// affect R1's own result, but R2 (queued behind it) must drain with
// CANCELED once R1 advances; the flag is then cleared.
func TestOpQueue_CancelDuringRunningOpDrainsQueued(t *testing.T) {
	ex := newTestExecutor(t)
	ctx := context.Background()
	var q OpQueue
	log := newOpLog(2)
	canceled := make(chan struct{})

	r1 := &recordingOp{label: "R1", log: log}
	r1.after = func(ctx context.Context, ex *Executor, _ error) {
		<-canceled // don't advance until the test has called Cancel
		q.Advance(ctx, ex)
	}
	q.Submit(ctx, ex, r1, nil)
	require.True(t, q.Blocked())

	r2 := &recordingOp{label: "R2", log: log}
	q.Submit(ctx, ex, r2, nil)
	require.Equal(t, 1, q.Len())

	q.Cancel(ctx, ex, ErrCanceled)
	require.True(t, q.Blocked(), "cancel while R1 is running must not drain immediately")
	close(canceled)

	entries := log.wait(t)
	require.Len(t, entries, 2)
	assert.Equal(t, "R1", entries[0])
	assert.Equal(t, "R2:"+ErrCanceled.Error(), entries[1])
	assert.False(t, q.Canceled(), "drain must clear canceled")
}

// Cancelling an empty, never-submitted queue is a no-op — cancellation
// of a Handle before any operation was submitted must not mark it
// canceled for a later, unrelated submission.
func TestOpQueue_CancelBeforeAnySubmission(t *testing.T) {
	ex := newTestExecutor(t)
	ctx := context.Background()
	var q OpQueue

	q.Cancel(ctx, ex, ErrCanceled)
	assert.False(t, q.Canceled())
}

// Scenario B: submit R1, let it observe "no data yet" (would-block) and
// re-queue itself as the edge-triggered discipline requires, then cancel
// before any readiness edge arrives. R1 must fire exactly once, with
// OPERATION_CANCELED.
func TestOpQueue_CancelBeforeDataDrainsRequeuedOp(t *testing.T) {
	ex := newTestExecutor(t)
	ctx := context.Background()
	var q OpQueue
	log := newOpLog(1)
	requeued := make(chan struct{})

	r1 := &recordingOp{label: "R1", log: newOpLog(0)}
	r1.after = func(ctx context.Context, ex *Executor, err error) {
		if err != nil {
			return // the CANCELED delivery; nothing further to do
		}
		// Simulate the operation finding EAGAIN and re-submitting itself
		// with the would-block error, per the edge-triggered discipline.
		r1.log = log
		q.Submit(ctx, ex, r1, ErrWouldBlock)
		close(requeued)
	}
	q.Submit(ctx, ex, r1, nil)

	select {
	case <-requeued:
	case <-time.After(2 * time.Second):
		t.Fatal("R1 never re-queued itself")
	}
	require.False(t, q.Blocked())
	require.Equal(t, 1, q.Len())

	q.Cancel(ctx, ex, ErrCanceled)

	entries := log.wait(t)
	assert.Equal(t, []string{"R1:" + ErrCanceled.Error()}, entries)
}

// A would-block submission (non-nil, non-cancel err) leaves the op at
// the head, unblocked, ready for the next readiness edge, rather than
// dispatching it.
func TestOpQueue_WouldBlockReQueues(t *testing.T) {
	ex := newTestExecutor(t)
	ctx := context.Background()
	var q OpQueue

	op := &recordingOp{label: "op", log: newOpLog(0)}
	q.Submit(ctx, ex, op, ErrWouldBlock)

	assert.False(t, q.Blocked())
	assert.Equal(t, 1, q.Len())

	log := newOpLog(1)
	op.log = log
	q.OnReadiness(ctx, ex)
	assert.Equal(t, []string{"op"}, log.wait(t))
}
