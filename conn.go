//
//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2023 THL A29 Limited, a Tencent company.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

package tnet

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/lucidio/aionet/internal/buffer"
	"github.com/lucidio/aionet/internal/cache/systype"
	"github.com/lucidio/aionet/internal/iovec"
	"github.com/lucidio/aionet/internal/timer"
	"github.com/lucidio/aionet/metrics"
	"github.com/lucidio/aionet/reactor"
)

const defaultTCPKeepAlive = 15 * time.Second

// cleanUpThrottle is the live TCP connection count past which emptied
// connection buffers hand their blocks back to the allocator instead of
// keeping one warm, trading refill cost for memory.
const cleanUpThrottle = 10000

// updateBufferCleanUp re-derives the buffer clean-up mode from the live
// connection count. Called on every connection create and close, so the
// mode follows the count across services and dialed connections alike.
func updateBufferCleanUp() {
	live := metrics.Get(metrics.TCPConnsCreate) - metrics.Get(metrics.TCPConnsClose)
	buffer.SetCleanUp(live >= cleanUpThrottle)
}

// ErrConnClosed is returned by any operation attempted on a closed connection.
var ErrConnClosed = netError{error: errors.New("conn is closed")}

// EAGAIN is returned by a non-blocking read that does not yet have enough data.
var EAGAIN = netError{error: errors.New("no enough data, try it again")}

// tcpconn must implement Conn.
var _ Conn = (*tcpconn)(nil)

// tcpconn is a TCP connection whose I/O rides the reactor's Op Queues
// instead of a background goroutine per connection. A single persistent
// read Operation keeps re-arming itself on the Handle's input queue,
// filling inBuffer as the socket becomes readable; Peek/Next/ReadN block
// on readTrigger until the buffer satisfies their request or the
// connection closes.
type tcpconn struct {
	r           *reactor.Reactor
	ex          *reactor.Executor
	service     *tcpservice
	metaData    atomic.Value
	reqHandle   atomic.Value
	closeHandle atomic.Value
	readTrigger chan struct{}
	inBuffer    buffer.Buffer
	outBuffer   buffer.Buffer
	rtimer      *timer.Timer
	wtimer      *timer.Timer
	idleTimer   *timer.Timer
	idleDone    chan struct{}
	idleTimeout time.Duration
	nfd         netFD

	closer
	waitReadLen atomic.Int32
	nonblocking atomic.Bool
	safeWrite   atomic.Bool
	writeArmed  atomic.Bool
}

func newTCPConn(r *reactor.Reactor, ex *reactor.Executor, nfd netFD) *tcpconn {
	tc := &tcpconn{r: r, ex: ex, nfd: nfd, readTrigger: make(chan struct{}, 1)}
	tc.inBuffer.Initialize()
	tc.outBuffer.Initialize()
	metrics.Add(metrics.TCPConnsCreate, 1)
	updateBufferCleanUp()
	return tc
}

// start registers the netFD with r and arms the persistent read operation.
// Must be called exactly once, after any on-open hooks have run.
func (tc *tcpconn) start(ctx context.Context) error {
	if err := tc.nfd.Register(tc.r); err != nil {
		return err
	}
	tc.armRead(ctx)
	return nil
}

func (tc *tcpconn) armRead(ctx context.Context) {
	var op reactor.Operation
	op = reactor.OperationFunc(func(ctx context.Context, ex *reactor.Executor, err error) {
		if err != nil {
			tc.onHup(err)
			return
		}
		tc.onReadable(ctx, ex, op)
	})
	tc.nfd.Handle().AddReadOp(ctx, tc.ex, op, nil)
}

func (tc *tcpconn) onReadable(ctx context.Context, ex *reactor.Executor, op reactor.Operation) {
	// The fatal-error close must run after the sysRead job ends; Close
	// waits for that job, so closing from inside it would deadlock.
	if err := tc.handleRead(ctx, ex, op); err != nil {
		tc.onHup(err)
	}
}

func (tc *tcpconn) handleRead(ctx context.Context, ex *reactor.Executor, op reactor.Operation) error {
	if !tc.beginJobSafely(sysRead) {
		return nil
	}
	defer tc.endJobSafely(sysRead)
	var data iovec.IOData
	n := int(tc.waitReadLen.Load())
	if n <= 0 {
		n = 1
	}
	if err := tc.inBuffer.Fill(&tc.nfd, n, &data); err != nil {
		if err == buffer.ErrBufferFull {
			// The kernel may still hold data and, edge-triggered, no new
			// edge will announce it; run again once readers have drained
			// some of the buffer.
			tc.rearmNow(ctx, ex, op)
			return nil
		}
		if errors.Is(err, unix.EAGAIN) {
			// Socket drained: park at the head of the queue, unblocked,
			// until the next readable edge resumes it.
			tc.nfd.Handle().AddReadOp(ctx, ex, op, reactor.ErrWouldBlock)
			return nil
		}
		return err
	}
	tc.refreshConn()
	select {
	case tc.readTrigger <- struct{}{}:
	default:
	}
	if handle, ok := tc.reqHandle.Load().(TCPHandler); ok && handle != nil {
		_ = handle(tc)
	}
	// One readv may not have emptied the socket; keep running until the
	// fill above reports EAGAIN.
	tc.rearmNow(ctx, ex, op)
	return nil
}

// rearmNow finishes the current readiness edge and immediately resubmits
// op, so it runs again on the executor without waiting for a new edge.
func (tc *tcpconn) rearmNow(ctx context.Context, ex *reactor.Executor, op reactor.Operation) {
	h := tc.nfd.Handle()
	h.NextReadOp(ctx, ex)
	h.AddReadOp(ctx, ex, op, nil)
}

// refreshConn pushes the idle-close deadline out by idleTimeout, if set.
func (tc *tcpconn) refreshConn() {
	if tc.idleTimer == nil {
		return
	}
	tc.idleTimer.Reset(time.Now().Add(tc.idleTimeout))
	tc.idleTimer.Start()
}

// watchIdle closes the connection once it fires, unless idleDone closes first.
func (tc *tcpconn) watchIdle(it *timer.Timer, done chan struct{}) {
	select {
	case <-it.Wait():
		_ = tc.Close()
	case <-done:
	}
}

func (tc *tcpconn) onHup(err error) {
	_ = err
	_ = tc.Close()
}

// Read reads data from the connection.
func (tc *tcpconn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if !tc.beginJobSafely(apiRead) {
		return 0, ErrConnClosed
	}
	defer tc.endJobSafely(apiRead)
	if err := tc.waitRead(1); err != nil {
		return 0, err
	}
	return tc.inBuffer.Read(b)
}

// ReadN reads n bytes, copying them out of the connection's buffer.
func (tc *tcpconn) ReadN(n int) ([]byte, error) {
	if !tc.beginJobSafely(apiRead) {
		return nil, ErrConnClosed
	}
	defer tc.endJobSafely(apiRead)
	if err := tc.waitRead(n); err != nil {
		return nil, err
	}
	dst := make([]byte, n)
	if _, err := tc.inBuffer.Read(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// Next returns the next n bytes and advances the reader. Zero-copy.
func (tc *tcpconn) Next(n int) ([]byte, error) {
	if !tc.beginJobSafely(apiRead) {
		return nil, ErrConnClosed
	}
	defer tc.endJobSafely(apiRead)
	if err := tc.waitRead(n); err != nil {
		return nil, err
	}
	return tc.inBuffer.Next(n)
}

// Peek returns the next n bytes without advancing the reader. Zero-copy.
func (tc *tcpconn) Peek(n int) ([]byte, error) {
	if !tc.beginJobSafely(apiRead) {
		return nil, ErrConnClosed
	}
	defer tc.endJobSafely(apiRead)
	if err := tc.waitRead(n); err != nil {
		return nil, err
	}
	return tc.inBuffer.Peek(n)
}

// Skip discards the next n bytes and advances the reader.
func (tc *tcpconn) Skip(n int) error {
	if !tc.beginJobSafely(apiRead) {
		return ErrConnClosed
	}
	defer tc.endJobSafely(apiRead)
	if err := tc.waitRead(n); err != nil {
		return err
	}
	return tc.inBuffer.Skip(n)
}

// Release releases the buffer retained by Peek/Skip.
func (tc *tcpconn) Release() {
	if !tc.beginJobSafely(apiRead) {
		return
	}
	defer tc.endJobSafely(apiRead)
	tc.inBuffer.Release()
}

func (tc *tcpconn) waitRead(n int) error {
	if !tc.IsActive() {
		return ErrConnClosed
	}
	if tc.inBuffer.LenRead() >= n {
		return nil
	}
	tc.waitReadLen.Store(int32(n))
	if tc.nonblocking.Load() {
		return EAGAIN
	}
	defer tc.waitReadLen.Store(0)
	if tc.rtimer != nil && !tc.rtimer.Expired() {
		return tc.waitReadWithTimeout(n)
	}
	for tc.inBuffer.LenRead() < n {
		if !tc.IsActive() {
			return ErrConnClosed
		}
		<-tc.readTrigger
	}
	return nil
}

func (tc *tcpconn) timeoutError() error {
	return netError{
		error:     fmt.Errorf("tcp %s->%s: i/o timeout", tc.LocalAddr(), tc.RemoteAddr()),
		isTimeout: true,
	}
}

func (tc *tcpconn) waitReadWithTimeout(n int) error {
	tc.rtimer.Start()
	for tc.inBuffer.LenRead() < n {
		if !tc.IsActive() {
			return ErrConnClosed
		}
		select {
		case <-tc.readTrigger:
			continue
		case <-tc.rtimer.Wait():
			return tc.timeoutError()
		}
	}
	return nil
}

// Write writes data to the connection.
func (tc *tcpconn) Write(b []byte) (int, error) {
	return tc.Writev(b)
}

// Writev writes multiple byte slices to the connection in order.
func (tc *tcpconn) Writev(p ...[]byte) (int, error) {
	if tc.wtimer != nil && tc.wtimer.Expired() {
		return 0, tc.timeoutError()
	}
	if !tc.beginJobSafely(apiWrite) {
		return 0, ErrConnClosed
	}
	n := tc.outBuffer.Writev(tc.safeWrite.Load(), p...)
	if err := tc.flush(); err != nil {
		tc.endJobSafely(apiWrite)
		_ = tc.Close()
		return n, err
	}
	tc.endJobSafely(apiWrite)
	return n, nil
}

// flush drains outBuffer through the socket, parking a write Operation to
// finish the job on the next writable edge if the kernel send buffer
// can't take it all in one shot.
func (tc *tcpconn) flush() error {
	again, err := tc.drainOut()
	if err != nil {
		return err
	}
	if again {
		tc.armWrite()
	}
	return nil
}

// drainOut writes until outBuffer empties or the socket pushes back.
// Reports again=true on EAGAIN.
func (tc *tcpconn) drainOut() (bool, error) {
	for tc.outBuffer.LenRead() > 0 {
		bs, w1 := systype.GetIOData(systype.MaxLen)
		if w1 != nil {
			defer systype.PutIOData(w1)
		}
		l := tc.outBuffer.PeekBlocks(bs)
		ivs, w2 := systype.GetIOVECWrapper(bs[:l])
		if w2 != nil {
			defer systype.PutIOVECWrapper(w2)
		}
		n, err := tc.nfd.Writev(ivs)
		if n > 0 {
			if serr := tc.outBuffer.Skip(n); serr != nil {
				return false, errors.Wrap(serr, "tcpconn output buffer skip")
			}
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return true, nil
			}
			return false, errors.Wrap(err, "tcpconn write")
		}
	}
	tc.outBuffer.Release()
	return false, nil
}

// armWrite parks the connection's write Operation, unblocked, at the head
// of the output queue; the next writable edge resumes the drain. At most
// one write Operation is ever outstanding per connection.
func (tc *tcpconn) armWrite() {
	if !tc.writeArmed.CAS(false, true) {
		return
	}
	var op reactor.Operation
	op = reactor.OperationFunc(func(ctx context.Context, ex *reactor.Executor, err error) {
		if err != nil {
			tc.writeArmed.Store(false)
			return
		}
		if !tc.beginJobSafely(sysWrite) {
			tc.writeArmed.Store(false)
			return
		}
		again, ferr := tc.drainOut()
		tc.endJobSafely(sysWrite)
		if ferr != nil {
			tc.writeArmed.Store(false)
			tc.onHup(ferr)
			return
		}
		if again {
			tc.nfd.Handle().AddWriteOp(ctx, ex, op, reactor.ErrWouldBlock)
			return
		}
		tc.writeArmed.Store(false)
		tc.nfd.Handle().NextWriteOp(ctx, ex)
		// A Writev that raced the drain may have left bytes behind with
		// the armed flag still observed true; pick them up here.
		if tc.outBuffer.LenRead() > 0 {
			tc.armWrite()
		}
	})
	tc.nfd.Handle().AddWriteOp(context.Background(), tc.ex, op, reactor.ErrWouldBlock)
}

// Close closes the tcpconn; safe to call multiple times concurrently.
func (tc *tcpconn) Close() error {
	if !tc.beginJobSafely(closeAll) {
		return nil
	}
	defer tc.endJobSafely(closeAll)
	// Stop read-event processing before waking blocked readers, so no
	// in-flight readiness callback can hit a closed trigger channel.
	tc.closeJobSafely(sysRead)
	close(tc.readTrigger)
	tc.closeAllJobs()
	if handle, ok := tc.closeHandle.Load().(OnTCPClosed); ok && handle != nil {
		_ = handle(tc)
	}
	if tc.rtimer != nil {
		tc.rtimer.Stop()
	}
	if tc.wtimer != nil {
		tc.wtimer.Stop()
	}
	if tc.idleTimer != nil {
		tc.idleTimer.Stop()
		close(tc.idleDone)
	}
	if tc.service != nil {
		tc.service.deleteConn(tc)
	}
	tc.nfd.close()
	tc.inBuffer.Free()
	tc.outBuffer.Free()
	metrics.Add(metrics.TCPConnsClose, 1)
	updateBufferCleanUp()
	return nil
}

// IsActive reports whether the connection is still open.
func (tc *tcpconn) IsActive() bool { return !tc.closed() }

// Len returns the number of readable bytes currently buffered.
func (tc *tcpconn) Len() int { return tc.inBuffer.LenRead() }

func (tc *tcpconn) LocalAddr() net.Addr  { return tc.nfd.LocalAddr() }
func (tc *tcpconn) RemoteAddr() net.Addr { return tc.nfd.RemoteAddr() }

// SetDeadline sets both read and write deadlines.
func (tc *tcpconn) SetDeadline(t time.Time) error {
	if err := tc.SetReadDeadline(t); err != nil {
		return err
	}
	return tc.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (tc *tcpconn) SetReadDeadline(t time.Time) error {
	if tc.rtimer == nil {
		tc.rtimer = timer.New(t)
		return nil
	}
	tc.rtimer.Reset(t)
	return nil
}

// SetWriteDeadline sets the write deadline.
func (tc *tcpconn) SetWriteDeadline(t time.Time) error {
	if tc.wtimer == nil {
		tc.wtimer = timer.New(t)
		return nil
	}
	tc.wtimer.Reset(t)
	return nil
}

// SetNonBlocking sets whether reads return EAGAIN instead of blocking.
func (tc *tcpconn) SetNonBlocking(nonblock bool) { tc.nonblocking.Store(nonblock) }

// SetMetaData attaches arbitrary user data to the connection.
func (tc *tcpconn) SetMetaData(m any) { tc.metaData.Store(metaBox{m}) }

// GetMetaData returns the previously attached user data.
func (tc *tcpconn) GetMetaData() any {
	if box, ok := tc.metaData.Load().(metaBox); ok {
		return box.v
	}
	return nil
}

type metaBox struct{ v any }

// SetKeepAlive sets the TCP keep-alive interval; d <= 0 disables it.
func (tc *tcpconn) SetKeepAlive(d time.Duration) error {
	if d <= 0 {
		return tc.nfd.SetKeepAlive(0)
	}
	secs := int(d / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return tc.nfd.SetKeepAlive(secs)
}

// SetOnRequest installs or replaces the handler invoked when new data arrives.
func (tc *tcpconn) SetOnRequest(handle TCPHandler) error {
	if !tc.beginJobSafely(apiCtrl) {
		return ErrConnClosed
	}
	defer tc.endJobSafely(apiCtrl)
	tc.reqHandle.Store(handle)
	return nil
}

// SetOnClosed installs the hook run once the connection is closed.
func (tc *tcpconn) SetOnClosed(handle OnTCPClosed) error {
	tc.closeHandle.Store(handle)
	return nil
}

// SetIdleTimeout sets the idle timeout to close the connection. Every
// successful read pushes the deadline out by d; if d elapses with no
// read, the connection is closed from a dedicated watcher goroutine.
func (tc *tcpconn) SetIdleTimeout(d time.Duration) error {
	if !tc.IsActive() {
		return ErrConnClosed
	}
	if d <= 0 {
		if tc.idleTimer != nil {
			tc.idleTimer.Stop()
		}
		return nil
	}
	tc.idleTimeout = d
	if tc.idleTimer == nil {
		tc.idleTimer = timer.New(time.Now().Add(d))
		tc.idleTimer.Start()
		tc.idleDone = make(chan struct{})
		go tc.watchIdle(tc.idleTimer, tc.idleDone)
		return nil
	}
	tc.idleTimer.Reset(time.Now().Add(d))
	tc.idleTimer.Start()
	return nil
}

// SetSafeWrite sets whether Write/Writev must copy the given buffers.
func (tc *tcpconn) SetSafeWrite(safe bool) { tc.safeWrite.Store(safe) }
