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
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/lucidio/aionet/internal/buffer"
	"github.com/lucidio/aionet/internal/cache/mcache"
	"github.com/lucidio/aionet/internal/netutil"
	"github.com/lucidio/aionet/internal/timer"
	"github.com/lucidio/aionet/metrics"
	"github.com/lucidio/aionet/reactor"
)

// udpconn must implement PacketConn.
var _ PacketConn = (*udpconn)(nil)

// udpconn is a UDP socket whose datagram I/O rides the reactor's Op
// Queues. Each inbound datagram is stored in inBuffer prefixed with its
// source sockaddr (FillToBuffer's on-the-wire framing), mirrored by
// outBuffer for datagrams that couldn't be sent immediately.
type udpconn struct {
	r           *reactor.Reactor
	ex          *reactor.Executor
	metaData    atomic.Value
	reqHandle   atomic.Value
	closeHandle atomic.Value
	readTrigger chan struct{}
	inBuffer    buffer.Buffer
	outBuffer   buffer.Buffer
	rtimer      *timer.Timer
	wtimer      *timer.Timer
	nfd         netFD

	closer
	nonblocking atomic.Bool
	writeArmed  atomic.Bool
}

func newUDPConn(r *reactor.Reactor, ex *reactor.Executor, nfd netFD) *udpconn {
	uc := &udpconn{r: r, ex: ex, nfd: nfd, readTrigger: make(chan struct{}, 1)}
	uc.inBuffer.Initialize()
	uc.outBuffer.Initialize()
	return uc
}

func (uc *udpconn) start(ctx context.Context) error {
	if err := uc.nfd.Register(uc.r); err != nil {
		return err
	}
	uc.armRead(ctx)
	return nil
}

func (uc *udpconn) armRead(ctx context.Context) {
	var op reactor.Operation
	op = reactor.OperationFunc(func(ctx context.Context, ex *reactor.Executor, err error) {
		if err != nil {
			_ = uc.Close()
			return
		}
		uc.onReadable(ctx, ex, op)
	})
	uc.nfd.Handle().AddReadOp(ctx, uc.ex, op, nil)
}

func (uc *udpconn) onReadable(ctx context.Context, ex *reactor.Executor, op reactor.Operation) {
	// The fatal-error close must run after the sysRead job ends; Close
	// waits for that job, so closing from inside it would deadlock.
	if err := uc.handleRead(ctx, ex, op); err != nil {
		_ = uc.Close()
	}
}

func (uc *udpconn) handleRead(ctx context.Context, ex *reactor.Executor, op reactor.Operation) error {
	if !uc.beginJobSafely(sysRead) {
		return nil
	}
	defer uc.endJobSafely(sysRead)
	drained := false
	if err := uc.nfd.FillToBuffer(&uc.inBuffer); err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			return err
		}
		drained = true
	}
	select {
	case uc.readTrigger <- struct{}{}:
	default:
	}
	if handle, ok := uc.reqHandle.Load().(UDPHandler); ok && handle != nil {
		for uc.Len() > 0 && uc.IsActive() {
			if err := handle(uc); err != nil {
				return err
			}
		}
	}
	if drained {
		// Socket empty: park at the queue head, unblocked, until the next
		// readable edge.
		uc.nfd.Handle().AddReadOp(ctx, ex, op, reactor.ErrWouldBlock)
		return nil
	}
	// One recvmmsg batch may not have emptied the socket and, edge
	// triggered, no new edge will announce the leftovers; run again.
	h := uc.nfd.Handle()
	h.NextReadOp(ctx, ex)
	h.AddReadOp(ctx, ex, op, nil)
	return nil
}

type packet struct {
	block []byte
}

// Data returns the datagram payload.
func (p *packet) Data() ([]byte, error) { return getUDPData(p.block) }

// Free releases the underlying buffer back to the allocator.
func (p *packet) Free() { mcache.Free(p.block) }

// ReadPacket reads the next datagram without copying the underlying buffer.
func (uc *udpconn) ReadPacket() (Packet, net.Addr, error) {
	if !uc.beginJobSafely(apiRead) {
		return nil, nil, ErrConnClosed
	}
	defer uc.endJobSafely(apiRead)
	block, err := uc.readBlock()
	if err != nil {
		return nil, nil, err
	}
	defer uc.inBuffer.Release()
	addr, err := getUDPAddr(block)
	if err != nil {
		return nil, nil, err
	}
	return &packet{block: block}, addr, nil
}

// ReadFrom reads one datagram into b, copying the payload out.
func (uc *udpconn) ReadFrom(b []byte) (int, net.Addr, error) {
	if len(b) == 0 {
		return 0, nil, nil
	}
	if !uc.beginJobSafely(apiRead) {
		return 0, nil, ErrConnClosed
	}
	defer uc.endJobSafely(apiRead)
	block, err := uc.readBlock()
	if err != nil {
		return 0, nil, err
	}
	defer mcache.Free(block)
	defer uc.inBuffer.Release()
	s, addr, err := getUDPDataAndAddr(block)
	if err != nil {
		return 0, nil, err
	}
	return copy(b, s), addr, nil
}

func (uc *udpconn) readBlock() ([]byte, error) {
	if err := uc.waitRead(); err != nil {
		return nil, err
	}
	return uc.inBuffer.ReadBlock()
}

func (uc *udpconn) waitRead() error {
	if !uc.IsActive() {
		return ErrConnClosed
	}
	if uc.inBuffer.LenRead() > 0 {
		return nil
	}
	if uc.nonblocking.Load() {
		return EAGAIN
	}
	if uc.rtimer != nil && !uc.rtimer.Expired() {
		return uc.waitReadWithTimeout()
	}
	for uc.inBuffer.LenRead() == 0 {
		if !uc.IsActive() {
			return ErrConnClosed
		}
		<-uc.readTrigger
	}
	return nil
}

func (uc *udpconn) waitReadWithTimeout() error {
	uc.rtimer.Start()
	for uc.inBuffer.LenRead() == 0 {
		if !uc.IsActive() {
			return ErrConnClosed
		}
		select {
		case <-uc.readTrigger:
			continue
		case <-uc.rtimer.Wait():
			return uc.errTimeout()
		}
	}
	return nil
}

func (uc *udpconn) errTimeout() error {
	return netError{
		error:     fmt.Errorf("udp %s: i/o timeout", uc.LocalAddr()),
		isTimeout: true,
	}
}

// WriteTo sends p to addr, buffering it for a re-armed write Operation if
// the socket isn't writable right now.
func (uc *udpconn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if uc.wtimer != nil && uc.wtimer.Expired() {
		return 0, uc.errTimeout()
	}
	if !uc.beginJobSafely(apiWrite) {
		return 0, ErrConnClosed
	}
	defer uc.endJobSafely(apiWrite)
	n, err := uc.nfd.WriteTo(p, addr)
	metrics.Add(metrics.UDPWriteToCalls, 1)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
		metrics.Add(metrics.UDPWriteToFails, 1)
		return n, err
	}
	block, perr := parcel(p, addr)
	if perr != nil {
		return 0, perr
	}
	written := uc.outBuffer.Write(false, block) - netutil.SockaddrSize
	uc.armWrite()
	return written, nil
}

// armWrite parks a write Operation, unblocked, at the head of the output
// queue; the next writable edge resumes sending. At most one is ever
// outstanding per connection.
func (uc *udpconn) armWrite() {
	if !uc.writeArmed.CAS(false, true) {
		return
	}
	var op reactor.Operation
	op = reactor.OperationFunc(func(ctx context.Context, ex *reactor.Executor, err error) {
		if err != nil {
			uc.writeArmed.Store(false)
			return
		}
		if !uc.beginJobSafely(sysWrite) {
			uc.writeArmed.Store(false)
			return
		}
		ferr := uc.nfd.SendPackets(&uc.outBuffer)
		uc.endJobSafely(sysWrite)
		if ferr != nil && !errors.Is(ferr, unix.EAGAIN) {
			uc.writeArmed.Store(false)
			_ = uc.Close()
			return
		}
		if uc.outBuffer.LenRead() > 0 {
			uc.nfd.Handle().AddWriteOp(ctx, ex, op, reactor.ErrWouldBlock)
			return
		}
		uc.writeArmed.Store(false)
		uc.nfd.Handle().NextWriteOp(ctx, ex)
		if uc.outBuffer.LenRead() > 0 {
			uc.armWrite()
		}
	})
	uc.nfd.Handle().AddWriteOp(context.Background(), uc.ex, op, reactor.ErrWouldBlock)
}

// Close closes the udpconn; safe to call multiple times concurrently.
func (uc *udpconn) Close() error {
	if !uc.beginJobSafely(closeAll) {
		return nil
	}
	defer uc.endJobSafely(closeAll)
	// Stop read-event processing before waking blocked readers, so no
	// in-flight readiness callback can hit a closed trigger channel.
	uc.closeJobSafely(sysRead)
	close(uc.readTrigger)
	uc.closeAllJobs()
	if handle, ok := uc.closeHandle.Load().(OnUDPClosed); ok && handle != nil {
		_ = handle(uc)
	}
	if uc.rtimer != nil {
		uc.rtimer.Stop()
	}
	if uc.wtimer != nil {
		uc.wtimer.Stop()
	}
	uc.nfd.close()
	uc.inBuffer.Free()
	uc.outBuffer.Free()
	return nil
}

// IsActive reports whether the connection is still open.
func (uc *udpconn) IsActive() bool { return !uc.closed() }

// Len returns the number of readable bytes currently buffered.
func (uc *udpconn) Len() int { return uc.inBuffer.LenRead() }

func (uc *udpconn) LocalAddr() net.Addr  { return uc.nfd.LocalAddr() }
func (uc *udpconn) RemoteAddr() net.Addr { return uc.nfd.RemoteAddr() }

// Read implements net.Conn for a connected udpconn.
func (uc *udpconn) Read(b []byte) (int, error) {
	n, _, err := uc.ReadFrom(b)
	return n, err
}

// Write implements net.Conn for a connected udpconn.
func (uc *udpconn) Write(b []byte) (int, error) { return uc.WriteTo(b, uc.RemoteAddr()) }

func (uc *udpconn) SetDeadline(t time.Time) error {
	if err := uc.SetReadDeadline(t); err != nil {
		return err
	}
	return uc.SetWriteDeadline(t)
}

func (uc *udpconn) SetReadDeadline(t time.Time) error {
	if uc.rtimer == nil {
		uc.rtimer = timer.New(t)
		return nil
	}
	uc.rtimer.Reset(t)
	return nil
}

func (uc *udpconn) SetWriteDeadline(t time.Time) error {
	if uc.wtimer == nil {
		uc.wtimer = timer.New(t)
		return nil
	}
	uc.wtimer.Reset(t)
	return nil
}

func (uc *udpconn) SetNonBlocking(nonblock bool) { uc.nonblocking.Store(nonblock) }
func (uc *udpconn) SetMetaData(m any)            { uc.metaData.Store(metaBox{m}) }

func (uc *udpconn) GetMetaData() any {
	if box, ok := uc.metaData.Load().(metaBox); ok {
		return box.v
	}
	return nil
}

func (uc *udpconn) SetKeepAlive(time.Duration) error { return nil }

func (uc *udpconn) SetMaxPacketSize(size int) { uc.nfd.udpBufferSize = size }

// SetExactUDPBufferSizeEnabled sets whether to allocate an exact-sized
// buffer per incoming datagram instead of one fixed at udpBufferSize.
func (uc *udpconn) SetExactUDPBufferSizeEnabled(enabled bool) {
	uc.nfd.exactUDPBufferSizeEnabled = enabled
}

func (uc *udpconn) SetOnRequest(handle UDPHandler) error {
	if handle == nil {
		return fmt.Errorf("UDPHandler cannot be nil")
	}
	uc.reqHandle.Store(handle)
	return nil
}

func (uc *udpconn) SetOnClosed(handle OnUDPClosed) error {
	uc.closeHandle.Store(handle)
	return nil
}

func getUDPData(block []byte) ([]byte, error) {
	if len(block) < netutil.SockaddrSize {
		return nil, errors.New("invalid UDP packet")
	}
	return block[netutil.SockaddrSize:], nil
}

func getUDPAddr(block []byte) (net.Addr, error) {
	if len(block) < netutil.SockaddrSize {
		return nil, errors.New("invalid UDP packet")
	}
	return netutil.SockaddrSliceToUDPAddr(block[:netutil.SockaddrSize])
}

func getUDPDataAndAddr(block []byte) ([]byte, net.Addr, error) {
	addr, err := getUDPAddr(block)
	if err != nil {
		return nil, nil, err
	}
	buf, err := getUDPData(block)
	if err != nil {
		return nil, nil, err
	}
	return buf, addr, nil
}

func parcel(buf []byte, addr net.Addr) ([]byte, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return nil, errors.New("only UDPAddr can be parceled")
	}
	sockaddr, err := netutil.UDPAddrToSockaddrSlice(udpAddr)
	if err != nil {
		return nil, err
	}
	return append(sockaddr, buf...), nil
}
