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

	goreuseport "github.com/kavu/go_reuseport"

	"github.com/lucidio/aionet/internal/netutil"
	"github.com/lucidio/aionet/log"
	"github.com/lucidio/aionet/reactor"
)

// defaultReuseportFanout is how many reuseport listeners ListenPackets
// opens when reuseport is requested.
var defaultReuseportFanout = 1

// NewUDPService creates a udp Service bound to r's event loop. Ensure
// that all listeners are listening on the same address.
func NewUDPService(r *reactor.Reactor, ex *reactor.Executor, lns []PacketConn, handler UDPHandler, opt ...Option) (Service, error) {
	if err := validateListeners(lns); err != nil {
		return nil, err
	}
	opts := options{}
	opts.setDefault()
	for _, o := range opt {
		o.f(&opts)
	}
	s := &udpservice{r: r, ex: ex, reqHandle: handler, opts: opts, hupCh: make(chan struct{})}
	for _, ln := range lns {
		conn, ok := ln.(*udpconn)
		if !ok {
			return nil, fmt.Errorf("listeners are not of udpconn type: %T, they should be created by tnet.ListenPackets", ln)
		}
		conn.SetMaxPacketSize(s.opts.maxUDPPacketSize)
		conn.SetExactUDPBufferSizeEnabled(s.opts.exactUDPBufferSizeEnabled)
		s.conns = append(s.conns, conn)
	}
	return s, nil
}

// NewPacketConn wraps an already-listening net.PacketConn as a
// tnet.PacketConn. conn must be listening on UDP and implement syscall.Conn.
func NewPacketConn(r *reactor.Reactor, ex *reactor.Executor, conn net.PacketConn) (PacketConn, error) {
	if err := netutil.ValidateUDP(conn); err != nil {
		return nil, fmt.Errorf("validate listener fail: %w", err)
	}
	uc, err := newUDPPacketConn(r, ex, conn)
	if err != nil {
		return nil, err
	}
	if r != nil {
		if err := uc.start(context.Background()); err != nil {
			_ = uc.Close()
			return nil, err
		}
	}
	return uc, nil
}

func listenUDP(network string, address string, reuseport bool) ([]PacketConn, error) {
	var lns []PacketConn
	n := 1
	listenPacket := net.ListenPacket
	if reuseport {
		n = defaultReuseportFanout
		listenPacket = goreuseport.ListenPacket
	}
	for i := 0; i < n; i++ {
		rawConn, err := listenPacket(network, address)
		if err != nil {
			return nil, fmt.Errorf("udp listen error:%v", err)
		}
		conn, err := newUDPPacketConn(nil, nil, rawConn)
		if err != nil {
			return nil, err
		}
		lns = append(lns, conn)
		// Set the address with a specified port to prevent the user from listening on a random port.
		address = rawConn.LocalAddr().String()
	}
	return lns, nil
}

func newUDPPacketConn(r *reactor.Reactor, ex *reactor.Executor, listener net.PacketConn) (*udpconn, error) {
	fd, err := netutil.GetFD(listener)
	if err != nil {
		listener.Close()
		return nil, err
	}
	nfd := netFD{
		fd:            fd,
		fdtype:        fdUDP,
		sock:          listener,
		network:       listener.LocalAddr().Network(),
		laddr:         listener.LocalAddr(),
		udpBufferSize: defaultUDPBufferSize,
	}
	return newUDPConn(r, ex, nfd), nil
}

type udpservice struct {
	r         *reactor.Reactor
	ex        *reactor.Executor
	reqHandle UDPHandler
	conns     []*udpconn
	opts      options
	hupCh     chan struct{}
}

// Serve registers every listener with the reactor and serves until ctx
// is done. It does not return when the connections close on their own:
// nothing closes hupCh.
func (s *udpservice) Serve(ctx context.Context) error {
	defer s.close()
	for _, conn := range s.conns {
		conn.r, conn.ex = s.r, s.ex
		if err := conn.SetOnRequest(s.reqHandle); err != nil {
			return err
		}
		conn.SetNonBlocking(s.opts.nonblocking)
		if s.opts.onUDPClosed != nil {
			_ = conn.SetOnClosed(s.opts.onUDPClosed)
		}
		if err := conn.start(ctx); err != nil {
			return err
		}
	}
	log.Infof("tnet udp service started on %d listener(s)\n", len(s.conns))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.hupCh:
		return errors.New("all connections are closed")
	}
}

func (s *udpservice) close() error {
	for _, conn := range s.conns {
		if err := conn.Close(); err != nil {
			return err
		}
	}
	return nil
}

func validateListeners(lns []PacketConn) error {
	if len(lns) == 0 {
		return errors.New("listeners can't be nil")
	}
	firstAddr := lns[0].LocalAddr()
	for i := 1; i < len(lns); i++ {
		if addr := lns[i].LocalAddr(); addr.String() != firstAddr.String() {
			return fmt.Errorf("listeners have different local address: %s, %s", firstAddr, addr)
		}
	}
	return nil
}
