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
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/lucidio/aionet/internal/netutil"
	"github.com/lucidio/aionet/log"
	"github.com/lucidio/aionet/reactor"
)

// NewTCPService creates a tcp Service bound to r's event loop and to
// listener. It is recommended to create listener with tnet.Listen,
// otherwise listener must implement syscall.Conn.
func NewTCPService(r *reactor.Reactor, ex *reactor.Executor, listener net.Listener, handler TCPHandler, opt ...Option) (Service, error) {
	if listener == nil {
		return nil, fmt.Errorf("listener is nil")
	}
	ln, ok := listener.(*tcpListener)
	if !ok {
		if err := netutil.ValidateTCP(listener); err != nil {
			return nil, fmt.Errorf("validate listener fail: %w", err)
		}
		var err error
		ln, err = newListener(listener)
		if err != nil {
			return nil, err
		}
	}
	opts := options{}
	opts.setDefault()
	for _, o := range opt {
		o.f(&opts)
	}
	return &tcpservice{
		r:         r,
		ex:        ex,
		ln:        ln,
		reqHandle: handler,
		opts:      opts,
		conns:     make(map[int]*tcpconn),
		hupCh:     make(chan struct{}),
	}, nil
}

type tcpservice struct {
	r         *reactor.Reactor
	ex        *reactor.Executor
	ln        *tcpListener
	reqHandle TCPHandler
	hupCh     chan struct{}
	conns     map[int]*tcpconn
	opts      options
	closed    atomic.Bool
	mu        sync.Mutex
}

// Serve registers the listener with the reactor and accepts connections
// until ctx is done or the listener hangs up.
func (s *tcpservice) Serve(ctx context.Context) error {
	if err := s.ln.nfd.Register(s.r); err != nil {
		return err
	}
	s.armAccept(ctx)
	log.Infof("tnet tcp service started on %s\n", s.ln.Addr())
	defer s.close()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.hupCh:
		return fmt.Errorf("listener is closed")
	}
}

func (s *tcpservice) armAccept(ctx context.Context) {
	var op reactor.Operation
	op = reactor.OperationFunc(func(ctx context.Context, ex *reactor.Executor, err error) {
		if err != nil {
			close(s.hupCh)
			return
		}
		s.onAcceptable(ctx, ex, op)
	})
	s.ln.nfd.Handle().AddReadOp(ctx, s.ex, op, nil)
}

func (s *tcpservice) onAcceptable(ctx context.Context, ex *reactor.Executor, op reactor.Operation) {
	if s.closed.Load() {
		return
	}
	for {
		conn, err := s.ln.accept(s.r, s.ex, s.onOpened)
		if err != nil {
			if ne, ok := err.(netError); ok && ne.error == unix.EAGAIN {
				break
			}
			// An aborted or reset connection consumed the edge without
			// emptying the backlog; retry rather than park.
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			close(s.hupCh)
			return
		}
		s.storeConn(conn)
	}
	// accept(2) reported EWOULDBLOCK: park at the queue head, unblocked,
	// until the next readable edge announces a new connection.
	s.ln.nfd.Handle().AddReadOp(ctx, ex, op, reactor.ErrWouldBlock)
}

func (s *tcpservice) onOpened(conn Conn) error {
	tconn, ok := conn.(*tcpconn)
	if !ok {
		return fmt.Errorf("bug: conn is not *tcpconn")
	}
	if err := tconn.SetOnRequest(s.reqHandle); err != nil {
		return fmt.Errorf("set on request error: %w", err)
	}
	if err := tconn.SetKeepAlive(s.opts.tcpKeepAlive); err != nil {
		return fmt.Errorf("set keep alive error: %w", err)
	}
	if err := tconn.SetIdleTimeout(s.opts.tcpIdleTimeout); err != nil {
		return fmt.Errorf("set idle timeout error: %w", err)
	}
	tconn.SetNonBlocking(s.opts.nonblocking)
	tconn.SetSafeWrite(s.opts.safeWrite)
	if s.opts.onTCPClosed != nil {
		_ = tconn.SetOnClosed(s.opts.onTCPClosed)
	}
	tconn.service = s
	if s.opts.onTCPOpened != nil {
		return s.opts.onTCPOpened(tconn)
	}
	return nil
}

func (s *tcpservice) storeConn(conn *tcpconn) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	s.conns[conn.nfd.FD()] = conn
	s.mu.Unlock()
}

func (s *tcpservice) deleteConn(conn *tcpconn) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	delete(s.conns, conn.nfd.FD())
	s.mu.Unlock()
}

func (s *tcpservice) close() error {
	if s.ln == nil {
		return nil
	}
	s.closed.Store(true)
	s.mu.Lock()
	for k, conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, k)
	}
	s.mu.Unlock()
	return s.ln.Close()
}
