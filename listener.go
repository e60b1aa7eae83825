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

	"golang.org/x/sys/unix"

	"github.com/lucidio/aionet/internal/netutil"
	"github.com/lucidio/aionet/reactor"
)

type tcpListener struct {
	nfd netFD
}

type netError struct {
	error
	isTimeout bool
}

// Timeout implements net.Error.
func (e netError) Timeout() bool { return e.isTimeout }

// Temporary implements net.Error.
func (e netError) Temporary() bool {
	switch e.error {
	case unix.EAGAIN, unix.ECONNRESET, unix.ECONNABORTED:
		return true
	default:
		return false
	}
}

// Accept accepts the next incoming connection with no open hook.
func (t *tcpListener) Accept() (net.Conn, error) {
	return t.accept(nil, nil, nil)
}

// accept performs one accept(2) call and wires the resulting netFD to r/ex:
// the accepted connection's read Operation is armed before returning. With
// a nil r the connection is returned without reactor registration.
func (t *tcpListener) accept(r *reactor.Reactor, ex *reactor.Executor, handle OnTCPOpened) (*tcpconn, error) {
	fd, sa, err := netutil.Accept(t.FD())
	if err != nil {
		return nil, netError{error: err}
	}
	nfd := netFD{
		fd:      fd,
		fdtype:  fdTCP,
		network: t.nfd.network,
		laddr:   t.nfd.laddr,
		raddr:   netutil.SockaddrToTCPOrUnixAddr(sa),
	}
	conn := newTCPConn(r, ex, nfd)
	if handle != nil {
		if err := handle(conn); err != nil {
			conn.nfd.close()
			return nil, fmt.Errorf("on tcp opened error: %w", err)
		}
	}
	if err := conn.nfd.SetNoDelay(true); err != nil {
		return nil, fmt.Errorf("set tcp no delay error: %w", err)
	}
	if r != nil {
		if err := conn.start(context.Background()); err != nil {
			conn.nfd.close()
			return nil, fmt.Errorf("connection reactor registration error: %w", err)
		}
	}
	return conn, nil
}

// Close closes the tcp listener.
func (t *tcpListener) Close() error {
	t.nfd.close()
	return nil
}

// FD returns the tcp listener's file descriptor.
func (t *tcpListener) FD() (fd int) { return t.nfd.fd }

// Addr returns the tcp listener's local address.
func (t *tcpListener) Addr() net.Addr { return t.nfd.laddr }

func listenTCP(network string, address string) (*tcpListener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return newListener(ln)
}

func newListener(listener net.Listener) (*tcpListener, error) {
	fd, err := netutil.GetFD(listener)
	if err != nil {
		return nil, fmt.Errorf("new listener get fd error: %w", err)
	}
	return &tcpListener{
		nfd: netFD{
			fd:      fd,
			fdtype:  fdListen,
			sock:    listener,
			network: listener.Addr().Network(),
			laddr:   listener.Addr(),
		},
	}, nil
}
