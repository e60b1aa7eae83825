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

	"github.com/lucidio/aionet/internal/netutil"
	"github.com/lucidio/aionet/reactor"
)

// DialTCP connects to address on network within timeout, registering the
// resulting connection with r's event loop.
// Valid networks are "tcp", "tcp4" (IPv4-only), "tcp6" (IPv6-only).
func DialTCP(r *reactor.Reactor, ex *reactor.Executor, network, address string, timeout time.Duration) (Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("DialTCP: unknown network %s", network)
	}
	return dialTCP(r, ex, network, address, timeout)
}

// DialUDP connects to address on network within timeout, registering the
// resulting connection with r's event loop.
// Valid networks are "udp", "udp4" (IPv4-only), "udp6" (IPv6-only).
func DialUDP(r *reactor.Reactor, ex *reactor.Executor, network, address string, timeout time.Duration) (PacketConn, error) {
	switch network {
	case "udp", "udp4", "udp6":
	default:
		return nil, fmt.Errorf("DialUDP: unknown network %s", network)
	}
	return dialUDP(r, ex, network, address, timeout)
}

func dialTCP(r *reactor.Reactor, ex *reactor.Executor, network, address string, timeout time.Duration) (Conn, error) {
	c, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial network %s, address %s with timeout %+v error: %w", network, address, timeout, err)
	}
	fd, err := netutil.GetFD(c)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("dial tcp get fd error: %w", err)
	}
	nfd := netFD{
		fd:      fd,
		fdtype:  fdTCP,
		sock:    c,
		laddr:   c.LocalAddr(),
		raddr:   c.RemoteAddr(),
		network: network,
	}
	conn := newTCPConn(r, ex, nfd)
	if err := conn.start(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("dial tcp reactor registration error: %w", err)
	}
	return conn, nil
}

func dialUDP(r *reactor.Reactor, ex *reactor.Executor, network, address string, timeout time.Duration) (PacketConn, error) {
	c, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial network %s, address %s with timeout %+v error: %w", network, address, timeout, err)
	}
	fd, err := netutil.GetFD(c)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("dial udp get fd error: %w", err)
	}
	nfd := netFD{
		fd:            fd,
		fdtype:        fdUDP,
		sock:          c,
		laddr:         c.LocalAddr(),
		raddr:         c.RemoteAddr(),
		network:       network,
		udpBufferSize: defaultUDPBufferSize,
	}
	conn := newUDPConn(r, ex, nfd)
	if err := conn.start(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("dial udp reactor registration error: %w", err)
	}
	return conn, nil
}
