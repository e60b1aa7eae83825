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
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidio/aionet/reactor"
)

// testServer wires up a Reactor, Executor and tcpservice around an
// ephemeral-port listener, and tears everything down on test cleanup.
type testServer struct {
	addr string
	r    *reactor.Reactor
	ex   *reactor.Executor
}

func echoHandler(conn Conn) error {
	data, err := conn.ReadN(conn.Len())
	if err != nil {
		return err
	}
	_, err = conn.Writev(data)
	return err
}

func discardHandler(conn Conn) error {
	if conn.Len() > 0 {
		return conn.Skip(conn.Len())
	}
	return nil
}

func startTestServer(t *testing.T, handler TCPHandler, opt ...Option) *testServer {
	t.Helper()
	ex, err := reactor.NewExecutor(runtime.NumCPU())
	require.NoError(t, err)
	r, err := reactor.New(ex)
	require.NoError(t, err)

	ln, err := Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	svc, err := NewTCPService(r, ex, ln, handler, opt...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx, 2)
	go svc.Serve(ctx)

	t.Cleanup(func() {
		cancel()
		_ = r.Close()
		ex.Release()
	})
	// Give Serve a moment to register the listener before dialing.
	time.Sleep(20 * time.Millisecond)
	return &testServer{addr: addr, r: r, ex: ex}
}

func dialTestServer(t *testing.T, s *testServer) Conn {
	t.Helper()
	conn, err := DialTCP(s.r, s.ex, "tcp", s.addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// A byte written by the client arrives, byte-for-byte, at the server's
// request handler, and the echoed reply round-trips back to the client.
func TestTCPConn_ReadWriteRoundTrip(t *testing.T) {
	s := startTestServer(t, echoHandler)

	client := dialTestServer(t, s)
	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)

	got, err := client.ReadN(5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

// Peek returns the requested bytes without advancing the reader; a
// subsequent Next over the same bytes returns the identical payload.
func TestTCPConn_PeekThenNext(t *testing.T) {
	s := startTestServer(t, echoHandler)
	client := dialTestServer(t, s)

	_, err := client.Write([]byte("abcdef"))
	require.NoError(t, err)

	peeked, err := client.Peek(6)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(peeked))

	next, err := client.Next(6)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(next))
}

// Closing a connection concurrently with in-flight reads and writes must
// neither panic nor deadlock, and every subsequent API call reports
// ErrConnClosed.
func TestTCPConn_CloseIsSafeUnderConcurrentIO(t *testing.T) {
	s := startTestServer(t, discardHandler)
	client := dialTestServer(t, s)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_, _ = client.Write([]byte("x"))
	}()
	go func() {
		defer wg.Done()
		_, _ = client.ReadN(1)
	}()
	go func() {
		defer wg.Done()
		_ = client.Close()
	}()
	wg.Wait()

	assert.False(t, client.IsActive())
	_, err := client.Write([]byte("y"))
	assert.ErrorIs(t, err, ErrConnClosed)
}

// SetIdleTimeout closes the connection once its deadline elapses with no
// intervening read, from the dedicated watcher goroutine.
func TestTCPConn_SetIdleTimeoutClosesWhenIdle(t *testing.T) {
	s := startTestServer(t, discardHandler)
	client := dialTestServer(t, s)

	require.NoError(t, client.SetIdleTimeout(30*time.Millisecond))

	require.Eventually(t, func() bool {
		return !client.IsActive()
	}, 2*time.Second, 10*time.Millisecond, "idle connection was never closed")
}

// A read arriving before the idle deadline pushes the deadline out, so a
// connection fed a steady trickle of data must not be closed by a stale
// timer — only SetIdleTimeout's watcher observing true silence closes it.
func TestTCPConn_SetIdleTimeoutRefreshedByReads(t *testing.T) {
	s := startTestServer(t, echoHandler)
	client := dialTestServer(t, s)
	require.NoError(t, client.SetIdleTimeout(150*time.Millisecond))

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, err := client.Write([]byte("p"))
		if err != nil {
			break
		}
		_, _ = client.ReadN(1)
		time.Sleep(50 * time.Millisecond)
	}

	assert.True(t, client.IsActive(), "connection refreshed by reads must not be closed early")
}

// SetMetaData/GetMetaData round-trip arbitrary user data.
func TestTCPConn_MetaDataRoundTrip(t *testing.T) {
	s := startTestServer(t, discardHandler)
	client := dialTestServer(t, s)

	client.SetMetaData("payload")
	assert.Equal(t, "payload", client.GetMetaData())
}

// LocalAddr/RemoteAddr report the dialed connection's actual endpoints.
func TestTCPConn_Addrs(t *testing.T) {
	s := startTestServer(t, discardHandler)
	client := dialTestServer(t, s)

	_, _, err := net.SplitHostPort(client.LocalAddr().String())
	assert.NoError(t, err)
	assert.Equal(t, s.addr, client.RemoteAddr().String())
}
