// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

//go:build linux
// +build linux

package reactor

import (
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lucidio/aionet/metrics"
)

const (
	rflags = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR | unix.EPOLLPRI
	wflags = unix.EPOLLOUT | unix.EPOLLHUP | unix.EPOLLERR

	defaultEventCap = 128
)

// epollMuxer is the Linux muxer, one edge-triggered epoll instance shared
// by every goroutine calling Reactor.Poll.
type epollMuxer struct {
	fd     int
	events []unix.EpollEvent
}

func newMuxer() (muxer, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epollMuxer{fd: fd, events: make([]unix.EpollEvent, defaultEventCap)}, nil
}

func (m *epollMuxer) add(fd int, h *Handle, readOnly bool) error {
	flags := rflags | wflags
	if readOnly {
		flags = rflags
	}
	evt := unix.EpollEvent{Events: uint32(flags | unix.EPOLLET)}
	*(**Handle)(unsafe.Pointer(&evt.Fd)) = h
	if err := unix.EpollCtl(m.fd, unix.EPOLL_CTL_ADD, fd, &evt); err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	return nil
}

func (m *epollMuxer) remove(fd int) error {
	if err := unix.EpollCtl(m.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

func (m *epollMuxer) wait(timeout time.Duration) ([]readyEvent, error) {
	msec := msecOf(timeout)
	if msec == 0 {
		metrics.Add(metrics.EpollNoWait, 1)
	} else {
		metrics.Add(metrics.EpollWait, 1)
	}
	for {
		n, err := unix.EpollWait(m.fd, m.events, msec)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, os.NewSyscallError("epoll_wait", err)
		}
		metrics.Add(metrics.EpollEvents, uint64(n))
		return m.collect(n), nil
	}
}

func (m *epollMuxer) collect(n int) []readyEvent {
	out := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := m.events[i]
		h := *(**Handle)(unsafe.Pointer(&ev.Fd))
		out = append(out, readyEvent{
			handle:   h,
			readable: ev.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			writable: ev.Events&unix.EPOLLOUT != 0,
			hup:      ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0,
		})
	}
	return out
}

func (m *epollMuxer) close() error {
	return os.NewSyscallError("close", unix.Close(m.fd))
}

// msecOf converts a wait budget to the epoll_wait millisecond convention:
// negative means block indefinitely, zero means return immediately.
func msecOf(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	return int(timeout / time.Millisecond)
}
