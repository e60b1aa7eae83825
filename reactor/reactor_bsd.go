// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

//go:build freebsd || dragonfly || darwin
// +build freebsd dragonfly darwin

package reactor

import (
	"os"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const defaultEventCap = 128

// kqueueMuxer is the BSD/Darwin muxer. Each fd is registered with two
// EVFILT_READ/EVFILT_WRITE filters, both EV_CLEAR (edge-triggered) so a
// readiness edge is reported exactly once per state change, matching the
// epoll EPOLLET backend's delivery semantics.
type kqueueMuxer struct {
	fd     int
	events []unix.Kevent_t
}

func newMuxer() (muxer, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("fcntl", err)
	}
	return &kqueueMuxer{fd: fd, events: make([]unix.Kevent_t, defaultEventCap)}, nil
}

func (m *kqueueMuxer) add(fd int, h *Handle, readOnly bool) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_CLEAR},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_CLEAR},
	}
	if readOnly {
		changes = changes[:1]
	}
	for i := range changes {
		*(**Handle)(unsafe.Pointer(&changes[i].Udata)) = h
	}
	if _, err := unix.Kevent(m.fd, changes, nil, nil); err != nil {
		return os.NewSyscallError("kevent add", err)
	}
	return nil
}

// addSignalEvent subscribes to sig via EVFILT_SIGNAL, tagging the event
// with h the way add tags read/write events with their owning Handle.
// Unlike EVFILT_READ/WRITE this is keyed by signal number, not fd: BSD
// has no per-process "signalfd", so each subscribed signal gets its own
// kqueue registration against the one shared kqueue instance.
func (m *kqueueMuxer) addSignalEvent(sig int, h *Handle) error {
	ev := unix.Kevent_t{Ident: uint64(sig), Filter: unix.EVFILT_SIGNAL, Flags: unix.EV_ADD | unix.EV_ENABLE}
	*(**Handle)(unsafe.Pointer(&ev.Udata)) = h
	if _, err := unix.Kevent(m.fd, []unix.Kevent_t{ev}, nil, nil); err != nil {
		return os.NewSyscallError("kevent add signal", err)
	}
	return nil
}

func (m *kqueueMuxer) removeSignalEvent(sig int) error {
	ev := unix.Kevent_t{Ident: uint64(sig), Filter: unix.EVFILT_SIGNAL, Flags: unix.EV_DELETE}
	if _, err := unix.Kevent(m.fd, []unix.Kevent_t{ev}, nil, nil); err != nil {
		return os.NewSyscallError("kevent delete signal", err)
	}
	return nil
}

func (m *kqueueMuxer) remove(fd int) error {
	if fd < 0 {
		// A signal Handle's "fd" is a sentinel: its kevents are removed
		// per signal number via removeSignalEvent, not here.
		return nil
	}
	// Deleted one filter at a time: a read-only registration has no write
	// filter, and ENOENT for the missing one is not a failure.
	for _, filter := range []int16{unix.EVFILT_READ, unix.EVFILT_WRITE} {
		ev := unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: unix.EV_DELETE}
		if _, err := unix.Kevent(m.fd, []unix.Kevent_t{ev}, nil, nil); err != nil && err != unix.ENOENT {
			return os.NewSyscallError("kevent delete", err)
		}
	}
	return nil
}

func (m *kqueueMuxer) wait(timeout time.Duration) ([]readyEvent, error) {
	ts := timespecOf(timeout)
	for {
		n, err := unix.Kevent(m.fd, nil, m.events, ts)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, os.NewSyscallError("kevent wait", err)
		}
		return m.collect(n), nil
	}
}

func (m *kqueueMuxer) collect(n int) []readyEvent {
	var signals []readyEvent
	byHandle := make(map[*Handle]*readyEvent, n)
	order := make([]*Handle, 0, n)
	for i := 0; i < n; i++ {
		ev := m.events[i]
		h := *(**Handle)(unsafe.Pointer(&ev.Udata))
		if ev.Filter == unix.EVFILT_SIGNAL {
			// Keyed by signal number, not by fd: two distinct signals can
			// share the one Handle a Set registers for its whole subscription,
			// so these never coalesce with each other or with read/write events.
			signals = append(signals, readyEvent{handle: h, readable: true, signo: int(ev.Ident)})
			continue
		}
		re, ok := byHandle[h]
		if !ok {
			order = append(order, h)
			re = &readyEvent{handle: h}
			byHandle[h] = re
		}
		if ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
			re.hup = true
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			re.readable = true
		case unix.EVFILT_WRITE:
			re.writable = true
		}
	}
	out := make([]readyEvent, 0, len(order)+len(signals))
	for _, h := range order {
		out = append(out, *byHandle[h])
	}
	out = append(out, signals...)
	return out
}

func (m *kqueueMuxer) close() error {
	return os.NewSyscallError("close", unix.Close(m.fd))
}

// RegisterSignalNumber subscribes h to sig via the Reactor's kqueue
// EVFILT_SIGNAL filter. It is the BSD counterpart of the Linux signalfd
// path, where a signal Handle instead registers its fd normally.
func (r *Reactor) RegisterSignalNumber(sig int, h *Handle) error {
	km, ok := r.mx.(*kqueueMuxer)
	if !ok {
		return errors.New("reactor: signal registration requires a kqueue multiplexer")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := km.addSignalEvent(sig, h); err != nil {
		return err
	}
	r.handles[h] = struct{}{}
	return nil
}

// DeregisterSignalNumber reverses RegisterSignalNumber.
func (r *Reactor) DeregisterSignalNumber(sig int) error {
	km, ok := r.mx.(*kqueueMuxer)
	if !ok {
		return errors.New("reactor: signal registration requires a kqueue multiplexer")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return km.removeSignalEvent(sig)
}

// timespecOf converts a wait budget to the kevent convention: nil blocks
// indefinitely, a zero Timespec returns immediately.
func timespecOf(timeout time.Duration) *unix.Timespec {
	if timeout < 0 {
		return nil
	}
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	return &ts
}
