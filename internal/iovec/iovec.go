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

// Package iovec carries the paired byte-slice / unix.Iovec views that a
// vectored read or write hands to the kernel.
package iovec

import (
	"golang.org/x/sys/unix"
)

// defaultLength is how many vector slots a fresh IOData starts with.
const defaultLength = 8

// IOData pairs the Go byte slices of a vectored I/O call with the
// unix.Iovec array pointing into them. SetIOVec (per-arch, since the
// kernel iovec length field differs in width) rebuilds IOVec from
// ByteVec before each syscall.
type IOData struct {
	ByteVec [][]byte
	IOVec   []unix.Iovec
}

// NewIOData creates an IOData with defaultLength free slots.
func NewIOData() IOData {
	return IOData{
		ByteVec: make([][]byte, defaultLength),
		IOVec:   make([]unix.Iovec, defaultLength),
	}
}

// Release nils out the first sliceCnt entries of both vectors so the
// blocks they point at can be collected.
func (d *IOData) Release(sliceCnt int) {
	if sliceCnt > len(d.ByteVec) {
		sliceCnt = len(d.ByteVec)
	}
	if sliceCnt > len(d.IOVec) {
		sliceCnt = len(d.IOVec)
	}
	for i := 0; i < sliceCnt; i++ {
		d.ByteVec[i] = nil
		d.IOVec[i].Base = nil
	}
}

// Reset truncates both vectors to zero length, keeping their capacity.
func (d *IOData) Reset() {
	d.ByteVec = d.ByteVec[:0]
	d.IOVec = d.IOVec[:0]
}
