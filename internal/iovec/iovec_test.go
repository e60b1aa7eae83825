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

package iovec_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lucidio/aionet/internal/iovec"
)

func TestIOVEC(t *testing.T) {
	ioData := iovec.NewIOData()
	ioData.ByteVec = [][]byte{
		[]byte("test"),
	}
	length := len(ioData.ByteVec)
	ioData.SetIOVec(length)
	require.Equal(t, length, len(ioData.IOVec))
	require.Equal(t, len("test"), int(ioData.IOVec[0].Len))
	ioData.Release(length)
	require.Nil(t, ioData.ByteVec[0])
	ioData.Reset()
	require.Len(t, ioData.ByteVec, 0)
}
