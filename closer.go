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

import "github.com/lucidio/aionet/internal/safejob"

type key int

const (
	sysRead key = iota
	sysWrite
	apiRead
	apiWrite
	apiCtrl
	closeAll
)

// closer guards a connection's teardown against its in-flight work: each
// kind of activity runs as a tracked job, and closing a job kind both
// waits out the current holder and refuses new entrants. The reactor's
// own read/write operations take the sys jobs; user-facing calls take
// the api jobs; Close itself is the one-shot closeAll job.
type closer struct {
	sysReadJob  safejob.ExclusiveUnblockJob
	sysWriteJob safejob.ExclusiveUnblockJob
	apiReadJob  safejob.ExclusiveBlockJob
	apiWriteJob safejob.ConcurrentJob
	apiCtrlJob  safejob.ExclusiveBlockJob
	closeAllJob safejob.OnceJob
}

// closed reports whether the connection has been torn down.
func (c *closer) closed() bool {
	return c.closeAllJob.Closed()
}

func (c *closer) job(k key) safejob.Job {
	jobs := [...]safejob.Job{
		sysRead:  &c.sysReadJob,
		sysWrite: &c.sysWriteJob,
		apiRead:  &c.apiReadJob,
		apiWrite: &c.apiWriteJob,
		apiCtrl:  &c.apiCtrlJob,
		closeAll: &c.closeAllJob,
	}
	if k < 0 || int(k) >= len(jobs) {
		return nil
	}
	return jobs[k]
}

func (c *closer) beginJobSafely(k key) bool {
	j := c.job(k)
	return j != nil && j.Begin()
}

func (c *closer) endJobSafely(k key) {
	if j := c.job(k); j != nil {
		j.End()
	}
}

func (c *closer) closeJobSafely(k key) {
	if j := c.job(k); j != nil {
		j.Close()
	}
}

// closeAllJobs shuts every job kind except closeAll itself, which the
// caller is already holding.
func (c *closer) closeAllJobs() {
	for k := sysRead; k < closeAll; k++ {
		c.closeJobSafely(k)
	}
}
