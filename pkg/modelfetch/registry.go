// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"context"
	"sync"
	"time"
)

// job is the live download record. The worker goroutine executing it is the
// sole writer of state; status queries take snapshots under the job mutex
// instead of holding live references.
type job struct {
	mu    sync.Mutex
	state Job

	cancel context.CancelFunc

	// speed/ETA bookkeeping, touched only by the owning worker.
	lastBytes int64
	lastTick  time.Time
}

func newJob(name string, cancel context.CancelFunc) *job {
	now := time.Now()
	return &job{
		state: Job{
			ModelName:  name,
			Status:     StatusPending,
			TotalFiles: 1,
			StartTime:  now,
			LastUpdate: now,
		},
		cancel: cancel,
	}
}

func (j *job) snapshot() Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *job) update(fn func(*Job)) {
	j.mu.Lock()
	fn(&j.state)
	j.state.LastUpdate = time.Now()
	j.mu.Unlock()
}

func (j *job) status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Status
}

// jobRegistry is the single source of truth for in-flight downloads. All
// mutation happens under one mutex with short critical sections; event
// emission never happens while the lock is held.
type jobRegistry struct {
	mu   sync.Mutex
	jobs map[string]*job
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{jobs: make(map[string]*job)}
}

// tryStart atomically checks-and-inserts j under its model name. A
// non-terminal job already tracked for the name yields ErrConflict; a
// terminal one is replaced (retry after failure).
func (r *jobRegistry) tryStart(j *job) error {
	name := j.snapshot().ModelName
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.jobs[name]; ok && !existing.status().Terminal() {
		return ErrConflict
	}
	r.jobs[name] = j
	return nil
}

func (r *jobRegistry) get(name string) (*job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[name]
	return j, ok
}

func (r *jobRegistry) list() []*job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}

// removeTerminal drops bookkeeping for jobs that reached a terminal state.
func (r *jobRegistry) removeTerminal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, j := range r.jobs {
		if j.status().Terminal() {
			delete(r.jobs, name)
			n++
		}
	}
	return n
}
