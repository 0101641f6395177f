package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/persistence"
)

// Ephemerals is the in-memory short-task queue.
type Ephemerals struct {
	mu      sync.Mutex
	jobs    map[string]*core.EphemeralJob
	results map[string]*core.EphemeralResult
}

var _ persistence.EphemeralStore = (*Ephemerals)(nil)

// NewEphemerals creates an empty ephemeral queue.
func NewEphemerals() *Ephemerals {
	return &Ephemerals{
		jobs:    make(map[string]*core.EphemeralJob),
		results: make(map[string]*core.EphemeralResult),
	}
}

// Enqueue implements persistence.EphemeralStore.
func (e *Ephemerals) Enqueue(_ context.Context, job *core.EphemeralJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	copied := *job
	if copied.Status == "" {
		copied.Status = core.JobQueued
	}
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	e.jobs[copied.ID] = &copied
	return nil
}

// Lease implements persistence.EphemeralStore.
func (e *Ephemerals) Lease(_ context.Context, req persistence.LeaseRequest) (*core.EphemeralJob, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var eligible []*core.EphemeralJob
	for _, job := range e.jobs {
		if job.Status != core.JobQueued {
			continue
		}
		if req.WorkspaceID != "" && job.WorkspaceID != req.WorkspaceID {
			continue
		}
		if len(req.Queues) > 0 && !lo.Contains(req.Queues, job.QueueName) {
			continue
		}
		eligible = append(eligible, job)
	}
	if len(eligible) == 0 {
		return nil, core.ErrNoJob
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	job := eligible[0]
	job.Status = core.JobRunning
	job.WorkerID = req.WorkerID

	copied := *job
	return &copied, nil
}

// Complete implements persistence.EphemeralStore. The first terminal result
// for a job wins; later reports are dropped.
func (e *Ephemerals) Complete(_ context.Context, id string, result *core.EphemeralResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[id]
	if !ok {
		return core.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.Status = result.Status
	copied := *result
	e.results[id] = &copied
	return nil
}

// Get implements persistence.EphemeralStore.
func (e *Ephemerals) Get(_ context.Context, id string) (*core.EphemeralJob, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

// Result returns the stored terminal result for a job, or nil.
func (e *Ephemerals) Result(id string) *core.EphemeralResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, ok := e.results[id]; ok {
		copied := *r
		return &copied
	}
	return nil
}
