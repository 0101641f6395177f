// Package memstore is the in-process implementation of the persistence
// contracts. It backs tests and single-node deployments; all operations are
// serialized per store by a mutex, which makes job leasing trivially atomic.
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

// Store implements the persistence interfaces over in-memory maps. The
// ephemeral queue lives in its own type (Ephemerals) because its method set
// mirrors the job queue's.
type Store struct {
	mu sync.Mutex

	jobs       map[string]*core.Job
	pipelines  map[string]*core.Pipeline
	versions   map[string]*core.PipelineVersion
	blobs      map[string]*core.ConnectionBlob
	runs       map[string]*core.PipelineRun
	runSeq     map[string]int64 // pipeline id -> last run number
	steps      map[stepKey]*core.StepRun
	agents     map[string]*core.Agent
	heartbeats map[string]time.Time // client id -> last heartbeat
	leases     map[string]time.Time // job id -> last lease touch
}

type stepKey struct {
	runID  string
	nodeID string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs:       make(map[string]*core.Job),
		pipelines:  make(map[string]*core.Pipeline),
		versions:   make(map[string]*core.PipelineVersion),
		blobs:      make(map[string]*core.ConnectionBlob),
		runs:       make(map[string]*core.PipelineRun),
		runSeq:     make(map[string]int64),
		steps:      make(map[stepKey]*core.StepRun),
		agents:     make(map[string]*core.Agent),
		heartbeats: make(map[string]time.Time),
		leases:     make(map[string]time.Time),
	}
}

var (
	_ persistence.JobStore        = (*Store)(nil)
	_ persistence.PipelineStore   = (*Store)(nil)
	_ persistence.ConnectionStore = (*Store)(nil)
	_ persistence.RunStore        = (*Store)(nil)
	_ persistence.StepStore       = (*Store)(nil)
	_ persistence.AgentStore      = (*Store)(nil)
)

// Enqueue implements persistence.JobStore.
func (s *Store) Enqueue(_ context.Context, job *core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *job
	if copied.Status == "" {
		copied.Status = core.JobQueued
	}
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	s.jobs[copied.ID] = &copied
	return nil
}

// Get implements persistence.JobStore.
func (s *Store) Get(_ context.Context, id string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

// Lease implements persistence.JobStore. The whole selection and claim runs
// under the store mutex, so concurrent polls cannot double-lease a job.
func (s *Store) Lease(_ context.Context, req persistence.LeaseRequest) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*core.Job
	for _, job := range s.jobs {
		if job.Status != core.JobQueued {
			continue
		}
		if req.WorkspaceID != "" && job.WorkspaceID != req.WorkspaceID {
			continue
		}
		if len(req.Queues) > 0 && !lo.Contains(req.Queues, job.QueueName) {
			continue
		}
		// Soft assignment: a job pinned to another agent waits for it.
		if job.AssignedAgent != "" && job.AssignedAgent != req.WorkerID {
			continue
		}
		eligible = append(eligible, job)
	}
	if len(eligible) == 0 {
		return nil, core.ErrNoJob
	}

	// Ascending priority, then FIFO within a priority.
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	job := eligible[0]
	now := time.Now().UTC()
	job.Status = core.JobRunning
	job.WorkerID = req.WorkerID
	job.StartedAt = &now
	s.leases[job.ID] = now

	copied := *job
	return &copied, nil
}

// UpdateStatus implements persistence.JobStore.
func (s *Store) UpdateStatus(_ context.Context, id string, status core.JobStatus, report *core.JobStatusReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return core.ErrNotFound
	}
	if job.Status.IsTerminal() {
		// Late or duplicate report; the first terminal status wins.
		return nil
	}
	job.Status = status
	if report != nil {
		job.ErrorMessage = report.Message
		job.ExecutionTimeMS = report.ExecutionTimeMS
	}
	if status.IsTerminal() {
		now := time.Now().UTC()
		job.CompletedAt = &now
		delete(s.leases, id)
	}
	return nil
}

// Requeue implements persistence.JobStore.
func (s *Store) Requeue(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return core.ErrNotFound
	}
	job.Status = core.JobQueued
	job.WorkerID = ""
	job.StartedAt = nil
	job.RetryCount++
	job.ErrorMessage = reason
	delete(s.leases, id)
	return nil
}

// MarkFailed implements persistence.JobStore.
func (s *Store) MarkFailed(_ context.Context, id string, message string, infra bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return core.ErrNotFound
	}
	now := time.Now().UTC()
	job.Status = core.JobFailed
	job.ErrorMessage = message
	job.InfraError = infra
	job.CompletedAt = &now
	delete(s.leases, id)
	return nil
}

// CountActive implements persistence.JobStore.
func (s *Store) CountActive(_ context.Context, pipelineID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, job := range s.jobs {
		if job.PipelineID != pipelineID {
			continue
		}
		if job.Status == core.JobQueued || job.Status == core.JobRunning || job.Status == core.JobPending {
			count++
		}
	}
	return count, nil
}

// ListRunning implements persistence.JobStore.
func (s *Store) ListRunning(_ context.Context, pipelineID string) ([]*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var running []*core.Job
	for _, job := range s.jobs {
		if job.Status != core.JobRunning {
			continue
		}
		if pipelineID != "" && job.PipelineID != pipelineID {
			continue
		}
		copied := *job
		running = append(running, &copied)
	}
	sort.Slice(running, func(i, j int) bool { return running[i].ID < running[j].ID })
	return running, nil
}

// TouchLease implements persistence.JobStore.
func (s *Store) TouchLease(_ context.Context, workerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, job := range s.jobs {
		if job.Status == core.JobRunning && job.WorkerID == workerID {
			s.leases[id] = at
		}
	}
	return nil
}

// ListExpiredLeases implements persistence.JobStore.
func (s *Store) ListExpiredLeases(_ context.Context, timeout time.Duration) ([]*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-timeout)
	var expired []*core.Job
	for id, job := range s.jobs {
		if job.Status != core.JobRunning {
			continue
		}
		if touched, ok := s.leases[id]; ok && touched.Before(cutoff) {
			copied := *job
			expired = append(expired, &copied)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}
