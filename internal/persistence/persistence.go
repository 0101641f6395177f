// Package persistence defines the storage contracts of the orchestrator.
// Implementations: memstore (in-process, used by tests and single-node
// setups) and postgres (pgx-backed, multi-dispatcher safe).
package persistence

import (
	"context"
	"time"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// LeaseRequest describes one agent poll: who is asking and which work it is
// allowed to take.
type LeaseRequest struct {
	WorkerID    string
	WorkspaceID string
	Queues      []string
	// LeaseTimeout bounds how long a leased job may go without a heartbeat
	// before it is reclaimed.
	LeaseTimeout time.Duration
}

// JobStore manages the pipeline job queue. Lease must be atomic: under
// concurrent polls, each queued job is handed to exactly one worker.
type JobStore interface {
	Enqueue(ctx context.Context, job *core.Job) error
	Get(ctx context.Context, id string) (*core.Job, error)
	// Lease claims the next eligible queued job for the requesting worker,
	// marking it Running. Returns core.ErrNoJob when nothing is eligible.
	Lease(ctx context.Context, req LeaseRequest) (*core.Job, error)
	UpdateStatus(ctx context.Context, id string, status core.JobStatus, report *core.JobStatusReport) error
	// Requeue returns a job to Queued with an incremented retry count.
	Requeue(ctx context.Context, id string, reason string) error
	// MarkFailed terminally fails a job, recording whether the failure was
	// infrastructural.
	MarkFailed(ctx context.Context, id string, message string, infra bool) error
	// TouchLease refreshes the lease clock of every running job held by a
	// worker. Called on agent heartbeat.
	TouchLease(ctx context.Context, workerID string, at time.Time) error
	// CountActive returns the number of queued or running jobs for a pipeline.
	CountActive(ctx context.Context, pipelineID string) (int, error)
	// ListRunning returns the running jobs for a pipeline, or for every
	// pipeline when pipelineID is empty.
	ListRunning(ctx context.Context, pipelineID string) ([]*core.Job, error)
	// ListExpiredLeases returns running jobs whose worker has not heartbeat
	// within the lease timeout.
	ListExpiredLeases(ctx context.Context, timeout time.Duration) ([]*core.Job, error)
}

// EphemeralStore manages the short interactive task queue.
type EphemeralStore interface {
	Enqueue(ctx context.Context, job *core.EphemeralJob) error
	// Lease claims the next ephemeral job for a worker, or core.ErrNoJob.
	Lease(ctx context.Context, req LeaseRequest) (*core.EphemeralJob, error)
	Complete(ctx context.Context, id string, result *core.EphemeralResult) error
	Get(ctx context.Context, id string) (*core.EphemeralJob, error)
}

// PipelineStore serves pipeline templates and their versions.
type PipelineStore interface {
	GetPipeline(ctx context.Context, id string) (*core.Pipeline, error)
	GetVersion(ctx context.Context, versionID string) (*core.PipelineVersion, error)
	// ListScheduled returns pipelines with schedule_enabled set.
	ListScheduled(ctx context.Context) ([]*core.Pipeline, error)
}

// ConnectionStore resolves connection blobs referenced by pipeline nodes.
type ConnectionStore interface {
	GetBlob(ctx context.Context, id string) (*core.ConnectionBlob, error)
}

// RunStore persists pipeline runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *core.PipelineRun) error
	GetRun(ctx context.Context, id string) (*core.PipelineRun, error)
	GetRunByJob(ctx context.Context, jobID string) (*core.PipelineRun, error)
	UpdateRun(ctx context.Context, run *core.PipelineRun) error
	// IncrementCompleted atomically bumps the run's completed-node count.
	IncrementCompleted(ctx context.Context, runID string) error
	// NextRunNumber allocates the next monotonic run number for a pipeline.
	NextRunNumber(ctx context.Context, pipelineID string) (int64, error)
	// LatestSuccess returns the most recent completed run for a pipeline,
	// or nil when none exists.
	LatestSuccess(ctx context.Context, pipelineID string) (*core.PipelineRun, error)
}

// StepStore persists step runs. CreateStep is idempotent on
// (run_id, node_id): a second create returns the existing record.
type StepStore interface {
	CreateStep(ctx context.Context, step *core.StepRun) (*core.StepRun, error)
	GetStep(ctx context.Context, runID, nodeID string) (*core.StepRun, error)
	UpdateStep(ctx context.Context, step *core.StepRun) error
	ListSteps(ctx context.Context, runID string) ([]*core.StepRun, error)
}

// AgentStore tracks registered agents and their liveness.
type AgentStore interface {
	GetByClientID(ctx context.Context, clientID string) (*core.Agent, error)
	RecordHeartbeat(ctx context.Context, clientID string, hb *core.HeartbeatRequest) error
	// MarkStale flips agents whose last heartbeat is older than the cutoff
	// to Offline, returning how many were flipped.
	MarkStale(ctx context.Context, cutoff time.Time) (int, error)
	List(ctx context.Context, workspaceID string) ([]*core.Agent, error)
}
