package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/persistence"
)

const jobColumns = `id, pipeline_id, version_id, workspace_id, status,
	correlation_id, trigger_type, priority, retry_count, queue_name,
	worker_id, assigned_agent, created_at, started_at, completed_at,
	execution_time_ms, backfill, error_message, infra_error`

// Enqueue implements persistence.JobStore.
func (s *Store) Enqueue(ctx context.Context, job *core.Job) error {
	status := job.Status
	if status == "" {
		status = core.JobQueued
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	backfill, err := marshalNullable(job.Backfill)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, pipeline_id, version_id, workspace_id, status,
			correlation_id, trigger_type, priority, retry_count, queue_name,
			worker_id, assigned_agent, created_at, backfill)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		job.ID, job.PipelineID, job.VersionID, job.WorkspaceID, status,
		job.CorrelationID, job.Trigger, job.Priority, job.RetryCount,
		job.QueueName, job.WorkerID, job.AssignedAgent, createdAt, backfill)
	return err
}

// Get implements persistence.JobStore.
func (s *Store) Get(ctx context.Context, id string) (*core.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return job, err
}

// Lease implements persistence.JobStore. The claim is a single UPDATE over a
// SKIP LOCKED selection, so concurrent polls never double-lease a job.
func (s *Store) Lease(ctx context.Context, req persistence.LeaseRequest) (*core.Job, error) {
	queues := req.Queues
	if queues == nil {
		queues = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		WITH next_job AS (
			SELECT id FROM jobs
			WHERE status = 'queued'
			  AND ($1 = '' OR workspace_id = $1)
			  AND (cardinality($2::text[]) = 0 OR queue_name = ANY ($2::text[]))
			  AND (assigned_agent = '' OR assigned_agent = $3)
			ORDER BY priority ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs
		SET status = 'running',
		    worker_id = $3,
		    started_at = now(),
		    lease_touched_at = now()
		WHERE id = (SELECT id FROM next_job)
		RETURNING `+jobColumns,
		req.WorkspaceID, queues, req.WorkerID)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNoJob
	}
	return job, err
}

// UpdateStatus implements persistence.JobStore. The first terminal status
// wins; late or duplicate reports are dropped.
func (s *Store) UpdateStatus(ctx context.Context, id string, status core.JobStatus, report *core.JobStatusReport) error {
	var message string
	var execMS int64
	if report != nil {
		message = report.Message
		execMS = report.ExecutionTimeMS
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2,
		    error_message = $3,
		    execution_time_ms = $4,
		    completed_at = CASE WHEN $5 THEN now() ELSE completed_at END,
		    lease_touched_at = CASE WHEN $5 THEN NULL ELSE lease_touched_at END
		WHERE id = $1
		  AND status NOT IN ('success', 'failed', 'cancelled')`,
		id, status, message, execMS, status.IsTerminal())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.requireJob(ctx, id)
	}
	return nil
}

// Requeue implements persistence.JobStore.
func (s *Store) Requeue(ctx context.Context, id string, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'queued',
		    worker_id = '',
		    started_at = NULL,
		    lease_touched_at = NULL,
		    retry_count = retry_count + 1,
		    error_message = $2
		WHERE id = $1`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// MarkFailed implements persistence.JobStore.
func (s *Store) MarkFailed(ctx context.Context, id string, message string, infra bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    error_message = $2,
		    infra_error = $3,
		    completed_at = now(),
		    lease_touched_at = NULL
		WHERE id = $1`, id, message, infra)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// CountActive implements persistence.JobStore.
func (s *Store) CountActive(ctx context.Context, pipelineID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE pipeline_id = $1
		  AND status IN ('pending', 'queued', 'running')`, pipelineID).Scan(&count)
	return count, err
}

// ListRunning implements persistence.JobStore.
func (s *Store) ListRunning(ctx context.Context, pipelineID string) ([]*core.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'running' AND ($1 = '' OR pipeline_id = $1)
		ORDER BY started_at ASC`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// TouchLease implements persistence.JobStore.
func (s *Store) TouchLease(ctx context.Context, workerID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lease_touched_at = $2
		WHERE worker_id = $1 AND status = 'running'`, workerID, at)
	return err
}

// ListExpiredLeases implements persistence.JobStore.
func (s *Store) ListExpiredLeases(ctx context.Context, timeout time.Duration) ([]*core.Job, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'running' AND lease_touched_at < $1
		ORDER BY id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []*core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, job)
	}
	return expired, rows.Err()
}

func (s *Store) requireJob(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return core.ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*core.Job, error) {
	var job core.Job
	var backfill []byte
	err := row.Scan(&job.ID, &job.PipelineID, &job.VersionID, &job.WorkspaceID,
		&job.Status, &job.CorrelationID, &job.Trigger, &job.Priority,
		&job.RetryCount, &job.QueueName, &job.WorkerID, &job.AssignedAgent,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.ExecutionTimeMS,
		&backfill, &job.ErrorMessage, &job.InfraError)
	if err != nil {
		return nil, err
	}
	if len(backfill) > 0 {
		if err := json.Unmarshal(backfill, &job.Backfill); err != nil {
			return nil, err
		}
	}
	return &job, nil
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case *core.BackfillWindow:
		if t == nil {
			return nil, nil
		}
	case *core.SLAConfig:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// Ephemerals implements persistence.EphemeralStore over the same pool.
type Ephemerals struct {
	pool *pgxpool.Pool
}

// NewEphemerals creates the ephemeral queue over an existing pool.
func NewEphemerals(pool *pgxpool.Pool) *Ephemerals {
	return &Ephemerals{pool: pool}
}

var _ persistence.EphemeralStore = (*Ephemerals)(nil)

const ephemeralColumns = `id, workspace_id, queue_name, type, payload,
	connection_id, status, priority, created_at, worker_id`

// Enqueue implements persistence.EphemeralStore.
func (e *Ephemerals) Enqueue(ctx context.Context, job *core.EphemeralJob) error {
	status := job.Status
	if status == "" {
		status = core.JobQueued
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}
	_, err = e.pool.Exec(ctx, `
		INSERT INTO ephemeral_jobs (id, workspace_id, queue_name, type,
			payload, connection_id, status, priority, created_at, worker_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.WorkspaceID, job.QueueName, job.Type, payload,
		job.ConnectionID, status, job.Priority, createdAt, job.WorkerID)
	return err
}

// Lease implements persistence.EphemeralStore.
func (e *Ephemerals) Lease(ctx context.Context, req persistence.LeaseRequest) (*core.EphemeralJob, error) {
	queues := req.Queues
	if queues == nil {
		queues = []string{}
	}
	row := e.pool.QueryRow(ctx, `
		WITH next_job AS (
			SELECT id FROM ephemeral_jobs
			WHERE status = 'queued'
			  AND ($1 = '' OR workspace_id = $1)
			  AND (cardinality($2::text[]) = 0 OR queue_name = ANY ($2::text[]))
			ORDER BY priority ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE ephemeral_jobs
		SET status = 'running', worker_id = $3
		WHERE id = (SELECT id FROM next_job)
		RETURNING `+ephemeralColumns,
		req.WorkspaceID, queues, req.WorkerID)

	job, err := scanEphemeral(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNoJob
	}
	return job, err
}

// Complete implements persistence.EphemeralStore. The first terminal result
// wins.
func (e *Ephemerals) Complete(ctx context.Context, id string, result *core.EphemeralResult) error {
	if result == nil {
		return core.NewError(core.ErrValidation, "ephemeral job %s completed without a result", id)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return err
	}
	tag, err := e.pool.Exec(ctx, `
		UPDATE ephemeral_jobs
		SET status = $2, result = $3
		WHERE id = $1
		  AND status NOT IN ('success', 'failed', 'cancelled')`,
		id, result.Status, encoded)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := e.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM ephemeral_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return core.ErrNotFound
		}
	}
	return nil
}

// Get implements persistence.EphemeralStore.
func (e *Ephemerals) Get(ctx context.Context, id string) (*core.EphemeralJob, error) {
	row := e.pool.QueryRow(ctx,
		`SELECT `+ephemeralColumns+` FROM ephemeral_jobs WHERE id = $1`, id)
	job, err := scanEphemeral(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return job, err
}

// Result returns the terminal result recorded for an ephemeral job, or nil.
func (e *Ephemerals) Result(ctx context.Context, id string) (*core.EphemeralResult, error) {
	var encoded []byte
	err := e.pool.QueryRow(ctx,
		`SELECT result FROM ephemeral_jobs WHERE id = $1`, id).Scan(&encoded)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(encoded) == 0 {
		return nil, nil
	}
	var result core.EphemeralResult
	if err := json.Unmarshal(encoded, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func scanEphemeral(row pgx.Row) (*core.EphemeralJob, error) {
	var job core.EphemeralJob
	var payload []byte
	err := row.Scan(&job.ID, &job.WorkspaceID, &job.QueueName, &job.Type,
		&payload, &job.ConnectionID, &job.Status, &job.Priority,
		&job.CreatedAt, &job.WorkerID)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, err
		}
	}
	return &job, nil
}
