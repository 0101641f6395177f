package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

const runColumns = `id, job_id, pipeline_id, version_id, run_number, status,
	total_nodes, completed_nodes, total_extracted, total_loaded, total_failed,
	bytes_processed, started_at, ended_at, duration_ms, error_message,
	failed_step_id`

// CreateRun implements persistence.RunStore.
func (s *Store) CreateRun(ctx context.Context, run *core.PipelineRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (id, job_id, pipeline_id, version_id,
			run_number, status, total_nodes, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.JobID, run.PipelineID, run.VersionID, run.RunNumber,
		run.Status, run.TotalNodes, run.StartedAt)
	return err
}

// GetRun implements persistence.RunStore.
func (s *Store) GetRun(ctx context.Context, id string) (*core.PipelineRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return run, err
}

// GetRunByJob implements persistence.RunStore.
func (s *Store) GetRunByJob(ctx context.Context, jobID string) (*core.PipelineRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE job_id = $1`, jobID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return run, err
}

// UpdateRun implements persistence.RunStore.
func (s *Store) UpdateRun(ctx context.Context, run *core.PipelineRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_runs
		SET status = $2,
		    completed_nodes = $3,
		    total_extracted = $4,
		    total_loaded = $5,
		    total_failed = $6,
		    bytes_processed = $7,
		    started_at = $8,
		    ended_at = $9,
		    duration_ms = $10,
		    error_message = $11,
		    failed_step_id = $12
		WHERE id = $1`,
		run.ID, run.Status, run.CompletedNodes, run.TotalExtracted,
		run.TotalLoaded, run.TotalFailed, run.BytesProcessed,
		run.StartedAt, run.EndedAt, run.DurationMS, run.ErrorMessage,
		run.FailedStepID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// IncrementCompleted implements persistence.RunStore. The bump happens in the
// database so concurrent step completions never lose counts.
func (s *Store) IncrementCompleted(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_runs
		SET completed_nodes = completed_nodes + 1
		WHERE id = $1`, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// NextRunNumber implements persistence.RunStore. The per-pipeline counter is
// advanced with a single upsert, so it is monotonic under concurrency.
func (s *Store) NextRunNumber(ctx context.Context, pipelineID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO pipeline_run_seq (pipeline_id, last_number)
		VALUES ($1, 1)
		ON CONFLICT (pipeline_id) DO UPDATE
		SET last_number = pipeline_run_seq.last_number + 1
		RETURNING last_number`, pipelineID).Scan(&n)
	return n, err
}

// LatestSuccess implements persistence.RunStore.
func (s *Store) LatestSuccess(ctx context.Context, pipelineID string) (*core.PipelineRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM pipeline_runs
		WHERE pipeline_id = $1 AND status = 'completed'
		ORDER BY ended_at DESC NULLS LAST
		LIMIT 1`, pipelineID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

const stepColumns = `id, pipeline_run_id, node_id, operator_type, order_index,
	status, counters, cpu_percent, memory_mb, sample_data, quality_profile,
	retry_count, error_type, error_message, started_at, ended_at`

// CreateStep implements persistence.StepStore. Creation is idempotent on
// (run, node): a conflicting insert returns the existing record.
func (s *Store) CreateStep(ctx context.Context, step *core.StepRun) (*core.StepRun, error) {
	id := step.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO step_runs (id, pipeline_run_id, node_id, operator_type,
			order_index, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pipeline_run_id, node_id) DO NOTHING`,
		id, step.RunID, step.NodeID, step.OperatorType, step.OrderIndex, step.Status)
	if err != nil {
		return nil, err
	}
	return s.GetStep(ctx, step.RunID, step.NodeID)
}

// GetStep implements persistence.StepStore.
func (s *Store) GetStep(ctx context.Context, runID, nodeID string) (*core.StepRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+stepColumns+` FROM step_runs
		WHERE pipeline_run_id = $1 AND node_id = $2`, runID, nodeID)
	step, err := scanStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return step, err
}

// UpdateStep implements persistence.StepStore.
func (s *Store) UpdateStep(ctx context.Context, step *core.StepRun) error {
	counters, err := json.Marshal(step.Counters)
	if err != nil {
		return err
	}
	samples, err := marshalNullableMap(step.SampleData)
	if err != nil {
		return err
	}
	profile, err := marshalNullableMap(step.QualityProfile)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_runs
		SET status = $3,
		    counters = $4,
		    cpu_percent = $5,
		    memory_mb = $6,
		    sample_data = COALESCE($7, sample_data),
		    quality_profile = COALESCE($8, quality_profile),
		    retry_count = $9,
		    error_type = $10,
		    error_message = $11,
		    started_at = $12,
		    ended_at = $13
		WHERE pipeline_run_id = $1 AND node_id = $2`,
		step.RunID, step.NodeID, step.Status, counters, step.CPUPercent,
		step.MemoryMB, samples, profile, step.RetryCount, step.ErrorType,
		step.ErrorMessage, step.StartedAt, step.EndedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// ListSteps implements persistence.StepStore.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]*core.StepRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepColumns+` FROM step_runs
		WHERE pipeline_run_id = $1
		ORDER BY order_index, node_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.StepRun
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (*core.PipelineRun, error) {
	var run core.PipelineRun
	err := row.Scan(&run.ID, &run.JobID, &run.PipelineID, &run.VersionID,
		&run.RunNumber, &run.Status, &run.TotalNodes, &run.CompletedNodes,
		&run.TotalExtracted, &run.TotalLoaded, &run.TotalFailed,
		&run.BytesProcessed, &run.StartedAt, &run.EndedAt, &run.DurationMS,
		&run.ErrorMessage, &run.FailedStepID)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func scanStep(row pgx.Row) (*core.StepRun, error) {
	var step core.StepRun
	var counters, samples, profile []byte
	err := row.Scan(&step.ID, &step.RunID, &step.NodeID, &step.OperatorType,
		&step.OrderIndex, &step.Status, &counters, &step.CPUPercent,
		&step.MemoryMB, &samples, &profile, &step.RetryCount, &step.ErrorType,
		&step.ErrorMessage, &step.StartedAt, &step.EndedAt)
	if err != nil {
		return nil, err
	}
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &step.Counters); err != nil {
			return nil, err
		}
	}
	if len(samples) > 0 {
		if err := json.Unmarshal(samples, &step.SampleData); err != nil {
			return nil, err
		}
	}
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &step.QualityProfile); err != nil {
			return nil, err
		}
	}
	return &step, nil
}

func marshalNullableMap[M ~map[string]V, V any](m M) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
