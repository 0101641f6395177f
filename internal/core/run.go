package core

import "time"

// RunStatus is the lifecycle state of an in-flight pipeline execution.
type RunStatus string

const (
	RunPending      RunStatus = "pending"
	RunInitializing RunStatus = "initializing"
	RunRunning      RunStatus = "running"
	RunCompleted    RunStatus = "completed"
	RunFailed       RunStatus = "failed"
	RunCancelled    RunStatus = "cancelled"
)

// IsTerminal reports whether the run can no longer change state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// PipelineRun is the actual in-flight execution owned by a Job.
type PipelineRun struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	PipelineID     string     `json:"pipeline_id"`
	VersionID      string     `json:"version_id"`
	RunNumber      int64      `json:"run_number"`
	Status         RunStatus  `json:"status"`
	TotalNodes     int        `json:"total_nodes"`
	CompletedNodes int        `json:"completed_nodes"`
	TotalExtracted int64      `json:"total_extracted"`
	TotalLoaded    int64      `json:"total_loaded"`
	TotalFailed    int64      `json:"total_failed"`
	BytesProcessed int64      `json:"bytes_processed"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	DurationMS     int64      `json:"duration_ms,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	FailedStepID   string     `json:"failed_step_id,omitempty"`
}

// StepStatus is the lifecycle state of one node execution within a run.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// IsTerminal reports whether the step can no longer change state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSuccess, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// StepRun is the execution record of one node within a PipelineRun.
type StepRun struct {
	ID             string       `json:"id"`
	RunID          string       `json:"pipeline_run_id"`
	NodeID         string       `json:"node_id"`
	OperatorType   OperatorType `json:"operator_type"`
	OrderIndex     int          `json:"order_index"`
	Status         StepStatus   `json:"status"`
	Counters       StepCounters `json:"counters"`
	CPUPercent     float64      `json:"cpu_percent,omitempty"`
	MemoryMB       float64      `json:"memory_mb,omitempty"`
	SampleData     SampleData   `json:"sample_data,omitempty"`
	QualityProfile map[string]any `json:"quality_profile,omitempty"`
	RetryCount     int          `json:"retry_count"`
	ErrorType      string       `json:"error_type,omitempty"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
}

// StepCounters accumulates record and byte counts for a step.
type StepCounters struct {
	RecordsIn       int64 `json:"records_in"`
	RecordsOut      int64 `json:"records_out"`
	RecordsFiltered int64 `json:"records_filtered"`
	RecordsError    int64 `json:"records_error"`
	BytesProcessed  int64 `json:"bytes_processed"`
}

// Add accumulates another set of counters into this one.
func (c *StepCounters) Add(other StepCounters) {
	c.RecordsIn += other.RecordsIn
	c.RecordsOut += other.RecordsOut
	c.RecordsFiltered += other.RecordsFiltered
	c.RecordsError += other.RecordsError
	c.BytesProcessed += other.BytesProcessed
}

// SampleData holds first-seen row snapshots keyed by direction
// ("in", "out", "quarantine").
type SampleData map[string][]Row

// StepUpdate is one telemetry event for a step, produced by the executor and
// delivered to subscribers in producer order.
type StepUpdate struct {
	JobID          string         `json:"job_id"`
	RunID          string         `json:"run_id"`
	NodeID         string         `json:"node_id"`
	Status         StepStatus     `json:"status"`
	Counters       StepCounters   `json:"counters"`
	CPUPercent     float64        `json:"cpu_percent,omitempty"`
	MemoryMB       float64        `json:"memory_mb,omitempty"`
	SampleData     SampleData     `json:"sample_data,omitempty"`
	QualityProfile map[string]any `json:"quality_profile,omitempty"`
	RetryCount     int            `json:"retry_count,omitempty"`
	ErrorType      string         `json:"error_type,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// SameAs reports whether two updates are identical excluding timestamps.
// Used by the telemetry ingress for duplicate suppression.
func (u StepUpdate) SameAs(other StepUpdate) bool {
	return u.RunID == other.RunID &&
		u.NodeID == other.NodeID &&
		u.Status == other.Status &&
		u.Counters == other.Counters &&
		u.CPUPercent == other.CPUPercent &&
		u.MemoryMB == other.MemoryMB &&
		u.RetryCount == other.RetryCount &&
		u.ErrorType == other.ErrorType &&
		u.ErrorMessage == other.ErrorMessage
}

// LogRecord is one agent-side log line shipped with telemetry.
type LogRecord struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`
	NodeID    string    `json:"node_id,omitempty"`
}
