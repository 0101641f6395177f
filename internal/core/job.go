package core

import "time"

// JobStatus is the lifecycle state of a requested execution.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSuccess, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// TriggerType records what caused a job to be enqueued.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerBackfill TriggerType = "backfill"
	TriggerAPI      TriggerType = "api"
)

// BackfillWindow bounds a backfill job to a historical interval.
type BackfillWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Job is one requested execution of a pipeline version.
type Job struct {
	ID              string          `json:"id"`
	PipelineID      string          `json:"pipeline_id"`
	VersionID       string          `json:"version_id"`
	WorkspaceID     string          `json:"workspace_id"`
	Status          JobStatus       `json:"status"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	Trigger         TriggerType     `json:"trigger,omitempty"`
	Priority        int             `json:"priority"`
	RetryCount      int             `json:"retry_count"`
	QueueName       string          `json:"queue_name"`
	WorkerID        string          `json:"worker_id,omitempty"`
	AssignedAgent   string          `json:"assigned_agent,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms,omitempty"`
	Backfill        *BackfillWindow `json:"backfill,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	InfraError      bool            `json:"infra_error,omitempty"`
}

// EphemeralJobType identifies a short interactive task run on an agent
// without a PipelineRun.
type EphemeralJobType string

const (
	EphemeralExplorer  EphemeralJobType = "explorer"
	EphemeralMetadata  EphemeralJobType = "metadata"
	EphemeralTest      EphemeralJobType = "test"
	EphemeralFile      EphemeralJobType = "file"
	EphemeralSystem    EphemeralJobType = "system"
	EphemeralRuntimeOp EphemeralJobType = "runtime_setup"
)

// EphemeralJob is a short interactive task (query, discovery, file op).
type EphemeralJob struct {
	ID           string           `json:"id"`
	WorkspaceID  string           `json:"workspace_id"`
	QueueName    string           `json:"queue_name"`
	Type         EphemeralJobType `json:"type"`
	Payload      map[string]any   `json:"payload,omitempty"`
	ConnectionID string           `json:"connection,omitempty"`
	Status       JobStatus        `json:"status"`
	Priority     int              `json:"priority"`
	CreatedAt    time.Time        `json:"created_at"`
	WorkerID     string           `json:"worker_id,omitempty"`
}

// EphemeralResult is the single terminal report for an ephemeral job.
type EphemeralResult struct {
	Status          JobStatus `json:"status"`
	ResultSummary   string    `json:"result_summary,omitempty"`
	ResultSample    []Row     `json:"result_sample,omitempty"`
	ResultArrow     string    `json:"result_sample_arrow,omitempty"` // base64
	ExecutionTimeMS int64     `json:"execution_time_ms,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}
