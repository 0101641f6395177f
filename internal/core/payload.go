package core

import "time"

// Credential header names for the agent/dispatcher protocol.
const (
	HeaderClientID = "X-SynqX-Client-ID"
	HeaderAPIKey   = "X-SynqX-API-Key"
)

// JobRef is the lightweight job reference inside a poll response.
type JobRef struct {
	ID         string `json:"id"`
	PipelineID string `json:"pipeline_id"`
	RunID      string `json:"run_id"`
	Queue      string `json:"queue"`
}

// ExecConfig carries run-wide execution limits handed over with a lease.
type ExecConfig struct {
	MaxRetries     int `json:"max_retries,omitempty"`
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// JobPayload is the full handoff for a leased pipeline job: the serialized
// DAG plus the resolved connection blobs the run will need.
type JobPayload struct {
	Job         JobRef                    `json:"job"`
	DAG         *PipelineVersion          `json:"dag"`
	Connections map[string]ConnectionBlob `json:"connections"`
	Config      ExecConfig                `json:"config"`
	Backfill    *BackfillWindow           `json:"backfill,omitempty"`
}

// EphemeralPayload hands over a short interactive task.
type EphemeralPayload struct {
	ID         string           `json:"id"`
	Type       EphemeralJobType `json:"type"`
	Payload    map[string]any   `json:"payload,omitempty"`
	Connection *ConnectionBlob  `json:"connection,omitempty"`
}

// PollResponse is the dispatcher's answer to an agent poll. Exactly one of
// Job or Ephemeral is set; both nil means no work was available.
type PollResponse struct {
	Job       *JobPayload       `json:"job"`
	Ephemeral *EphemeralPayload `json:"ephemeral,omitempty"`
}

// HeartbeatRequest is the agent's periodic liveness report.
type HeartbeatRequest struct {
	Status     AgentStatus `json:"status"`
	SystemInfo SystemInfo  `json:"system_info"`
	IPAddress  string      `json:"ip_address,omitempty"`
	Version    string      `json:"version,omitempty"`
	Hostname   string      `json:"hostname,omitempty"`
}

// HeartbeatResponse carries control signals back to the agent, currently
// the IDs of leased jobs whose cancellation has been requested.
type HeartbeatResponse struct {
	CancelJobIDs []string `json:"cancel_job_ids,omitempty"`
}

// JobStatusReport is the agent's terminal callback for a job.
type JobStatusReport struct {
	Status          JobStatus `json:"status"`
	Message         string    `json:"message,omitempty"`
	ExecutionTimeMS int64     `json:"execution_time_ms,omitempty"`
	TotalRecords    int64     `json:"total_records,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
