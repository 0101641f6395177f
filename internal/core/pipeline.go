package core

import "time"

// OperatorType classifies what a node does with its input streams.
type OperatorType string

const (
	OperatorExtract   OperatorType = "extract"
	OperatorLoad      OperatorType = "load"
	OperatorTransform OperatorType = "transform"
	OperatorJoin      OperatorType = "join"
	OperatorUnion     OperatorType = "union"
	OperatorMerge     OperatorType = "merge"
	OperatorValidate  OperatorType = "validate"
	OperatorNoop      OperatorType = "noop"
)

// IsMultiInput reports whether the operator may legally have more than one
// inbound edge.
func (t OperatorType) IsMultiInput() bool {
	switch t {
	case OperatorJoin, OperatorUnion, OperatorMerge:
		return true
	default:
		return false
	}
}

// SyncMode selects how an extract node reads its source asset.
type SyncMode string

const (
	SyncFullLoad    SyncMode = "full_load"
	SyncIncremental SyncMode = "incremental"
	SyncCDC         SyncMode = "cdc"
)

// WriteStrategy selects how a load node writes its destination asset.
type WriteStrategy string

const (
	WriteAppend    WriteStrategy = "append"
	WriteOverwrite WriteStrategy = "overwrite"
	WriteUpsert    WriteStrategy = "upsert"
)

// SchemaEvolutionPolicy governs how a load node reacts to columns absent
// from the destination.
type SchemaEvolutionPolicy string

const (
	SchemaStrict SchemaEvolutionPolicy = "strict"
	SchemaEvolve SchemaEvolutionPolicy = "evolve"
	SchemaIgnore SchemaEvolutionPolicy = "ignore"
)

// RetryStrategy names a per-node retry backoff shape.
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryLinear      RetryStrategy = "linear_backoff"
	RetryExponential RetryStrategy = "exponential_backoff"
)

// Node is one operator instance within a pipeline version.
type Node struct {
	ID                 string                `json:"node_id"`
	Name               string                `json:"name,omitempty"`
	OperatorType       OperatorType          `json:"operator_type"`
	OperatorClass      string                `json:"operator_class,omitempty"`
	Config             map[string]any        `json:"config,omitempty"`
	OrderIndex         int                   `json:"order_index"`
	SourceAssetID      string                `json:"source_asset_id,omitempty"`
	DestinationAssetID string                `json:"destination_asset_id,omitempty"`
	SyncMode           SyncMode              `json:"sync_mode,omitempty"`
	WriteStrategy      WriteStrategy         `json:"write_strategy,omitempty"`
	SchemaEvolution    SchemaEvolutionPolicy `json:"schema_evolution_policy,omitempty"`
	DataContract       *DataContract         `json:"data_contract,omitempty"`
	QuarantineAssetID  string                `json:"quarantine_asset_id,omitempty"`
	ColumnMapping      map[string]string     `json:"column_mapping,omitempty"`
	IsDynamic          bool                  `json:"is_dynamic,omitempty"`
	MappingExpr        string                `json:"mapping_expr,omitempty"`
	SubPipelineID      string                `json:"sub_pipeline_id,omitempty"`
	WorkerTag          string                `json:"worker_tag,omitempty"`
	MaxRetries         int                   `json:"max_retries"`
	RetryStrategy      RetryStrategy         `json:"retry_strategy,omitempty"`
	RetryDelaySeconds  int                   `json:"retry_delay_seconds,omitempty"`
	TimeoutSeconds     int                   `json:"timeout_seconds,omitempty"`
}

// RetryDelay returns the node's base retry delay, defaulting to 5 s.
func (n *Node) RetryDelay() time.Duration {
	if n.RetryDelaySeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(n.RetryDelaySeconds) * time.Second
}

// Timeout returns the per-node execution timeout, or zero when unset.
func (n *Node) Timeout() time.Duration {
	if n.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// WatermarkColumn returns the node-level incremental cursor column, if any.
func (n *Node) WatermarkColumn() string {
	if n.Config == nil {
		return ""
	}
	if v, ok := n.Config["watermark_column"].(string); ok {
		return v
	}
	return ""
}

// Edge is a directed dependency between two nodes in the same version.
// Condition, when set, gates execution of the target node.
type Edge struct {
	From      string `json:"from_node_id"`
	To        string `json:"to_node_id"`
	EdgeType  string `json:"edge_type,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// PipelineVersion is one immutable revision of a pipeline's node/edge set.
type PipelineVersion struct {
	ID         string    `json:"id"`
	PipelineID string    `json:"pipeline_id"`
	Version    int       `json:"version"`
	Nodes      []Node    `json:"nodes"`
	Edges      []Edge    `json:"edges"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// Validate checks the structural invariants of a version: non-empty node set,
// unique node ids, no self-loops, edges referencing known nodes, and multiple
// inbound edges only on multi-input operators. Acyclicity is checked by the
// graph builder.
func (v *PipelineVersion) Validate() error {
	if len(v.Nodes) == 0 {
		return NewError(ErrValidation, "pipeline version %s has no nodes", v.ID)
	}

	ids := make(map[string]bool, len(v.Nodes))
	for _, n := range v.Nodes {
		if n.ID == "" {
			return NewError(ErrValidation, "pipeline version %s has a node with empty id", v.ID)
		}
		if ids[n.ID] {
			return NewError(ErrValidation, "duplicate node id %q in version %s", n.ID, v.ID)
		}
		ids[n.ID] = true
	}

	inbound := make(map[string]int)
	for _, e := range v.Edges {
		if e.From == e.To {
			return NewError(ErrValidation, "self-loop on node %q in version %s", e.From, v.ID)
		}
		if !ids[e.From] {
			return NewError(ErrValidation, "edge references unknown node %q in version %s", e.From, v.ID)
		}
		if !ids[e.To] {
			return NewError(ErrValidation, "edge references unknown node %q in version %s", e.To, v.ID)
		}
		inbound[e.To]++
	}

	for _, n := range v.Nodes {
		if inbound[n.ID] > 1 && !n.OperatorType.IsMultiInput() {
			return NewError(ErrValidation,
				"node %q has %d inbound edges but operator %q accepts one input",
				n.ID, inbound[n.ID], n.OperatorType)
		}
	}
	return nil
}

// Node returns the node with the given id, or nil.
func (v *PipelineVersion) Node(id string) *Node {
	for i := range v.Nodes {
		if v.Nodes[i].ID == id {
			return &v.Nodes[i]
		}
	}
	return nil
}

// SLAConfig declares delivery expectations for a pipeline.
type SLAConfig struct {
	// MaxDuration flags running jobs exceeding this many seconds.
	MaxDurationSeconds int `json:"max_duration_seconds,omitempty"`
	// FinishBy is a daily wall-clock deadline ("HH:MM") by which a
	// successful run must exist.
	FinishBy string `json:"finish_by,omitempty"`
}

// Pipeline is the versioned template jobs are created from.
type Pipeline struct {
	ID               string     `json:"id"`
	WorkspaceID      string     `json:"workspace_id"`
	Name             string     `json:"name"`
	ActiveVersionID  string     `json:"active_version_id,omitempty"`
	ScheduleEnabled  bool       `json:"schedule_enabled"`
	CronExpression   string     `json:"cron_expression,omitempty"`
	Timezone         string     `json:"timezone,omitempty"`
	MaxParallelRuns  int        `json:"max_parallel_runs,omitempty"`
	QueueName        string     `json:"queue_name,omitempty"`
	SLA              *SLAConfig `json:"sla_config,omitempty"`
	MemoryLimitMB    int64      `json:"memory_limit_mb,omitempty"`
	MaxParallelNodes int        `json:"max_parallel_nodes,omitempty"`
	CreatedAt        time.Time  `json:"created_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at,omitempty"`
}

// EffectiveMaxParallelRuns returns the run concurrency cap, defaulting to 1.
func (p *Pipeline) EffectiveMaxParallelRuns() int {
	if p.MaxParallelRuns <= 0 {
		return 1
	}
	return p.MaxParallelRuns
}
