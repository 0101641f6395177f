package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

const pipelineColumns = `id, workspace_id, name, active_version_id,
	schedule_enabled, cron_expression, timezone, max_parallel_runs,
	queue_name, sla_config, memory_limit_mb, max_parallel_nodes,
	created_at, updated_at`

// GetPipeline implements persistence.PipelineStore.
func (s *Store) GetPipeline(ctx context.Context, id string) (*core.Pipeline, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id)
	p, err := scanPipeline(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return p, err
}

// ListScheduled implements persistence.PipelineStore.
func (s *Store) ListScheduled(ctx context.Context) ([]*core.Pipeline, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pipelineColumns+` FROM pipelines
		WHERE schedule_enabled ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetVersion implements persistence.PipelineStore.
func (s *Store) GetVersion(ctx context.Context, versionID string) (*core.PipelineVersion, error) {
	var v core.PipelineVersion
	var nodes, edges []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, pipeline_id, version, nodes, edges, created_at
		FROM pipeline_versions WHERE id = $1`, versionID).
		Scan(&v.ID, &v.PipelineID, &v.Version, &nodes, &edges, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(nodes, &v.Nodes); err != nil {
		return nil, err
	}
	if len(edges) > 0 {
		if err := json.Unmarshal(edges, &v.Edges); err != nil {
			return nil, err
		}
	}
	return &v, nil
}

// GetBlob implements persistence.ConnectionStore.
func (s *Store) GetBlob(ctx context.Context, id string) (*core.ConnectionBlob, error) {
	var blob core.ConnectionBlob
	var config []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, type, config FROM connections WHERE id = $1`, id).
		Scan(&blob.ID, &blob.Type, &config)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &blob.Config); err != nil {
			return nil, err
		}
	}
	return &blob, nil
}

const agentColumns = `client_id, api_key_hash, workspace_id, groups, status,
	last_heartbeat, system_info, ip_address, version, hostname`

// GetByClientID implements persistence.AgentStore.
func (s *Store) GetByClientID(ctx context.Context, clientID string) (*core.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE client_id = $1`, clientID)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return agent, err
}

// RecordHeartbeat implements persistence.AgentStore.
func (s *Store) RecordHeartbeat(ctx context.Context, clientID string, hb *core.HeartbeatRequest) error {
	sysinfo, err := json.Marshal(hb.SystemInfo)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents
		SET status = $2,
		    last_heartbeat = now(),
		    system_info = $3,
		    ip_address = CASE WHEN $4 <> '' THEN $4 ELSE ip_address END,
		    version = CASE WHEN $5 <> '' THEN $5 ELSE version END,
		    hostname = CASE WHEN $6 <> '' THEN $6 ELSE hostname END
		WHERE client_id = $1`,
		clientID, hb.Status, sysinfo, hb.IPAddress, hb.Version, hb.Hostname)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// MarkStale implements persistence.AgentStore.
func (s *Store) MarkStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET status = 'offline'
		WHERE last_heartbeat < $1 AND status <> 'offline'`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// List implements persistence.AgentStore.
func (s *Store) List(ctx context.Context, workspaceID string) ([]*core.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE ($1 = '' OR workspace_id = $1)
		ORDER BY client_id`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func scanPipeline(row pgx.Row) (*core.Pipeline, error) {
	var p core.Pipeline
	var sla []byte
	err := row.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.ActiveVersionID,
		&p.ScheduleEnabled, &p.CronExpression, &p.Timezone, &p.MaxParallelRuns,
		&p.QueueName, &sla, &p.MemoryLimitMB, &p.MaxParallelNodes,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(sla) > 0 {
		if err := json.Unmarshal(sla, &p.SLA); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func scanAgent(row pgx.Row) (*core.Agent, error) {
	var agent core.Agent
	var sysinfo []byte
	err := row.Scan(&agent.ClientID, &agent.APIKeyHash, &agent.WorkspaceID,
		&agent.Groups, &agent.Status, &agent.LastHeartbeat, &sysinfo,
		&agent.IPAddress, &agent.Version, &agent.Hostname)
	if err != nil {
		return nil, err
	}
	if len(sysinfo) > 0 {
		if err := json.Unmarshal(sysinfo, &agent.SystemInfo); err != nil {
			return nil, err
		}
	}
	return &agent, nil
}
