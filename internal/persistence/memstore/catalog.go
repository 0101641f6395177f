package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// Seeding helpers used by tests and the single-node server to populate the
// catalog side of the store.

// PutPipeline registers or replaces a pipeline template.
func (s *Store) PutPipeline(p *core.Pipeline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *p
	s.pipelines[p.ID] = &copied
}

// PutVersion registers or replaces a pipeline version.
func (s *Store) PutVersion(v *core.PipelineVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[v.ID] = v
}

// PutBlob registers or replaces a resolved connection blob.
func (s *Store) PutBlob(b *core.ConnectionBlob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *b
	s.blobs[b.ID] = &copied
}

// PutAgent registers or replaces an agent credential record.
func (s *Store) PutAgent(a *core.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *a
	s.agents[a.ClientID] = &copied
}

// GetPipeline implements persistence.PipelineStore.
func (s *Store) GetPipeline(_ context.Context, id string) (*core.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

// GetVersion implements persistence.PipelineStore.
func (s *Store) GetVersion(_ context.Context, versionID string) (*core.PipelineVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[versionID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return v, nil
}

// ListScheduled implements persistence.PipelineStore.
func (s *Store) ListScheduled(_ context.Context) ([]*core.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.Pipeline
	for _, p := range s.pipelines {
		if p.ScheduleEnabled {
			copied := *p
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetBlob implements persistence.ConnectionStore.
func (s *Store) GetBlob(_ context.Context, id string) (*core.ConnectionBlob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *b
	return &copied, nil
}

// GetByClientID implements persistence.AgentStore.
func (s *Store) GetByClientID(_ context.Context, clientID string) (*core.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[clientID]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *a
	return &copied, nil
}

// RecordHeartbeat implements persistence.AgentStore.
func (s *Store) RecordHeartbeat(_ context.Context, clientID string, hb *core.HeartbeatRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[clientID]
	if !ok {
		return core.ErrNotFound
	}
	a.Status = hb.Status
	a.SystemInfo = hb.SystemInfo
	if hb.Hostname != "" {
		a.Hostname = hb.Hostname
	}
	if hb.IPAddress != "" {
		a.IPAddress = hb.IPAddress
	}
	if hb.Version != "" {
		a.Version = hb.Version
	}
	now := time.Now().UTC()
	a.LastHeartbeat = now
	s.heartbeats[clientID] = now
	return nil
}

// MarkStale implements persistence.AgentStore.
func (s *Store) MarkStale(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flipped := 0
	for id, a := range s.agents {
		if a.Status == core.AgentOffline {
			continue
		}
		if seen, ok := s.heartbeats[id]; !ok || seen.Before(cutoff) {
			a.Status = core.AgentOffline
			flipped++
		}
	}
	return flipped, nil
}

// List implements persistence.AgentStore.
func (s *Store) List(_ context.Context, workspaceID string) ([]*core.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.Agent
	for _, a := range s.agents {
		if workspaceID != "" && a.WorkspaceID != workspaceID {
			continue
		}
		copied := *a
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}
