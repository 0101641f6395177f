package memstore

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// CreateRun implements persistence.RunStore.
func (s *Store) CreateRun(_ context.Context, run *core.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

// GetRun implements persistence.RunStore.
func (s *Store) GetRun(_ context.Context, id string) (*core.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

// GetRunByJob implements persistence.RunStore.
func (s *Store) GetRunByJob(_ context.Context, jobID string) (*core.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		if run.JobID == jobID {
			copied := *run
			return &copied, nil
		}
	}
	return nil, core.ErrNotFound
}

// UpdateRun implements persistence.RunStore.
func (s *Store) UpdateRun(_ context.Context, run *core.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return core.ErrNotFound
	}
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

// IncrementCompleted implements persistence.RunStore.
func (s *Store) IncrementCompleted(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return core.ErrNotFound
	}
	run.CompletedNodes++
	return nil
}

// NextRunNumber implements persistence.RunStore.
func (s *Store) NextRunNumber(_ context.Context, pipelineID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runSeq[pipelineID]++
	return s.runSeq[pipelineID], nil
}

// LatestSuccess implements persistence.RunStore.
func (s *Store) LatestSuccess(_ context.Context, pipelineID string) (*core.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *core.PipelineRun
	for _, run := range s.runs {
		if run.PipelineID != pipelineID || run.Status != core.RunCompleted {
			continue
		}
		if latest == nil || run.RunNumber > latest.RunNumber {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

// CreateStep implements persistence.StepStore. Creation is idempotent on
// (run_id, node_id); a repeat create returns the existing record untouched.
func (s *Store) CreateStep(_ context.Context, step *core.StepRun) (*core.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stepKey{runID: step.RunID, nodeID: step.NodeID}
	if existing, ok := s.steps[key]; ok {
		copied := *existing
		return &copied, nil
	}
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	copied := *step
	s.steps[key] = &copied
	out := copied
	return &out, nil
}

// GetStep implements persistence.StepStore.
func (s *Store) GetStep(_ context.Context, runID, nodeID string) (*core.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[stepKey{runID: runID, nodeID: nodeID}]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *step
	return &copied, nil
}

// UpdateStep implements persistence.StepStore.
func (s *Store) UpdateStep(_ context.Context, step *core.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stepKey{runID: step.RunID, nodeID: step.NodeID}
	if _, ok := s.steps[key]; !ok {
		return core.ErrNotFound
	}
	copied := *step
	s.steps[key] = &copied
	return nil
}

// ListSteps implements persistence.StepStore.
func (s *Store) ListSteps(_ context.Context, runID string) ([]*core.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.StepRun
	for key, step := range s.steps {
		if key.runID == runID {
			copied := *step
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out, nil
}
