// Package state owns the run and step lifecycle: run initialization, step
// creation and transitions, and terminal run accounting. Every step mutation
// is republished as a telemetry update.
package state

import (
	"context"
	"time"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger/tag"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/persistence"
)

// Publisher receives every applied step mutation. Implementations must not
// block; the manager calls it synchronously.
type Publisher interface {
	Publish(ctx context.Context, update core.StepUpdate)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, update core.StepUpdate)

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, update core.StepUpdate) { f(ctx, update) }

// Manager coordinates run and step state against the stores.
type Manager struct {
	runs      persistence.RunStore
	steps     persistence.StepStore
	publisher Publisher
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher attaches a telemetry publisher.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// NewManager creates a Manager over the given stores.
func NewManager(runs persistence.RunStore, steps persistence.StepStore, opts ...Option) *Manager {
	m := &Manager{runs: runs, steps: steps}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InitializeRun persists the run in Running state with its start timestamp.
func (m *Manager) InitializeRun(ctx context.Context, run *core.PipelineRun) error {
	now := time.Now().UTC()
	run.Status = core.RunRunning
	run.StartedAt = &now
	if err := m.runs.CreateRun(ctx, run); err != nil {
		return err
	}
	logger.Info(ctx, "Run initialized",
		tag.Run(run.ID), tag.Pipeline(run.PipelineID), tag.Job(run.JobID))
	return nil
}

// CreateStepRun creates the step record for a node in Pending state.
// Creation is idempotent on (run, node): repeats return the existing record.
func (m *Manager) CreateStepRun(ctx context.Context, runID string, node *core.Node) (*core.StepRun, error) {
	return m.steps.CreateStep(ctx, &core.StepRun{
		RunID:        runID,
		NodeID:       node.ID,
		OperatorType: node.OperatorType,
		OrderIndex:   node.OrderIndex,
		Status:       core.StepPending,
	})
}

// UpdateStep applies a telemetry update to the step record. Terminal states
// are sticky: once a step is Success, Failed, or Skipped, later updates are
// dropped. Applied updates are forwarded to the publisher.
func (m *Manager) UpdateStep(ctx context.Context, update core.StepUpdate) error {
	step, err := m.steps.GetStep(ctx, update.RunID, update.NodeID)
	if err != nil {
		return err
	}
	if step.Status.IsTerminal() {
		logger.Debug(ctx, "Dropping update for terminal step",
			tag.Run(update.RunID), tag.Node(update.NodeID), tag.Status(string(update.Status)))
		return nil
	}

	now := time.Now().UTC()
	if step.StartedAt == nil && update.Status != core.StepPending {
		step.StartedAt = &now
	}
	step.Status = update.Status
	step.Counters = update.Counters
	if update.CPUPercent > 0 {
		step.CPUPercent = update.CPUPercent
	}
	if update.MemoryMB > 0 {
		step.MemoryMB = update.MemoryMB
	}
	if update.SampleData != nil {
		step.SampleData = update.SampleData
	}
	if update.QualityProfile != nil {
		step.QualityProfile = update.QualityProfile
	}
	step.RetryCount = update.RetryCount
	step.ErrorType = update.ErrorType
	step.ErrorMessage = update.ErrorMessage
	if update.Status.IsTerminal() {
		step.EndedAt = &now
	}
	if err := m.steps.UpdateStep(ctx, step); err != nil {
		return err
	}

	if update.Status == core.StepSuccess {
		if err := m.bumpCompleted(ctx, update.RunID); err != nil {
			return err
		}
	}
	if m.publisher != nil {
		m.publisher.Publish(ctx, update)
	}
	return nil
}

// MarkSkipped records a node excluded by an edge condition or an upstream
// skip. The step is created if the run never started it.
func (m *Manager) MarkSkipped(ctx context.Context, runID string, node *core.Node, reason string) error {
	if _, err := m.CreateStepRun(ctx, runID, node); err != nil {
		return err
	}
	return m.UpdateStep(ctx, core.StepUpdate{
		RunID:        runID,
		NodeID:       node.ID,
		Status:       core.StepSkipped,
		ErrorMessage: reason,
		Timestamp:    time.Now().UTC(),
	})
}

// CompleteRun aggregates step counters into the run record and marks it
// Completed.
func (m *Manager) CompleteRun(ctx context.Context, runID string) error {
	run, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := m.aggregate(ctx, run); err != nil {
		return err
	}
	m.finish(run, core.RunCompleted)
	if err := m.runs.UpdateRun(ctx, run); err != nil {
		return err
	}
	logger.Info(ctx, "Run completed", tag.Run(runID),
		tag.Records(run.TotalLoaded), tag.Duration(time.Duration(run.DurationMS)*time.Millisecond))
	return nil
}

// FailRun marks the run Failed, recording the failing node and cause.
func (m *Manager) FailRun(ctx context.Context, runID, failedNodeID string, cause error) error {
	run, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := m.aggregate(ctx, run); err != nil {
		return err
	}
	run.FailedStepID = failedNodeID
	if cause != nil {
		run.ErrorMessage = cause.Error()
	}
	m.finish(run, core.RunFailed)
	if err := m.runs.UpdateRun(ctx, run); err != nil {
		return err
	}
	logger.Error(ctx, "Run failed", tag.Run(runID), tag.Node(failedNodeID), tag.Error(cause))
	return nil
}

// CancelRun marks the run Cancelled.
func (m *Manager) CancelRun(ctx context.Context, runID string) error {
	run, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := m.aggregate(ctx, run); err != nil {
		return err
	}
	m.finish(run, core.RunCancelled)
	return m.runs.UpdateRun(ctx, run)
}

func (m *Manager) finish(run *core.PipelineRun, status core.RunStatus) {
	now := time.Now().UTC()
	run.Status = status
	run.EndedAt = &now
	if run.StartedAt != nil {
		run.DurationMS = now.Sub(*run.StartedAt).Milliseconds()
	}
}

// aggregate folds step counters into run totals: extracted rows from extract
// steps, loaded rows from load steps, errored rows and bytes from all.
func (m *Manager) aggregate(ctx context.Context, run *core.PipelineRun) error {
	steps, err := m.steps.ListSteps(ctx, run.ID)
	if err != nil {
		return err
	}
	run.TotalExtracted, run.TotalLoaded, run.TotalFailed, run.BytesProcessed = 0, 0, 0, 0
	for _, step := range steps {
		switch step.OperatorType {
		case core.OperatorExtract:
			run.TotalExtracted += step.Counters.RecordsOut
		case core.OperatorLoad:
			run.TotalLoaded += step.Counters.RecordsOut
		}
		run.TotalFailed += step.Counters.RecordsError
		run.BytesProcessed += step.Counters.BytesProcessed
	}
	return nil
}

func (m *Manager) bumpCompleted(ctx context.Context, runID string) error {
	return m.runs.IncrementCompleted(ctx, runID)
}
