package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger/tag"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/state"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/metrics"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/persistence"
)

// ingressBuffer bounds the update queue between the HTTP handlers and the
// apply worker.
const ingressBuffer = 1024

type stepKey struct {
	runID  string
	nodeID string
}

// Ingress serializes step updates into the central store. A single worker
// applies them in arrival order, suppressing consecutive duplicates per step.
type Ingress struct {
	state   *state.Manager
	steps   persistence.StepStore
	hub     *Hub
	metrics *metrics.Metrics

	updates chan core.StepUpdate

	mu   sync.Mutex
	last map[stepKey]core.StepUpdate
}

// Option configures the ingress.
type Option func(*Ingress)

// WithMetrics attaches counters for accepted and deduplicated updates.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Ingress) { i.metrics = m }
}

// NewIngress creates the ingress worker. The state manager must be backed by
// the central stores; hub may be nil when no live subscribers exist.
func NewIngress(stateMgr *state.Manager, steps persistence.StepStore, hub *Hub, opts ...Option) *Ingress {
	i := &Ingress{
		state:   stateMgr,
		steps:   steps,
		hub:     hub,
		updates: make(chan core.StepUpdate, ingressBuffer),
		last:    make(map[stepKey]core.StepUpdate),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Submit queues a batch of updates in order. Blocks when the queue is full so
// producer order is never violated by drops.
func (i *Ingress) Submit(ctx context.Context, updates []core.StepUpdate) error {
	for _, update := range updates {
		select {
		case i.updates <- update:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run consumes the queue until the context ends.
func (i *Ingress) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-i.updates:
			i.apply(ctx, update)
		}
	}
}

func (i *Ingress) apply(ctx context.Context, update core.StepUpdate) {
	if i.isDuplicate(update) {
		if i.metrics != nil {
			i.metrics.TelemetryDeduped.Inc()
		}
		return
	}

	if err := i.persist(ctx, update); err != nil {
		logger.Error(ctx, "Failed to persist step update",
			tag.Run(update.RunID), tag.Node(update.NodeID), tag.Error(err))
		return
	}
	if i.metrics != nil {
		i.metrics.TelemetryUpdates.Inc()
	}
	i.fanout(update)
}

// persist applies the update, creating the step record on first contact for
// updates that arrive before the dispatcher seeded it.
func (i *Ingress) persist(ctx context.Context, update core.StepUpdate) error {
	err := i.state.UpdateStep(ctx, update)
	if !errors.Is(err, core.ErrNotFound) {
		return err
	}
	if _, err := i.steps.CreateStep(ctx, &core.StepRun{
		RunID:  update.RunID,
		NodeID: update.NodeID,
		Status: core.StepPending,
	}); err != nil {
		return err
	}
	return i.state.UpdateStep(ctx, update)
}

// isDuplicate records the update as last-seen and reports whether it matches
// the previous one for the same step and status.
func (i *Ingress) isDuplicate(update core.StepUpdate) bool {
	key := stepKey{update.RunID, update.NodeID}
	i.mu.Lock()
	defer i.mu.Unlock()

	last, seen := i.last[key]
	i.last[key] = update
	return seen && last.SameAs(update)
}

func (i *Ingress) fanout(update core.StepUpdate) {
	if i.hub == nil {
		return
	}
	frame, err := json.Marshal(update)
	if err != nil {
		return
	}
	i.hub.Publish(TopicJob(update.JobID), frame)
	i.hub.Publish(TopicJobsList, frame)
}

// Forget drops the dedup memory of a run once it reaches a terminal state.
func (i *Ingress) Forget(runID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for key := range i.last {
		if key.runID == runID {
			delete(i.last, key)
		}
	}
}
