package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/persistence/memstore"
)

func newManager(t *testing.T) (*Manager, *memstore.Store, *[]core.StepUpdate) {
	t.Helper()
	store := memstore.New()
	var published []core.StepUpdate
	m := NewManager(store, store, WithPublisher(PublisherFunc(
		func(_ context.Context, u core.StepUpdate) { published = append(published, u) },
	)))
	return m, store, &published
}

func startRun(t *testing.T, m *Manager) *core.PipelineRun {
	t.Helper()
	run := &core.PipelineRun{ID: "r1", JobID: "j1", PipelineID: "p1", TotalNodes: 2}
	require.NoError(t, m.InitializeRun(context.Background(), run))
	return run
}

func TestManager_InitializeRun(t *testing.T) {
	t.Parallel()
	m, store, _ := newManager(t)

	startRun(t, m)

	run, err := store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, core.RunRunning, run.Status)
	require.NotNil(t, run.StartedAt)
}

func TestManager_StepLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store, published := newManager(t)
	startRun(t, m)

	node := &core.Node{ID: "extract", OperatorType: core.OperatorExtract}
	step, err := m.CreateStepRun(ctx, "r1", node)
	require.NoError(t, err)
	assert.Equal(t, core.StepPending, step.Status)

	require.NoError(t, m.UpdateStep(ctx, core.StepUpdate{
		RunID: "r1", NodeID: "extract", Status: core.StepRunning,
		Counters: core.StepCounters{RecordsIn: 10},
	}))
	require.NoError(t, m.UpdateStep(ctx, core.StepUpdate{
		RunID: "r1", NodeID: "extract", Status: core.StepSuccess,
		Counters: core.StepCounters{RecordsIn: 10, RecordsOut: 10, BytesProcessed: 512},
	}))

	got, err := store.GetStep(ctx, "r1", "extract")
	require.NoError(t, err)
	assert.Equal(t, core.StepSuccess, got.Status)
	assert.Equal(t, int64(10), got.Counters.RecordsOut)
	require.NotNil(t, got.EndedAt)

	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, run.CompletedNodes)
	assert.Len(t, *published, 2)
}

func TestManager_TerminalStepIsSticky(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store, published := newManager(t)
	startRun(t, m)

	node := &core.Node{ID: "n1", OperatorType: core.OperatorTransform}
	_, err := m.CreateStepRun(ctx, "r1", node)
	require.NoError(t, err)

	require.NoError(t, m.UpdateStep(ctx, core.StepUpdate{
		RunID: "r1", NodeID: "n1", Status: core.StepFailed, ErrorMessage: "boom",
	}))
	// A late Running update must not resurrect the step.
	require.NoError(t, m.UpdateStep(ctx, core.StepUpdate{
		RunID: "r1", NodeID: "n1", Status: core.StepRunning,
	}))

	got, err := store.GetStep(ctx, "r1", "n1")
	require.NoError(t, err)
	assert.Equal(t, core.StepFailed, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage)
	assert.Len(t, *published, 1, "dropped update is not republished")
}

func TestManager_MarkSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store, _ := newManager(t)
	startRun(t, m)

	node := &core.Node{ID: "gated", OperatorType: core.OperatorTransform}
	require.NoError(t, m.MarkSkipped(ctx, "r1", node, "edge condition false"))

	got, err := store.GetStep(ctx, "r1", "gated")
	require.NoError(t, err)
	assert.Equal(t, core.StepSkipped, got.Status)
}

func TestManager_CompleteRunAggregates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store, _ := newManager(t)
	startRun(t, m)

	extract := &core.Node{ID: "extract", OperatorType: core.OperatorExtract}
	load := &core.Node{ID: "load", OperatorType: core.OperatorLoad, OrderIndex: 1}
	_, err := m.CreateStepRun(ctx, "r1", extract)
	require.NoError(t, err)
	_, err = m.CreateStepRun(ctx, "r1", load)
	require.NoError(t, err)

	require.NoError(t, m.UpdateStep(ctx, core.StepUpdate{
		RunID: "r1", NodeID: "extract", Status: core.StepSuccess,
		Counters: core.StepCounters{RecordsOut: 100, BytesProcessed: 4096},
	}))
	require.NoError(t, m.UpdateStep(ctx, core.StepUpdate{
		RunID: "r1", NodeID: "load", Status: core.StepSuccess,
		Counters: core.StepCounters{RecordsIn: 100, RecordsOut: 97, RecordsError: 3, BytesProcessed: 4096},
	}))
	require.NoError(t, m.CompleteRun(ctx, "r1"))

	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, run.Status)
	assert.Equal(t, int64(100), run.TotalExtracted)
	assert.Equal(t, int64(97), run.TotalLoaded)
	assert.Equal(t, int64(3), run.TotalFailed)
	assert.Equal(t, int64(8192), run.BytesProcessed)
	assert.Equal(t, 2, run.CompletedNodes)
	require.NotNil(t, run.EndedAt)
}

func TestManager_FailRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store, _ := newManager(t)
	startRun(t, m)

	node := &core.Node{ID: "load", OperatorType: core.OperatorLoad}
	_, err := m.CreateStepRun(ctx, "r1", node)
	require.NoError(t, err)

	require.NoError(t, m.FailRun(ctx, "r1", "load", errors.New("destination unreachable")))

	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, run.Status)
	assert.Equal(t, "load", run.FailedStepID)
	assert.Contains(t, run.ErrorMessage, "destination unreachable")
}

func TestManager_ConcurrentStepCompletions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memstore.New()
	m := NewManager(store, store)

	const nodes = 16
	run := &core.PipelineRun{ID: "r1", JobID: "j1", PipelineID: "p1", TotalNodes: nodes}
	require.NoError(t, m.InitializeRun(ctx, run))
	for i := 0; i < nodes; i++ {
		node := &core.Node{ID: fmt.Sprintf("n%d", i), OperatorType: core.OperatorTransform}
		_, err := m.CreateStepRun(ctx, "r1", node)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < nodes; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, m.UpdateStep(ctx, core.StepUpdate{
				RunID: "r1", NodeID: id, Status: core.StepSuccess,
			}))
		}(fmt.Sprintf("n%d", i))
	}
	wg.Wait()

	got, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, nodes, got.CompletedNodes, "every completion lands exactly once")
}

func TestManager_UpdateStepSetsStartedAt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store, _ := newManager(t)
	startRun(t, m)

	node := &core.Node{ID: "n1", OperatorType: core.OperatorTransform}
	_, err := m.CreateStepRun(ctx, "r1", node)
	require.NoError(t, err)

	before := time.Now().UTC()
	require.NoError(t, m.UpdateStep(ctx, core.StepUpdate{
		RunID: "r1", NodeID: "n1", Status: core.StepRunning,
	}))

	got, err := store.GetStep(ctx, "r1", "n1")
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	assert.False(t, got.StartedAt.Before(before.Truncate(time.Second)))
}
