package telemetry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/state"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/persistence/memstore"
)

func newIngress(t *testing.T) (*Ingress, *memstore.Store, *Hub, context.Context) {
	t.Helper()
	store := memstore.New()
	hub := NewHub()
	ingress := NewIngress(state.NewManager(store, store), store, hub)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ingress.Run(ctx)
	return ingress, store, hub, ctx
}

func seedRun(t *testing.T, store *memstore.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, &core.PipelineRun{
		ID: "r1", JobID: "j1", PipelineID: "p1", Status: core.RunRunning,
	}))
	_, err := store.CreateStep(ctx, &core.StepRun{
		RunID: "r1", NodeID: "n1", OperatorType: core.OperatorExtract, Status: core.StepPending,
	})
	require.NoError(t, err)
}

func TestIngress_AppliesUpdatesInOrder(t *testing.T) {
	t.Parallel()
	ingress, store, _, ctx := newIngress(t)
	seedRun(t, store)

	updates := []core.StepUpdate{
		{JobID: "j1", RunID: "r1", NodeID: "n1", Status: core.StepRunning,
			Counters: core.StepCounters{RecordsIn: 10}},
		{JobID: "j1", RunID: "r1", NodeID: "n1", Status: core.StepSuccess,
			Counters: core.StepCounters{RecordsIn: 10, RecordsOut: 10}},
	}
	require.NoError(t, ingress.Submit(ctx, updates))

	require.Eventually(t, func() bool {
		step, err := store.GetStep(context.Background(), "r1", "n1")
		return err == nil && step.Status == core.StepSuccess
	}, time.Second, 10*time.Millisecond)

	step, err := store.GetStep(context.Background(), "r1", "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), step.Counters.RecordsOut)
}

func TestIngress_SuppressesDuplicates(t *testing.T) {
	t.Parallel()
	ingress, store, hub, ctx := newIngress(t)
	seedRun(t, store)

	frames, cancel := hub.Subscribe(TopicJob("j1"))
	defer cancel()

	update := core.StepUpdate{JobID: "j1", RunID: "r1", NodeID: "n1",
		Status: core.StepRunning, Counters: core.StepCounters{RecordsIn: 5}}
	duplicate := update
	duplicate.Timestamp = update.Timestamp.Add(time.Second)
	require.NoError(t, ingress.Submit(ctx, []core.StepUpdate{update, duplicate}))

	// Exactly one frame reaches subscribers.
	select {
	case <-frames:
	case <-time.After(time.Second):
		t.Fatal("expected one fanout frame")
	}
	select {
	case <-frames:
		t.Fatal("duplicate update must not fan out")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIngress_CreatesStepOnFirstContact(t *testing.T) {
	t.Parallel()
	ingress, store, _, ctx := newIngress(t)
	require.NoError(t, store.CreateRun(context.Background(), &core.PipelineRun{
		ID: "r1", JobID: "j1", PipelineID: "p1", Status: core.RunRunning,
	}))

	require.NoError(t, ingress.Submit(ctx, []core.StepUpdate{
		{JobID: "j1", RunID: "r1", NodeID: "late", Status: core.StepRunning},
	}))

	require.Eventually(t, func() bool {
		step, err := store.GetStep(context.Background(), "r1", "late")
		return err == nil && step.Status == core.StepRunning
	}, time.Second, 10*time.Millisecond)
}

func TestHub_FanoutEncodesUpdate(t *testing.T) {
	t.Parallel()
	ingress, store, hub, ctx := newIngress(t)
	seedRun(t, store)

	frames, cancel := hub.Subscribe(TopicJobsList)
	defer cancel()

	require.NoError(t, ingress.Submit(ctx, []core.StepUpdate{
		{JobID: "j1", RunID: "r1", NodeID: "n1", Status: core.StepRunning},
	}))

	select {
	case frame := <-frames:
		var decoded core.StepUpdate
		require.NoError(t, json.Unmarshal(frame, &decoded))
		assert.Equal(t, "n1", decoded.NodeID)
		assert.Equal(t, core.StepRunning, decoded.Status)
	case <-time.After(time.Second):
		t.Fatal("expected a jobs_list frame")
	}
}
