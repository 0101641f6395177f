package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/backoff"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/connector"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/dag"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/cache"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/executor"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/operator"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/state"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/watermark"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/persistence/memstore"
)

type harness struct {
	store *memstore.Store
	state *state.Manager
	bank  *connector.Bank
	blobs map[string]core.ConnectionBlob
	cache *cache.Cache
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New()
	return &harness{
		store: store,
		state: state.NewManager(store, store),
		bank:  connector.BankFor(t.Name()),
		blobs: map[string]core.ConnectionBlob{
			"conn-1": {ID: "conn-1", Type: connector.TypeMemory,
				Config: map[string]any{"bank": t.Name()}},
		},
		cache: cache.New(16, t.TempDir()),
	}
}

func (h *harness) runner(t *testing.T, version *core.PipelineVersion, cfg Config) *Runner {
	t.Helper()
	graph, err := dag.Build(version)
	require.NoError(t, err)

	exec := executor.New("p1", h.blobs, watermark.NewMemoryStore())
	if cfg.RunID == "" {
		cfg.RunID = "r1"
	}
	if cfg.JobID == "" {
		cfg.JobID = "j1"
	}
	require.NoError(t, h.state.InitializeRun(context.Background(), &core.PipelineRun{
		ID: cfg.RunID, JobID: cfg.JobID, PipelineID: "p1", TotalNodes: len(version.Nodes),
	}))
	return New(graph, exec, h.cache, h.state, cfg)
}

func extractNode(id, table string) core.Node {
	return core.Node{
		ID: id, OperatorType: core.OperatorExtract,
		Config: map[string]any{
			"source_asset": map[string]any{
				"id": "asset-" + id, "connection_id": "conn-1",
				"fully_qualified_name": table,
			},
		},
	}
}

func loadNode(id, table string) core.Node {
	return core.Node{
		ID: id, OperatorType: core.OperatorLoad, OrderIndex: 9,
		WriteStrategy: core.WriteAppend,
		Config: map[string]any{
			"destination_asset": map[string]any{
				"id": "asset-" + id, "connection_id": "conn-1",
				"fully_qualified_name": table,
			},
		},
	}
}

func TestRunner_LinearPipelineCompletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.bank.Seed("src", []core.Row{{"id": 1}, {"id": 2}, {"id": 3}})

	version := &core.PipelineVersion{
		ID:    "v1",
		Nodes: []core.Node{extractNode("extract", "src"), loadNode("load", "dst")},
		Edges: []core.Edge{{From: "extract", To: "load"}},
	}

	r := h.runner(t, version, Config{})
	require.NoError(t, r.Run(ctx))

	run, err := h.store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, run.Status)
	assert.Equal(t, int64(3), run.TotalExtracted)
	assert.Equal(t, int64(3), run.TotalLoaded)
	assert.Equal(t, 2, run.CompletedNodes)
	assert.Len(t, h.bank.Rows("dst"), 3)

	// The shared cache is emptied once the run finishes.
	stats := h.cache.Stats()
	assert.Zero(t, stats.NodesInRAM)
	assert.Zero(t, stats.NodesSpilled)
}

func TestRunner_ConditionalSkipFanOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.bank.Seed("src", []core.Row{{"id": 1}, {"id": 2}, {"id": 3}})

	version := &core.PipelineVersion{
		ID: "v1",
		Nodes: []core.Node{
			extractNode("A", "src"),
			loadNode("B", "dst_b"),
			loadNode("C", "dst_c"),
		},
		Edges: []core.Edge{
			{From: "A", To: "B"},
			{From: "A", To: "C", Condition: "inputs['A'].count > 5"},
		},
	}

	r := h.runner(t, version, Config{})
	require.NoError(t, r.Run(ctx))

	run, err := h.store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, run.Status)

	stepB, err := h.store.GetStep(ctx, "r1", "B")
	require.NoError(t, err)
	assert.Equal(t, core.StepSuccess, stepB.Status)
	assert.Equal(t, int64(3), stepB.Counters.RecordsIn)

	stepC, err := h.store.GetStep(ctx, "r1", "C")
	require.NoError(t, err)
	assert.Equal(t, core.StepSkipped, stepC.Status)
	assert.Empty(t, h.bank.Rows("dst_c"))
}

func TestRunner_UnevaluableConditionFailsClosed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.bank.Seed("src", []core.Row{{"id": 1}})

	version := &core.PipelineVersion{
		ID: "v1",
		Nodes: []core.Node{
			extractNode("A", "src"),
			loadNode("B", "dst"),
		},
		Edges: []core.Edge{
			{From: "A", To: "B", Condition: "len(inputs) > 0"},
		},
	}

	r := h.runner(t, version, Config{})
	require.NoError(t, r.Run(ctx))

	stepB, err := h.store.GetStep(ctx, "r1", "B")
	require.NoError(t, err)
	assert.Equal(t, core.StepSkipped, stepB.Status)
}

func TestRunner_SkipPropagatesDownstream(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.bank.Seed("src", []core.Row{{"id": 1}})

	version := &core.PipelineVersion{
		ID: "v1",
		Nodes: []core.Node{
			extractNode("A", "src"),
			{ID: "T", OperatorType: core.OperatorTransform},
			loadNode("L", "dst"),
		},
		Edges: []core.Edge{
			{From: "A", To: "T", Condition: "inputs['A'].count > 100"},
			{From: "T", To: "L"},
		},
	}

	r := h.runner(t, version, Config{})
	require.NoError(t, r.Run(ctx))

	stepT, err := h.store.GetStep(ctx, "r1", "T")
	require.NoError(t, err)
	assert.Equal(t, core.StepSkipped, stepT.Status)

	stepL, err := h.store.GetStep(ctx, "r1", "L")
	require.NoError(t, err)
	assert.Equal(t, core.StepSkipped, stepL.Status)
	assert.Contains(t, stepL.ErrorMessage, "upstream")
}

func TestRunner_ConfigurationErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	// Unknown operator class fails with a ConfigurationError.
	version := &core.PipelineVersion{
		ID: "v1",
		Nodes: []core.Node{
			{ID: "T", OperatorType: core.OperatorTransform, OperatorClass: "no-such-class",
				MaxRetries: 5, RetryDelaySeconds: 1},
		},
	}

	r := h.runner(t, version, Config{})
	start := time.Now()
	err := r.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, core.ErrConfiguration, core.KindOf(err))
	assert.Less(t, time.Since(start), time.Second, "must fail without retry sleeps")

	run, getErr := h.store.GetRun(ctx, "r1")
	require.NoError(t, getErr)
	assert.Equal(t, core.RunFailed, run.Status)
	assert.Equal(t, "T", run.FailedStepID)

	step, getErr := h.store.GetStep(ctx, "r1", "T")
	require.NoError(t, getErr)
	assert.Equal(t, core.StepFailed, step.Status)
	assert.Zero(t, step.RetryCount)
	assert.Equal(t, string(core.ErrConfiguration), step.ErrorType)
}

func TestRunner_RetryableErrorRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	var calls atomic.Int32
	operator.Register("flaky-then-fine", func(*core.Node) (operator.Operator, error) {
		return operatorFunc(func(_ context.Context, chunk *core.Chunk) (*core.Chunk, error) {
			if calls.Add(1) == 1 {
				return nil, core.NewError(core.ErrConnectionFail, "transient outage")
			}
			return chunk, nil
		}), nil
	})

	h.bank.Seed("src", []core.Row{{"id": 1}})
	version := &core.PipelineVersion{
		ID: "v1",
		Nodes: []core.Node{
			extractNode("src", "src"),
			{ID: "T", OperatorType: core.OperatorTransform, OperatorClass: "flaky-then-fine",
				MaxRetries: 3, RetryDelaySeconds: 1},
		},
		Edges: []core.Edge{{From: "src", To: "T"}},
	}

	r := h.runner(t, version, Config{})
	require.NoError(t, r.Run(ctx))
	assert.Equal(t, int32(2), calls.Load())

	step, err := h.store.GetStep(ctx, "r1", "T")
	require.NoError(t, err)
	assert.Equal(t, core.StepSuccess, step.Status)
	assert.Equal(t, 1, step.RetryCount)
}

func TestRunner_RetriesExhaustedFailsRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	var calls atomic.Int32
	operator.Register("always-down", func(*core.Node) (operator.Operator, error) {
		return operatorFunc(func(context.Context, *core.Chunk) (*core.Chunk, error) {
			calls.Add(1)
			return nil, core.NewError(core.ErrConnectionFail, "still down")
		}), nil
	})

	h.bank.Seed("src", []core.Row{{"id": 1}})
	version := &core.PipelineVersion{
		ID: "v1",
		Nodes: []core.Node{
			extractNode("src", "src"),
			{ID: "T", OperatorType: core.OperatorTransform, OperatorClass: "always-down",
				MaxRetries: 2, RetryDelaySeconds: 1},
		},
		Edges: []core.Edge{{From: "src", To: "T"}},
	}

	r := h.runner(t, version, Config{})
	err := r.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, core.ErrConnectionFail, core.KindOf(err))
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")

	run, getErr := h.store.GetRun(ctx, "r1")
	require.NoError(t, getErr)
	assert.Equal(t, core.RunFailed, run.Status)
	step, getErr := h.store.GetStep(ctx, "r1", "T")
	require.NoError(t, getErr)
	assert.Equal(t, core.StepFailed, step.Status)
	assert.Equal(t, 2, step.RetryCount)
}

func TestRunner_OverallTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	operator.Register("slow-step", func(*core.Node) (operator.Operator, error) {
		return operatorFunc(func(ctx context.Context, chunk *core.Chunk) (*core.Chunk, error) {
			select {
			case <-time.After(100 * time.Millisecond):
				return chunk, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}), nil
	})

	h.bank.Seed("src", []core.Row{{"id": 1}})
	version := &core.PipelineVersion{
		ID: "v1",
		Nodes: []core.Node{
			extractNode("src", "src"),
			{ID: "A", OperatorType: core.OperatorTransform, OperatorClass: "slow-step"},
			{ID: "B", OperatorType: core.OperatorTransform, OperatorClass: "slow-step"},
		},
		Edges: []core.Edge{
			{From: "src", To: "A"},
			{From: "A", To: "B"},
		},
	}

	// The slow layer exceeds the budget; the breach is detected at the next
	// layer boundary before B runs.
	r := h.runner(t, version, Config{Timeout: 50 * time.Millisecond})
	err := r.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, core.ErrExecTimeout, core.KindOf(err))

	run, getErr := h.store.GetRun(ctx, "r1")
	require.NoError(t, getErr)
	assert.Equal(t, core.RunFailed, run.Status)
}

func TestRunner_Cancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.bank.Seed("src", []core.Row{{"id": 1}})

	version := &core.PipelineVersion{
		ID:    "v1",
		Nodes: []core.Node{extractNode("A", "src"), loadNode("B", "dst")},
		Edges: []core.Edge{{From: "A", To: "B"}},
	}

	r := h.runner(t, version, Config{})
	r.Cancel()
	err := r.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, core.ErrCancelled, core.KindOf(err))

	run, getErr := h.store.GetRun(ctx, "r1")
	require.NoError(t, getErr)
	assert.Equal(t, core.RunCancelled, run.Status)
}

func TestRunner_DynamicFanOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	var (
		mu    sync.Mutex
		items []string
	)
	operator.Register("item-recorder", func(node *core.Node) (operator.Operator, error) {
		item, _ := node.Config["_dynamic_item"].(string)
		return operatorFunc(func(_ context.Context, chunk *core.Chunk) (*core.Chunk, error) {
			mu.Lock()
			items = append(items, item)
			mu.Unlock()
			return core.NewChunk([]core.Row{{"region": item}}), nil
		}), nil
	})

	h.bank.Seed("src", []core.Row{{"id": 1}})
	version := &core.PipelineVersion{
		ID: "v1",
		Nodes: []core.Node{
			extractNode("src", "src"),
			{ID: "fan", OperatorType: core.OperatorTransform, OperatorClass: "item-recorder",
				IsDynamic: true, MappingExpr: `["eu", "us"]`},
		},
		Edges: []core.Edge{{From: "src", To: "fan"}},
	}

	r := h.runner(t, version, Config{})
	require.NoError(t, r.Run(ctx))
	mu.Lock()
	assert.ElementsMatch(t, []string{"eu", "us"}, items)
	mu.Unlock()

	// Instance counters are summed into one step record.
	step, err := h.store.GetStep(ctx, "r1", "fan")
	require.NoError(t, err)
	assert.Equal(t, core.StepSuccess, step.Status)
	assert.Equal(t, int64(2), step.Counters.RecordsOut)
}

func TestRunner_DynamicFanOutBoundedConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	var active, peak atomic.Int32
	operator.Register("concurrency-meter", func(*core.Node) (operator.Operator, error) {
		return operatorFunc(func(_ context.Context, chunk *core.Chunk) (*core.Chunk, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			active.Add(-1)
			return chunk, nil
		}), nil
	})

	h.bank.Seed("src", []core.Row{{"id": 1}})
	version := &core.PipelineVersion{
		ID: "v1",
		Nodes: []core.Node{
			extractNode("src", "src"),
			{ID: "fan", OperatorType: core.OperatorTransform, OperatorClass: "concurrency-meter",
				IsDynamic: true, MappingExpr: `["a", "b", "c", "d"]`},
		},
		Edges: []core.Edge{{From: "src", To: "fan"}},
	}

	r := h.runner(t, version, Config{MaxParallelNodes: 2})
	require.NoError(t, r.Run(ctx))
	assert.Equal(t, int32(2), peak.Load(), "one task per item on the bounded pool")
}

func TestRunner_RetryDelayProgression(t *testing.T) {
	t.Parallel()
	r := &Runner{}

	cases := []struct {
		strategy core.RetryStrategy
		want     []time.Duration
	}{
		{core.RetryFixed, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}},
		{core.RetryLinear, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}},
		{core.RetryExponential, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}},
	}
	for _, tc := range cases {
		t.Run(string(tc.strategy), func(t *testing.T) {
			node := &core.Node{ID: "T", RetryStrategy: tc.strategy,
				RetryDelaySeconds: 2, MaxRetries: 3}
			retrier := backoff.NewRetrier(r.policyFor(node))
			cause := core.NewError(core.ErrConnectionFail, "down")
			for attempt, want := range tc.want {
				got, err := retrier.Next(cause)
				require.NoError(t, err)
				assert.Equal(t, want, got, "attempt %d", attempt+1)
			}
		})
	}
}

func TestRunner_StepTelemetryCarriesResourceSample(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.bank.Seed("src", []core.Row{{"id": 1}, {"id": 2}})

	version := &core.PipelineVersion{
		ID:    "v1",
		Nodes: []core.Node{extractNode("extract", "src"), loadNode("load", "dst")},
		Edges: []core.Edge{{From: "extract", To: "load"}},
	}

	r := h.runner(t, version, Config{})
	require.NoError(t, r.Run(ctx))

	step, err := h.store.GetStep(ctx, "r1", "extract")
	require.NoError(t, err)
	assert.Greater(t, step.MemoryMB, float64(0), "terminal update carries a memory sample")
}

// operatorFunc adapts a function to the operator interface for tests.
type operatorFunc func(ctx context.Context, chunk *core.Chunk) (*core.Chunk, error)

func (f operatorFunc) Apply(ctx context.Context, chunk *core.Chunk) (*core.Chunk, error) {
	return f(ctx, chunk)
}
