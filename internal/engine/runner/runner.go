// Package runner executes a pipeline DAG layer by layer: nodes within a
// layer run concurrently on a bounded pool, outputs flow through the shared
// chunk cache, and every state transition goes through the state manager.
package runner

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/backoff"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger/tag"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/dag"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/cache"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/eval"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/executor"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/state"
)

// evictTarget is the cache utilization fraction restored between layers.
const evictTarget = 0.75

// Config parameterizes one run.
type Config struct {
	JobID string
	RunID string
	// MaxParallelNodes bounds intra-layer concurrency; zero means twice the
	// CPU count.
	MaxParallelNodes int
	// Timeout bounds the whole run; checked at layer boundaries. Zero
	// disables the bound.
	Timeout time.Duration
	// PermissiveConditions makes edge-condition evaluation errors count as
	// true instead of skipping the node. Off by default: conditions fail
	// closed.
	PermissiveConditions bool
}

// Runner drives one pipeline run to a terminal state.
type Runner struct {
	graph *dag.Graph
	exec  *executor.Executor
	cache *cache.Cache
	state *state.Manager
	cfg   Config

	cancelled atomic.Bool
}

// New creates a runner for one run.
func New(graph *dag.Graph, exec *executor.Executor, chunkCache *cache.Cache, stateMgr *state.Manager, cfg Config) *Runner {
	if cfg.MaxParallelNodes <= 0 {
		cfg.MaxParallelNodes = 2 * runtime.NumCPU()
	}
	return &Runner{
		graph: graph,
		exec:  exec,
		cache: chunkCache,
		state: stateMgr,
		cfg:   cfg,
	}
}

// Cancel requests cooperative cancellation. The run stops at the next node
// or layer boundary.
func (r *Runner) Cancel() {
	r.cancelled.Store(true)
}

// Run executes the DAG to completion. The returned error is the first node
// failure, the run timeout, or cancellation; nil means the run completed.
func (r *Runner) Run(ctx context.Context) error {
	started := time.Now()
	statuses := newStatusTable(r.graph.Size())
	defer r.cache.Clear()

	for layerIdx, layer := range r.graph.ExecutionLayers() {
		if r.cancelled.Load() || ctx.Err() != nil {
			err := core.NewError(core.ErrCancelled, "run %s cancelled", r.cfg.RunID)
			_ = r.state.CancelRun(ctx, r.cfg.RunID)
			return err
		}
		if r.cfg.Timeout > 0 && time.Since(started) > r.cfg.Timeout {
			err := core.NewError(core.ErrExecTimeout,
				"run %s exceeded execution timeout %s", r.cfg.RunID, r.cfg.Timeout)
			_ = r.state.FailRun(ctx, r.cfg.RunID, "", err)
			return err
		}

		runnable, err := r.filterLayer(ctx, layer, statuses)
		if err != nil {
			_ = r.state.FailRun(ctx, r.cfg.RunID, "", err)
			return err
		}

		failedNode, err := r.executeLayer(ctx, layerIdx, runnable, statuses)
		if err != nil {
			_ = r.state.FailRun(ctx, r.cfg.RunID, failedNode, err)
			return err
		}

		if err := r.releaseFinished(statuses); err != nil {
			logger.Warn(ctx, "Cache cleanup failed", tag.Run(r.cfg.RunID), tag.Error(err))
		}
	}

	return r.state.CompleteRun(ctx, r.cfg.RunID)
}

// filterLayer applies skip propagation and edge conditions, returning the
// nodes that should actually execute. Skipped nodes are recorded in the
// state manager and in statuses.
func (r *Runner) filterLayer(ctx context.Context, layer []string, statuses *statusTable) ([]*core.Node, error) {
	src := &cacheSource{cache: r.cache}
	var runnable []*core.Node
	for _, id := range layer {
		node := r.graph.Node(id)

		if reason := r.upstreamBlocks(id, statuses); reason != "" {
			if err := r.state.MarkSkipped(ctx, r.cfg.RunID, node, reason); err != nil {
				return nil, err
			}
			statuses.set(id, core.StepSkipped)
			continue
		}

		executable := true
		for _, edge := range r.graph.IncomingEdges(id) {
			if edge.Condition == "" {
				continue
			}
			ok, err := eval.Condition(edge.Condition, src)
			if err != nil {
				if r.cfg.PermissiveConditions {
					logger.Warn(ctx, "Condition evaluation failed, treating as true",
						tag.Node(id), tag.Error(err))
					continue
				}
				// Fail closed: an unevaluable condition gates the node off.
				logger.Warn(ctx, "Condition evaluation failed, skipping node",
					tag.Node(id), tag.Error(err))
				ok = false
			}
			if !ok {
				executable = false
				break
			}
		}
		if !executable {
			if err := r.state.MarkSkipped(ctx, r.cfg.RunID, node, "edge condition not met"); err != nil {
				return nil, err
			}
			statuses.set(id, core.StepSkipped)
			continue
		}
		runnable = append(runnable, node)
	}
	return runnable, nil
}

// upstreamBlocks returns a skip reason when any upstream node did not
// produce output.
func (r *Runner) upstreamBlocks(id string, statuses *statusTable) string {
	for _, up := range r.graph.Upstream(id) {
		switch statuses.get(up) {
		case core.StepSkipped:
			return "upstream " + up + " was skipped"
		case core.StepFailed:
			return "upstream " + up + " failed"
		}
	}
	return ""
}

// executeLayer runs the layer's nodes on a bounded pool. A single node runs
// inline. Returns the first failing node id and error, if any.
func (r *Runner) executeLayer(ctx context.Context, layerIdx int, nodes []*core.Node, statuses *statusTable) (string, error) {
	if len(nodes) == 0 {
		return "", nil
	}
	logger.Debug(ctx, "Executing layer", tag.Run(r.cfg.RunID),
		tag.Layer(layerIdx), tag.Records(int64(len(nodes))))

	if len(nodes) == 1 {
		err := r.runNode(ctx, nodes[0], statuses)
		if err != nil {
			return nodes[0].ID, err
		}
		return "", nil
	}

	layerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		failedNode string
		firstErr   error
	)
	sem := make(chan struct{}, r.cfg.MaxParallelNodes)
	for _, node := range nodes {
		wg.Add(1)
		sem <- struct{}{}
		go func(node *core.Node) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.runNode(layerCtx, node, statuses); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					failedNode = node.ID
				}
				mu.Unlock()
				// One failure cancels the rest of the layer.
				cancel()
			}
		}(node)
	}
	wg.Wait()
	return failedNode, firstErr
}

// runNode executes one node with retries and per-node timeout, storing its
// output in the cache and reporting state transitions.
func (r *Runner) runNode(ctx context.Context, node *core.Node, statuses *statusTable) error {
	if _, err := r.state.CreateStepRun(ctx, r.cfg.RunID, node); err != nil {
		return err
	}

	inputs, err := r.gatherInputs(node)
	if err != nil {
		return r.failNode(ctx, node, statuses, 0, err)
	}

	var (
		result  *executor.Result
		attempt int
	)
	retrier := backoff.NewRetrier(r.policyFor(node))
	for {
		r.reportRunning(ctx, node, attempt)

		result, err = r.attempt(ctx, node, inputs, attempt)
		if err == nil {
			break
		}
		if r.cancelled.Load() || ctx.Err() != nil {
			return r.failNode(ctx, node, statuses, attempt,
				core.WrapError(core.ErrCancelled, err, "node %s cancelled", node.ID))
		}
		if !core.IsRetryable(err) {
			return r.failNode(ctx, node, statuses, attempt, err)
		}

		if attempt >= node.MaxRetries {
			return r.failNode(ctx, node, statuses, attempt, err)
		}
		interval, retryErr := retrier.Next(err)
		if retryErr != nil {
			return r.failNode(ctx, node, statuses, attempt, err)
		}
		attempt++
		logger.Warn(ctx, "Node failed, retrying", tag.Node(node.ID),
			tag.Attempt(attempt), tag.Interval(interval), tag.Error(err))
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return r.failNode(ctx, node, statuses, attempt,
				core.WrapError(core.ErrCancelled, ctx.Err(), "node %s cancelled", node.ID))
		}
	}

	if err := r.cache.Store(node.ID, result.Chunks); err != nil {
		return r.failNode(ctx, node, statuses, attempt, err)
	}

	cpu, mem := resourceSample()
	update := core.StepUpdate{
		JobID:      r.cfg.JobID,
		RunID:      r.cfg.RunID,
		NodeID:     node.ID,
		Status:     core.StepSuccess,
		Counters:   result.Counters,
		SampleData: result.Samples,
		CPUPercent: cpu,
		MemoryMB:   mem,
		RetryCount: attempt,
		Timestamp:  time.Now().UTC(),
	}
	if err := r.state.UpdateStep(ctx, update); err != nil {
		return err
	}
	statuses.set(node.ID, core.StepSuccess)
	return nil
}

// attempt runs one execution attempt, honoring the per-node timeout and
// dynamic fan-out.
func (r *Runner) attempt(ctx context.Context, node *core.Node, inputs map[string][]*core.Chunk, attempt int) (*executor.Result, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout := node.Timeout(); timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var result *executor.Result
	var err error
	if node.IsDynamic {
		result, err = r.runDynamic(attemptCtx, node, r.progressFor(ctx, node, attempt))
	} else {
		result, err = r.exec.ExecuteNode(attemptCtx, r.cfg.RunID, node, inputs,
			r.progressFor(ctx, node, attempt))
	}

	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, core.WrapError(core.ErrNodeTimeout, err,
			"node %s exceeded timeout %s", node.ID, node.Timeout())
	}
	return result, err
}

// runDynamic fans a dynamic node out over its mapping items: one task per
// item, run concurrently on a bounded pool, with the item merged into the
// node config as _dynamic_item. Outputs are flattened in item order and
// counters summed across instances; samples come from the first instance.
// Any instance failure fails the node and cancels the rest.
func (r *Runner) runDynamic(ctx context.Context, node *core.Node, progress executor.Progress) (*executor.Result, error) {
	items, err := eval.List(node.MappingExpr, &cacheSource{cache: r.cache})
	if err != nil {
		return nil, err
	}
	inputs, err := r.gatherInputs(node)
	if err != nil {
		return nil, err
	}

	instCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		counters = make([]core.StepCounters, len(items))
		results  = make([]*executor.Result, len(items))
	)
	// report folds the latest per-instance counters into one running total
	// for the node's progress stream.
	report := func() {
		if progress == nil {
			return
		}
		mu.Lock()
		var total core.StepCounters
		for i := range counters {
			total.Add(counters[i])
		}
		mu.Unlock()
		progress(total)
	}

	sem := make(chan struct{}, r.cfg.MaxParallelNodes)
	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item any) {
			defer wg.Done()
			defer func() { <-sem }()

			instance := *node
			instance.Config = make(map[string]any, len(node.Config)+1)
			for k, v := range node.Config {
				instance.Config[k] = v
			}
			instance.Config["_dynamic_item"] = item

			result, err := r.exec.ExecuteNode(instCtx, r.cfg.RunID, &instance, inputs,
				func(c core.StepCounters) {
					mu.Lock()
					counters[i] = c
					mu.Unlock()
					report()
				})
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				cancel()
				return
			}
			mu.Lock()
			results[i] = result
			counters[i] = result.Counters
			mu.Unlock()
		}(i, item)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	combined := &executor.Result{Samples: core.SampleData{}}
	for i, result := range results {
		combined.Chunks = append(combined.Chunks, result.Chunks...)
		combined.Counters.Add(result.Counters)
		if i == 0 {
			combined.Samples = result.Samples
		}
	}
	return combined, nil
}

// gatherInputs retrieves the cached outputs of every upstream node.
func (r *Runner) gatherInputs(node *core.Node) (map[string][]*core.Chunk, error) {
	inputs := make(map[string][]*core.Chunk)
	for _, up := range r.graph.Upstream(node.ID) {
		chunks, err := r.cache.Retrieve(up)
		if err != nil {
			return nil, err
		}
		inputs[up] = chunks
	}
	return inputs, nil
}

// releaseFinished clears cache entries whose downstream consumers have all
// reached a terminal state, then restores headroom.
func (r *Runner) releaseFinished(statuses *statusTable) error {
	statuses.mu.Lock()
	snapshot := make(map[string]core.StepStatus, len(statuses.m))
	for id, status := range statuses.m {
		snapshot[id] = status
	}
	statuses.mu.Unlock()

	for id, status := range snapshot {
		if status != core.StepSuccess {
			continue
		}
		downstream := r.graph.Downstream(id)
		if len(downstream) == 0 {
			continue
		}
		done := true
		for _, d := range downstream {
			if !snapshot[d].IsTerminal() {
				done = false
				break
			}
		}
		if done {
			r.cache.ClearNode(id)
		}
	}
	return r.cache.EvictUnder(evictTarget)
}

func (r *Runner) reportRunning(ctx context.Context, node *core.Node, attempt int) {
	_ = r.state.UpdateStep(ctx, core.StepUpdate{
		JobID:      r.cfg.JobID,
		RunID:      r.cfg.RunID,
		NodeID:     node.ID,
		Status:     core.StepRunning,
		RetryCount: attempt,
		Timestamp:  time.Now().UTC(),
	})
}

func (r *Runner) progressFor(ctx context.Context, node *core.Node, attempt int) executor.Progress {
	return func(counters core.StepCounters) {
		cpu, mem := resourceSample()
		_ = r.state.UpdateStep(ctx, core.StepUpdate{
			JobID:      r.cfg.JobID,
			RunID:      r.cfg.RunID,
			NodeID:     node.ID,
			Status:     core.StepRunning,
			Counters:   counters,
			CPUPercent: cpu,
			MemoryMB:   mem,
			RetryCount: attempt,
			Timestamp:  time.Now().UTC(),
		})
	}
}

// resourceSample captures the running process's CPU share and resident
// memory for step telemetry. Sampling failures degrade to zeroes.
func resourceSample() (cpuPercent, memoryMB float64) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, 0
	}
	if v, err := proc.CPUPercent(); err == nil {
		cpuPercent = v
	}
	if info, err := proc.MemoryInfo(); err == nil {
		memoryMB = float64(info.RSS) / (1 << 20)
	}
	return cpuPercent, memoryMB
}

func (r *Runner) failNode(ctx context.Context, node *core.Node, statuses *statusTable, attempt int, cause error) error {
	statuses.set(node.ID, core.StepFailed)
	_ = r.state.UpdateStep(ctx, core.StepUpdate{
		JobID:        r.cfg.JobID,
		RunID:        r.cfg.RunID,
		NodeID:       node.ID,
		Status:       core.StepFailed,
		RetryCount:   attempt,
		ErrorType:    string(core.KindOf(cause)),
		ErrorMessage: cause.Error(),
		Timestamp:    time.Now().UTC(),
	})
	return cause
}

// policyFor maps the node's declared retry strategy onto a backoff policy.
// Delays are exact: fixed stays at the base delay, linear grows by the base
// per attempt, exponential doubles per attempt.
func (r *Runner) policyFor(node *core.Node) backoff.RetryPolicy {
	delay := node.RetryDelay()
	var policy backoff.RetryPolicy
	switch node.RetryStrategy {
	case core.RetryLinear:
		policy = &backoff.LinearBackoffPolicy{
			InitialInterval: delay,
			Increment:       delay,
			MaxInterval:     5 * time.Minute,
			MaxRetries:      node.MaxRetries,
		}
	case core.RetryExponential:
		policy = &backoff.ExponentialBackoffPolicy{
			InitialInterval: delay,
			BackoffFactor:   2.0,
			MaxInterval:     5 * time.Minute,
			MaxRetries:      node.MaxRetries,
		}
	default:
		policy = &backoff.ConstantBackoffPolicy{
			Interval:   delay,
			MaxRetries: node.MaxRetries,
		}
	}
	return policy
}

// statusTable is the concurrency-safe record of per-node outcomes.
type statusTable struct {
	mu sync.Mutex
	m  map[string]core.StepStatus
}

func newStatusTable(size int) *statusTable {
	return &statusTable{m: make(map[string]core.StepStatus, size)}
}

func (t *statusTable) set(id string, s core.StepStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[id] = s
}

func (t *statusTable) get(id string) core.StepStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[id]
}

// cacheSource adapts the chunk cache to the evaluator's input view.
type cacheSource struct {
	cache *cache.Cache
}

func (s *cacheSource) InputCount(nodeID string) (int64, error) {
	chunks, err := s.cache.Retrieve(nodeID)
	if err != nil {
		return 0, err
	}
	return int64(core.TotalRows(chunks)), nil
}

func (s *cacheSource) InputRows(nodeID string) ([]core.Row, error) {
	chunks, err := s.cache.Retrieve(nodeID)
	if err != nil {
		return nil, err
	}
	var rows []core.Row
	for _, chunk := range chunks {
		rows = append(rows, chunk.Rows...)
	}
	return rows, nil
}
