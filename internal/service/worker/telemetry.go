package worker

import (
	"context"
	"sync"
	"time"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger/tag"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// flushInterval throttles telemetry: progress updates for a step coalesce
// for up to this long before one batch ships.
const flushInterval = 2 * time.Second

type stepKey struct {
	runID  string
	nodeID string
}

// Telemetry batches step updates toward the dispatcher. Non-terminal updates
// for the same (run, node) coalesce to the latest; terminal updates are never
// overwritten and force an immediate flush.
type Telemetry struct {
	client *Client

	mu      sync.Mutex
	pending map[stepKey]core.StepUpdate
	order   []stepKey
	logs    map[string][]core.LogRecord // job id -> buffered records

	kick chan struct{}
}

// NewTelemetry creates a throttled sender over the client.
func NewTelemetry(client *Client) *Telemetry {
	return &Telemetry{
		client:  client,
		pending: make(map[stepKey]core.StepUpdate),
		logs:    make(map[string][]core.LogRecord),
		kick:    make(chan struct{}, 1),
	}
}

// Publish implements state.Publisher. Never blocks.
func (t *Telemetry) Publish(_ context.Context, update core.StepUpdate) {
	key := stepKey{update.RunID, update.NodeID}

	t.mu.Lock()
	current, exists := t.pending[key]
	if exists && current.Status.IsTerminal() {
		// First terminal wins; later updates for the step are dropped.
		t.mu.Unlock()
		return
	}
	if !exists {
		t.order = append(t.order, key)
	}
	t.pending[key] = update
	t.mu.Unlock()

	if update.Status.IsTerminal() {
		select {
		case t.kick <- struct{}{}:
		default:
		}
	}
}

// PublishLog buffers one run log record under its job for the next flush.
// Never blocks.
func (t *Telemetry) PublishLog(jobID string, rec core.LogRecord) {
	t.mu.Lock()
	t.logs[jobID] = append(t.logs[jobID], rec)
	t.mu.Unlock()
}

// Run ships batches on the flush interval until the context ends, then
// drains what is left.
func (t *Telemetry) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain uses a fresh context; ctx is already dead.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			t.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			t.Flush(ctx)
		case <-t.kick:
			t.Flush(ctx)
		}
	}
}

// Flush sends everything pending, one batch per job in first-seen step
// order, then ships buffered log records per job. Failed sends are requeued.
func (t *Telemetry) Flush(ctx context.Context) {
	t.mu.Lock()
	keys := t.order
	pending := t.pending
	t.pending = make(map[stepKey]core.StepUpdate)
	t.order = nil
	logs := t.logs
	t.logs = make(map[string][]core.LogRecord)
	t.mu.Unlock()

	var jobOrder []string
	jobKeys := make(map[string][]stepKey)
	jobBatches := make(map[string][]core.StepUpdate)
	for _, key := range keys {
		update := pending[key]
		if _, ok := jobBatches[update.JobID]; !ok {
			jobOrder = append(jobOrder, update.JobID)
		}
		jobKeys[update.JobID] = append(jobKeys[update.JobID], key)
		jobBatches[update.JobID] = append(jobBatches[update.JobID], update)
	}
	for _, jobID := range jobOrder {
		batch := jobBatches[jobID]
		if err := t.client.SendSteps(ctx, jobID, batch); err != nil {
			logger.Warn(ctx, "Telemetry send failed, requeueing batch",
				tag.Job(jobID), tag.Records(int64(len(batch))), tag.Error(err))
			t.requeue(jobKeys[jobID], batch)
		}
	}
	for jobID, recs := range logs {
		if err := t.client.SendLogs(ctx, jobID, recs); err != nil {
			t.mu.Lock()
			t.logs[jobID] = append(recs, t.logs[jobID]...)
			t.mu.Unlock()
		}
	}
}

// requeue restores a failed batch without clobbering updates that arrived
// during the send.
func (t *Telemetry) requeue(keys []stepKey, batch []core.StepUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	restoredOrder := make([]stepKey, 0, len(keys)+len(t.order))
	for i, key := range keys {
		if newer, ok := t.pending[key]; ok {
			// A newer update superseded this one unless ours was terminal.
			if !batch[i].Status.IsTerminal() || newer.Status.IsTerminal() {
				continue
			}
		}
		t.pending[key] = batch[i]
		restoredOrder = append(restoredOrder, key)
	}
	for _, key := range t.order {
		if _, dup := t.pending[key]; dup {
			seen := false
			for _, r := range restoredOrder {
				if r == key {
					seen = true
					break
				}
			}
			if !seen {
				restoredOrder = append(restoredOrder, key)
			}
		}
	}
	t.order = restoredOrder
}
