package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger/tag"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// RunReaper periodically reclaims expired job leases and flips stale agents
// offline. Blocks until the context ends.
func (d *Dispatcher) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = d.cfg.LeaseTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reap(ctx)
		}
	}
}

func (d *Dispatcher) reap(ctx context.Context) {
	expired, err := d.stores.Jobs.ListExpiredLeases(ctx, d.cfg.LeaseTimeout)
	if err != nil {
		logger.Error(ctx, "Failed to list expired leases", tag.Error(err))
	}
	for _, job := range expired {
		d.reclaim(ctx, job)
	}

	cutoff := time.Now().UTC().Add(-d.cfg.AgentStaleAfter)
	if n, err := d.stores.Agents.MarkStale(ctx, cutoff); err != nil {
		logger.Error(ctx, "Failed to mark stale agents", tag.Error(err))
	} else if n > 0 {
		logger.Warn(ctx, "Marked agents offline", tag.Records(int64(n)))
	}

	d.refreshAgentGauge(ctx)
}

// reclaim hands an abandoned job back to the queue, or terminally fails it
// once the retry budget is spent.
func (d *Dispatcher) reclaim(ctx context.Context, job *core.Job) {
	reason := fmt.Sprintf("lease expired: no heartbeat from %s within %s",
		job.WorkerID, d.cfg.LeaseTimeout)

	if job.RetryCount < d.cfg.MaxJobRetries {
		if err := d.stores.Jobs.Requeue(ctx, job.ID, reason); err != nil {
			logger.Error(ctx, "Failed to requeue expired job", tag.Job(job.ID), tag.Error(err))
			return
		}
		if d.metrics != nil {
			d.metrics.LeasesReclaimed.Inc()
		}
		logger.Warn(ctx, "Reclaimed expired lease", tag.Job(job.ID),
			tag.Agent(job.WorkerID), tag.Attempt(job.RetryCount+1))
		return
	}

	if err := d.stores.Jobs.MarkFailed(ctx, job.ID, reason, true); err != nil {
		logger.Error(ctx, "Failed to fail expired job", tag.Job(job.ID), tag.Error(err))
		return
	}
	run, err := d.stores.Runs.GetRunByJob(ctx, job.ID)
	if err == nil {
		_ = d.state.FailRun(ctx, run.ID, "", core.NewError(core.ErrConnectionFail, "%s", reason))
	} else if !errors.Is(err, core.ErrNotFound) {
		logger.Error(ctx, "Failed to load run for expired job", tag.Job(job.ID), tag.Error(err))
	}
	logger.Error(ctx, "Job failed after repeated lease expiries", tag.Job(job.ID))
}

func (d *Dispatcher) refreshAgentGauge(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	agents, err := d.stores.Agents.List(ctx, "")
	if err != nil {
		return
	}
	online := 0
	for _, a := range agents {
		if a.Status != core.AgentOffline {
			online++
		}
	}
	d.metrics.AgentsOnline.Set(float64(online))
}
