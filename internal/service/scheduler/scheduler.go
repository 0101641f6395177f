// Package scheduler triggers pipeline jobs from cron expressions, expands
// backfill requests into per-window jobs, and raises SLA breach alerts.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger/tag"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/metrics"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/persistence"
)

// Config tunes the scheduler loop.
type Config struct {
	// TickInterval is how often schedules and SLAs are evaluated.
	TickInterval time.Duration
}

// Scheduler evaluates every schedule-enabled pipeline once per tick.
type Scheduler struct {
	jobs      persistence.JobStore
	pipelines persistence.PipelineStore
	runs      persistence.RunStore
	metrics   *metrics.Metrics
	cfg       Config

	mu sync.Mutex
	// lastEval is the previous evaluation point per pipeline. A job fires
	// when the cron schedule has a fire time in (lastEval, now].
	lastEval map[string]time.Time
	// durationAlerted tracks jobs already flagged for a max-duration breach.
	durationAlerted map[string]bool
	// finishByAlerted tracks pipeline+date pairs already flagged for a
	// missed finish-by deadline.
	finishByAlerted map[string]bool
}

// Option configures optional collaborators.
type Option func(*Scheduler)

// WithMetrics attaches instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler over the given stores.
func New(jobs persistence.JobStore, pipelines persistence.PipelineStore,
	runs persistence.RunStore, cfg Config, opts ...Option) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	s := &Scheduler{
		jobs:            jobs,
		pipelines:       pipelines,
		runs:            runs,
		cfg:             cfg,
		lastEval:        make(map[string]time.Time),
		durationAlerted: make(map[string]bool),
		finishByAlerted: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run evaluates schedules on every tick until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	logger.Info(ctx, "Scheduler started", tag.Interval(s.cfg.TickInterval))
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Scheduler stopped")
			return
		case now := <-ticker.C:
			s.tick(ctx, now.UTC())
		}
	}
}

// tick runs one evaluation pass at the given instant.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if s.metrics != nil {
		s.metrics.SchedulerTicks.Inc()
	}

	pipelines, err := s.pipelines.ListScheduled(ctx)
	if err != nil {
		logger.Error(ctx, "Failed to list scheduled pipelines", tag.Error(err))
		return
	}

	for _, p := range pipelines {
		if err := s.evaluate(ctx, p, now); err != nil {
			logger.Error(ctx, "Schedule evaluation failed",
				tag.Pipeline(p.ID), tag.Error(err))
		}
		s.checkSLA(ctx, p, now)
	}
}

// evaluate fires a job when the pipeline's cron schedule has a fire time
// since the previous evaluation, subject to the parallel-run cap.
func (s *Scheduler) evaluate(ctx context.Context, p *core.Pipeline, now time.Time) error {
	if p.CronExpression == "" {
		return nil
	}
	loc, err := pipelineLocation(p)
	if err != nil {
		return err
	}
	sched, err := cron.ParseStandard(p.CronExpression)
	if err != nil {
		return core.WrapError(core.ErrConfiguration, err,
			"invalid cron expression %q on pipeline %s", p.CronExpression, p.ID)
	}

	s.mu.Lock()
	last, seen := s.lastEval[p.ID]
	if !seen {
		// First sighting: anchor here, never fire for the past.
		s.lastEval[p.ID] = now
		s.mu.Unlock()
		return nil
	}
	s.lastEval[p.ID] = now
	s.mu.Unlock()

	next := sched.Next(last.In(loc))
	if next.After(now) {
		return nil
	}

	active, err := s.jobs.CountActive(ctx, p.ID)
	if err != nil {
		return err
	}
	if active >= p.EffectiveMaxParallelRuns() {
		// Cap reached: this fire is dropped, not deferred.
		logger.Warn(ctx, "Schedule fire skipped at parallelism cap",
			tag.Pipeline(p.ID), tag.Records(int64(active)))
		return nil
	}

	job := &core.Job{
		ID:            uuid.NewString(),
		PipelineID:    p.ID,
		WorkspaceID:   p.WorkspaceID,
		Status:        core.JobQueued,
		CorrelationID: uuid.NewString(),
		Trigger:       core.TriggerSchedule,
		QueueName:     p.QueueName,
		CreatedAt:     now,
	}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		return err
	}
	s.countEnqueued(core.TriggerSchedule)
	logger.Info(ctx, "Scheduled job enqueued",
		tag.Pipeline(p.ID), tag.Job(job.ID))
	return nil
}

// Backfill expands a historical window into one job per interval and
// enqueues them oldest first. Returns the job ids in enqueue order.
func (s *Scheduler) Backfill(ctx context.Context, pipelineID string,
	window core.BackfillWindow, interval time.Duration) ([]string, error) {
	if !window.End.After(window.Start) {
		return nil, core.NewError(core.ErrValidation,
			"backfill window end %s is not after start %s", window.End, window.Start)
	}
	if interval <= 0 {
		return nil, core.NewError(core.ErrValidation, "backfill interval must be positive")
	}

	p, err := s.pipelines.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	var ids []string
	for start := window.Start; start.Before(window.End); start = start.Add(interval) {
		end := start.Add(interval)
		if end.After(window.End) {
			end = window.End
		}
		job := &core.Job{
			ID:            uuid.NewString(),
			PipelineID:    p.ID,
			WorkspaceID:   p.WorkspaceID,
			Status:        core.JobQueued,
			CorrelationID: correlationID,
			Trigger:       core.TriggerBackfill,
			QueueName:     p.QueueName,
			CreatedAt:     time.Now().UTC(),
			Backfill:      &core.BackfillWindow{Start: start, End: end},
		}
		if err := s.jobs.Enqueue(ctx, job); err != nil {
			return ids, err
		}
		ids = append(ids, job.ID)
		s.countEnqueued(core.TriggerBackfill)
	}
	logger.Info(ctx, "Backfill enqueued", tag.Pipeline(pipelineID),
		tag.Records(int64(len(ids))))
	return ids, nil
}

// checkSLA raises at most one alert per breach: per job for max-duration,
// per pipeline per day for finish-by.
func (s *Scheduler) checkSLA(ctx context.Context, p *core.Pipeline, now time.Time) {
	if p.SLA == nil {
		return
	}

	if p.SLA.MaxDurationSeconds > 0 {
		s.checkMaxDuration(ctx, p, now)
	}
	if p.SLA.FinishBy != "" {
		s.checkFinishBy(ctx, p, now)
	}
}

func (s *Scheduler) checkMaxDuration(ctx context.Context, p *core.Pipeline, now time.Time) {
	limit := time.Duration(p.SLA.MaxDurationSeconds) * time.Second
	running, err := s.jobs.ListRunning(ctx, p.ID)
	if err != nil {
		logger.Error(ctx, "Failed to list running jobs for SLA check",
			tag.Pipeline(p.ID), tag.Error(err))
		return
	}
	for _, job := range running {
		if job.StartedAt == nil {
			continue
		}
		elapsed := now.Sub(*job.StartedAt)
		if elapsed <= limit {
			continue
		}
		s.mu.Lock()
		alerted := s.durationAlerted[job.ID]
		s.durationAlerted[job.ID] = true
		s.mu.Unlock()
		if alerted {
			continue
		}
		s.countBreach("duration")
		logger.Warn(ctx, "SLA breach: job exceeds max duration",
			tag.Pipeline(p.ID), tag.Job(job.ID), tag.Duration(elapsed))
	}
}

func (s *Scheduler) checkFinishBy(ctx context.Context, p *core.Pipeline, now time.Time) {
	loc, err := pipelineLocation(p)
	if err != nil {
		logger.Error(ctx, "Invalid pipeline timezone", tag.Pipeline(p.ID), tag.Error(err))
		return
	}
	deadline, err := finishByDeadline(p.SLA.FinishBy, now.In(loc))
	if err != nil {
		logger.Error(ctx, "Invalid finish_by deadline", tag.Pipeline(p.ID), tag.Error(err))
		return
	}
	if now.Before(deadline) {
		return
	}

	key := p.ID + "/" + deadline.Format("2006-01-02")
	s.mu.Lock()
	alerted := s.finishByAlerted[key]
	s.finishByAlerted[key] = true
	s.mu.Unlock()
	if alerted {
		return
	}

	latest, err := s.runs.LatestSuccess(ctx, p.ID)
	if err != nil {
		logger.Error(ctx, "Failed to load latest success for SLA check",
			tag.Pipeline(p.ID), tag.Error(err))
		return
	}
	midnight := time.Date(deadline.Year(), deadline.Month(), deadline.Day(), 0, 0, 0, 0, loc)
	if latest != nil && latest.EndedAt != nil &&
		!latest.EndedAt.Before(midnight) && !latest.EndedAt.After(deadline) {
		return
	}

	s.countBreach("finish_by")
	logger.Warn(ctx, "SLA breach: no successful run by deadline",
		tag.Pipeline(p.ID), tag.String("deadline", deadline.Format(time.RFC3339)))
}

// finishByDeadline resolves an "HH:MM" wall-clock deadline on ref's date.
func finishByDeadline(finishBy string, ref time.Time) (time.Time, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(finishBy, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, core.NewError(core.ErrConfiguration,
			"finish_by %q is not HH:MM", finishBy)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, core.NewError(core.ErrConfiguration,
			"finish_by %q is out of range", finishBy)
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(),
		hour, minute, 0, 0, ref.Location()), nil
}

func pipelineLocation(p *core.Pipeline) (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, core.WrapError(core.ErrConfiguration, err,
			"invalid timezone %q on pipeline %s", p.Timezone, p.ID)
	}
	return loc, nil
}

func (s *Scheduler) countEnqueued(trigger core.TriggerType) {
	if s.metrics != nil {
		s.metrics.JobsEnqueued.WithLabelValues(string(trigger)).Inc()
	}
}

func (s *Scheduler) countBreach(kind string) {
	if s.metrics != nil {
		s.metrics.SLABreaches.WithLabelValues(kind).Inc()
	}
}
