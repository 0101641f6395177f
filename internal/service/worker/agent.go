package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/backoff"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/config"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger/tag"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/dag"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/cache"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/executor"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/runner"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/state"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/persistence/memstore"
)

// pollBackoffMax caps the retry interval after poll failures.
const pollBackoffMax = 30 * time.Second

// Agent is the worker process: a single-threaded event loop that polls,
// heartbeats, and dispatches leased jobs to the engine.
type Agent struct {
	cfg       config.Config
	client    *Client
	telemetry *Telemetry
	ephemeral *Ephemeral
	envs      *RuntimeEnvs

	mu         sync.Mutex
	current    *runner.Runner
	currentJob string
}

// NewAgent wires the runtime from configuration.
func NewAgent(cfg config.Config) *Agent {
	client := NewClient(cfg.Agent)
	envs := NewRuntimeEnvs(filepath.Join(cfg.Paths.DataDir, "envs"))
	return &Agent{
		cfg:       cfg,
		client:    client,
		telemetry: NewTelemetry(client),
		ephemeral: NewEphemeral(cfg.Agent.SandboxDir, envs),
		envs:      envs,
	}
}

// Run verifies credentials, then polls until the context ends. An
// authentication rejection stops the loop; transient failures back off.
func (a *Agent) Run(ctx context.Context) error {
	agent, err := a.verify(ctx)
	if err != nil {
		return err
	}
	logger.Info(ctx, "Agent registered", tag.Agent(agent.ClientID),
		tag.Workspace(agent.WorkspaceID))

	telemetryCtx, stopTelemetry := context.WithCancel(context.Background())
	defer stopTelemetry()
	go a.telemetry.Run(telemetryCtx)
	go a.heartbeatLoop(ctx)

	err = a.pollLoop(ctx)

	// Leave gracefully: one final offline heartbeat.
	offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, hbErr := a.client.Heartbeat(offCtx, a.heartbeat(core.AgentOffline)); hbErr != nil {
		logger.Warn(ctx, "Offline heartbeat failed", tag.Error(hbErr))
	}
	return err
}

// verify proves the credentials work, retrying transient failures.
func (a *Agent) verify(ctx context.Context) (*core.Agent, error) {
	retrier := backoff.NewRetrier(backoff.WithJitter(&backoff.ExponentialBackoffPolicy{
		InitialInterval: time.Second,
		BackoffFactor:   2.0,
		MaxInterval:     pollBackoffMax,
		MaxRetries:      10,
	}, backoff.Jitter))

	for {
		agent, err := a.client.VerifyConfig(ctx)
		if err == nil {
			return agent, nil
		}
		if IsAuthError(err) {
			return nil, err
		}
		interval, retryErr := retrier.Next(err)
		if retryErr != nil {
			return nil, err
		}
		logger.Warn(ctx, "Config verification failed, retrying",
			tag.Interval(interval), tag.Error(err))
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// pollLoop is the single-threaded event loop. Each iteration long-polls and,
// when work arrives, executes it to completion before polling again.
func (a *Agent) pollLoop(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		poll, err := a.client.Poll(ctx, a.cfg.Agent.Tags)
		switch {
		case err == nil:
			failures = 0
			a.handle(ctx, poll)
		case errors.Is(err, core.ErrNoJob):
			failures = 0
		case IsAuthError(err):
			logger.Error(ctx, "Credentials rejected, stopping", tag.Error(err))
			return err
		case ctx.Err() != nil:
			return nil
		default:
			failures++
			wait := backoffInterval(failures)
			logger.Warn(ctx, "Poll failed, backing off",
				tag.Interval(wait), tag.Error(err))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// backoffInterval doubles per consecutive failure, capped.
func backoffInterval(failures int) time.Duration {
	wait := time.Second << uint(failures-1)
	if wait > pollBackoffMax || wait <= 0 {
		wait = pollBackoffMax
	}
	return wait
}

func (a *Agent) handle(ctx context.Context, poll *core.PollResponse) {
	switch {
	case poll.Job != nil:
		a.executeJob(ctx, poll.Job)
	case poll.Ephemeral != nil:
		result := a.ephemeral.Handle(ctx, poll.Ephemeral)
		if err := a.client.ReportEphemeral(ctx, poll.Ephemeral.ID, result); err != nil {
			logger.Error(ctx, "Ephemeral report failed",
				tag.Job(poll.Ephemeral.ID), tag.Error(err))
		}
	}
}

// executeJob runs one leased pipeline job through the engine. Run and step
// state live in a local store; telemetry mirrors every transition to the
// dispatcher, and a terminal job report closes the run centrally.
func (a *Agent) executeJob(ctx context.Context, payload *core.JobPayload) {
	started := time.Now()
	logger.Info(ctx, "Executing job", tag.Job(payload.Job.ID),
		tag.Pipeline(payload.Job.PipelineID), tag.Run(payload.Job.RunID))

	report := &core.JobStatusReport{Timestamp: time.Now().UTC()}
	runErr := a.runPipeline(ctx, payload, report)

	report.ExecutionTimeMS = time.Since(started).Milliseconds()
	report.Timestamp = time.Now().UTC()
	switch {
	case runErr == nil:
		report.Status = core.JobSuccess
	case core.KindOf(runErr) == core.ErrCancelled:
		report.Status = core.JobCancelled
		report.Message = runErr.Error()
	default:
		report.Status = core.JobFailed
		report.Message = runErr.Error()
	}

	// Ship remaining telemetry before the terminal report so step rows are
	// settled when the dispatcher closes the run.
	a.telemetry.Flush(ctx)
	if err := a.client.ReportJob(ctx, payload.Job.ID, report); err != nil {
		logger.Error(ctx, "Job report failed", tag.Job(payload.Job.ID), tag.Error(err))
	}
}

func (a *Agent) runPipeline(ctx context.Context, payload *core.JobPayload, report *core.JobStatusReport) error {
	graph, err := dag.Build(payload.DAG)
	if err != nil {
		return err
	}

	// Run-scoped logger: everything the run logs is also mirrored to the
	// dispatcher through the telemetry loop.
	logOpts := []logger.Option{
		logger.WithFormat(a.cfg.Core.LogFormat),
		logger.WithHandler(newShippingHandler(a.telemetry, payload.Job.ID, payload.Job.RunID)),
	}
	if a.cfg.Core.Debug {
		logOpts = append(logOpts, logger.WithDebug())
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(logOpts...))

	store := memstore.New()
	stateMgr := state.NewManager(store, store, state.WithPublisher(a.telemetry))
	if err := stateMgr.InitializeRun(ctx, &core.PipelineRun{
		ID:         payload.Job.RunID,
		JobID:      payload.Job.ID,
		PipelineID: payload.Job.PipelineID,
		TotalNodes: len(payload.DAG.Nodes),
	}); err != nil {
		return err
	}

	execOpts := []executor.Option{executor.WithRuntimeEnvs(a.envs)}
	if payload.Backfill != nil {
		execOpts = append(execOpts, executor.WithBackfill(payload.Backfill))
	}
	if a.cfg.Paths.ForensicsDir != "" {
		execOpts = append(execOpts,
			executor.WithForensics(executor.NewForensics(a.cfg.Paths.ForensicsDir)))
	}
	exec := executor.New(payload.Job.PipelineID, payload.Connections,
		&remoteWatermarks{client: a.client}, execOpts...)

	chunkCache := cache.New(a.cfg.Cache.MemoryLimitMB, a.cfg.Cache.SpillDir)
	r := runner.New(graph, exec, chunkCache, stateMgr, runner.Config{
		JobID:            payload.Job.ID,
		RunID:            payload.Job.RunID,
		MaxParallelNodes: a.cfg.Agent.EffectiveMaxWorkers(),
		Timeout:          time.Duration(payload.Config.TimeoutSeconds) * time.Second,
	})

	a.mu.Lock()
	a.current = r
	a.currentJob = payload.Job.ID
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.current = nil
		a.currentJob = ""
		a.mu.Unlock()
	}()

	err = r.Run(ctx)

	if run, getErr := store.GetRun(ctx, payload.Job.RunID); getErr == nil {
		report.TotalRecords = run.TotalLoaded
	}
	return err
}

// CancelCurrent requests cooperative cancellation of the in-flight run.
func (a *Agent) CancelCurrent() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		a.current.Cancel()
	}
}

// heartbeatLoop reports liveness on the configured interval.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	interval := a.cfg.Agent.HeartbeatInt
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := a.client.Heartbeat(ctx, a.heartbeat(a.status()))
			if err != nil {
				logger.Warn(ctx, "Heartbeat failed", tag.Error(err))
				continue
			}
			a.applyCancels(ctx, resp.CancelJobIDs)
		}
	}
}

// applyCancels cancels the in-flight run when the dispatcher asked for it.
func (a *Agent) applyCancels(ctx context.Context, jobIDs []string) {
	if len(jobIDs) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil && lo.Contains(jobIDs, a.currentJob) {
		logger.Info(ctx, "Cancellation requested", tag.Job(a.currentJob))
		a.current.Cancel()
	}
}

// status is Busy while a run is in flight, Online otherwise.
func (a *Agent) status() core.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return core.AgentBusy
	}
	return core.AgentOnline
}

// heartbeat builds the liveness report with a host resource snapshot.
func (a *Agent) heartbeat(status core.AgentStatus) *core.HeartbeatRequest {
	hostname, _ := os.Hostname()
	info := core.SystemInfo{
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		Hostname: hostname,
		Runtime:  runtime.Version(),
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		info.CPUUsage = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemoryUsage = vm.UsedPercent
	}
	return &core.HeartbeatRequest{
		Status:     status,
		SystemInfo: info,
		Hostname:   hostname,
		Version:    a.cfg.Agent.Version,
	}
}
