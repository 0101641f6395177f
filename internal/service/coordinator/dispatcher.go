// Package coordinator is the dispatcher side of the agent protocol: it leases
// queued jobs to polling agents, hands over fully resolved payloads, tracks
// leases against heartbeats, and records terminal job reports.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger/tag"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/state"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/watermark"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/metrics"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/persistence"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/service/telemetry"
)

// blobCacheSize bounds the resolved-connection cache shared by payload builds.
const blobCacheSize = 256

// Stores groups the persistence dependencies of the dispatcher.
type Stores struct {
	Jobs        persistence.JobStore
	Ephemerals  persistence.EphemeralStore
	Pipelines   persistence.PipelineStore
	Connections persistence.ConnectionStore
	Runs        persistence.RunStore
	Steps       persistence.StepStore
	Agents      persistence.AgentStore
	Watermarks  watermark.Store
}

// Config tunes dispatcher behavior.
type Config struct {
	// LeaseTimeout is how long a running job may go without a heartbeat
	// before its lease is reclaimed.
	LeaseTimeout time.Duration
	// MaxJobRetries bounds infrastructure requeues per job before it is
	// terminally failed.
	MaxJobRetries int
	// AgentStaleAfter is how long after the last heartbeat an agent is
	// flipped to offline.
	AgentStaleAfter time.Duration
}

func (c *Config) applyDefaults() {
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 2 * time.Minute
	}
	if c.MaxJobRetries <= 0 {
		c.MaxJobRetries = 3
	}
	if c.AgentStaleAfter <= 0 {
		c.AgentStaleAfter = 90 * time.Second
	}
}

// Dispatcher owns the lease lifecycle on the orchestrator side.
type Dispatcher struct {
	stores  Stores
	state   *state.Manager
	ingress *telemetry.Ingress
	metrics *metrics.Metrics
	cfg     Config

	blobCache *lru.Cache[string, core.ConnectionBlob]

	mu sync.Mutex
	// pendingCancels holds requested cancellations per lease holder until the
	// next heartbeat delivers them.
	pendingCancels map[string][]string
	// softAssigns records the advisory agent pick per queued job. The claim
	// still happens via poll.
	softAssigns map[string]string
}

// Option configures optional dispatcher collaborators.
type Option func(*Dispatcher)

// WithMetrics attaches instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithIngress lets the dispatcher clear telemetry dedup state on terminal
// reports.
func WithIngress(i *telemetry.Ingress) Option {
	return func(d *Dispatcher) { d.ingress = i }
}

// New creates a dispatcher over the given stores.
func New(stores Stores, cfg Config, opts ...Option) *Dispatcher {
	cfg.applyDefaults()
	cache, _ := lru.New[string, core.ConnectionBlob](blobCacheSize)
	d := &Dispatcher{
		stores:         stores,
		state:          state.NewManager(stores.Runs, stores.Steps),
		cfg:            cfg,
		blobCache:      cache,
		pendingCancels: make(map[string][]string),
		softAssigns:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Poll answers one agent poll: a pipeline job payload when one can be leased,
// otherwise an ephemeral task, otherwise nil.
func (d *Dispatcher) Poll(ctx context.Context, agent *core.Agent, queues []string) (*core.PollResponse, error) {
	req := persistence.LeaseRequest{
		WorkerID:     agent.ClientID,
		WorkspaceID:  agent.WorkspaceID,
		Queues:       queues,
		LeaseTimeout: d.cfg.LeaseTimeout,
	}

	job, err := d.stores.Jobs.Lease(ctx, req)
	switch {
	case err == nil:
		payload, err := d.buildPayload(ctx, job)
		if err != nil {
			// Hand the job back so another poll can pick it up once the
			// underlying problem clears.
			if rqErr := d.stores.Jobs.Requeue(ctx, job.ID, err.Error()); rqErr != nil {
				logger.Error(ctx, "Failed to requeue job after payload error",
					tag.Job(job.ID), tag.Error(rqErr))
			}
			return nil, err
		}
		d.countPoll("job")
		if d.metrics != nil {
			d.metrics.JobsLeased.Inc()
		}
		d.mu.Lock()
		delete(d.softAssigns, job.ID)
		d.mu.Unlock()
		logger.Info(ctx, "Job leased", tag.Job(job.ID),
			tag.Pipeline(job.PipelineID), tag.Agent(agent.ClientID))
		return &core.PollResponse{Job: payload}, nil
	case !errors.Is(err, core.ErrNoJob):
		return nil, err
	}

	eph, err := d.stores.Ephemerals.Lease(ctx, req)
	switch {
	case err == nil:
		payload, err := d.buildEphemeralPayload(ctx, eph)
		if err != nil {
			return nil, err
		}
		d.countPoll("ephemeral")
		return &core.PollResponse{Ephemeral: payload}, nil
	case !errors.Is(err, core.ErrNoJob):
		return nil, err
	}

	d.countPoll("empty")
	return nil, core.ErrNoJob
}

// buildPayload assembles the full handoff for a leased job: DAG, resolved
// connection blobs, run identity, and execution limits.
func (d *Dispatcher) buildPayload(ctx context.Context, job *core.Job) (*core.JobPayload, error) {
	pipeline, err := d.stores.Pipelines.GetPipeline(ctx, job.PipelineID)
	if err != nil {
		return nil, err
	}
	versionID := job.VersionID
	if versionID == "" {
		versionID = pipeline.ActiveVersionID
	}
	version, err := d.stores.Pipelines.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if err := version.Validate(); err != nil {
		return nil, err
	}

	// A requeued job keeps its run: re-leasing must hand out the same run
	// identity, not mint a second one.
	run, err := d.stores.Runs.GetRunByJob(ctx, job.ID)
	switch {
	case errors.Is(err, core.ErrNotFound):
		runNumber, err := d.stores.Runs.NextRunNumber(ctx, job.PipelineID)
		if err != nil {
			return nil, err
		}
		run = &core.PipelineRun{
			ID:         uuid.NewString(),
			JobID:      job.ID,
			PipelineID: job.PipelineID,
			VersionID:  versionID,
			RunNumber:  runNumber,
			Status:     core.RunInitializing,
			TotalNodes: len(version.Nodes),
		}
		if err := d.stores.Runs.CreateRun(ctx, run); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}
	// Seed every step record now so telemetry applies against known rows.
	for i := range version.Nodes {
		node := &version.Nodes[i]
		if _, err := d.stores.Steps.CreateStep(ctx, &core.StepRun{
			RunID:        run.ID,
			NodeID:       node.ID,
			OperatorType: node.OperatorType,
			OrderIndex:   node.OrderIndex,
			Status:       core.StepPending,
		}); err != nil {
			return nil, err
		}
	}

	connections, err := d.resolveConnections(ctx, version)
	if err != nil {
		return nil, err
	}

	execCfg := core.ExecConfig{}
	if pipeline.SLA != nil {
		execCfg.TimeoutSeconds = pipeline.SLA.MaxDurationSeconds
	}

	return &core.JobPayload{
		Job: core.JobRef{
			ID:         job.ID,
			PipelineID: job.PipelineID,
			RunID:      run.ID,
			Queue:      job.QueueName,
		},
		DAG:         version,
		Connections: connections,
		Config:      execCfg,
		Backfill:    job.Backfill,
	}, nil
}

func (d *Dispatcher) buildEphemeralPayload(ctx context.Context, job *core.EphemeralJob) (*core.EphemeralPayload, error) {
	payload := &core.EphemeralPayload{
		ID:      job.ID,
		Type:    job.Type,
		Payload: job.Payload,
	}
	if job.ConnectionID != "" {
		blob, err := d.blob(ctx, job.ConnectionID)
		if err != nil {
			return nil, err
		}
		payload.Connection = &blob
	}
	return payload, nil
}

// resolveConnections collects every connection referenced by the version's
// node assets and resolves the blobs, via the LRU cache.
func (d *Dispatcher) resolveConnections(ctx context.Context, version *core.PipelineVersion) (map[string]core.ConnectionBlob, error) {
	out := make(map[string]core.ConnectionBlob)
	for i := range version.Nodes {
		for _, id := range nodeConnectionIDs(&version.Nodes[i]) {
			if _, ok := out[id]; ok {
				continue
			}
			blob, err := d.blob(ctx, id)
			if err != nil {
				return nil, core.WrapError(core.ErrConfiguration, err,
					"node %s references unresolvable connection %s", version.Nodes[i].ID, id)
			}
			out[id] = blob
		}
	}
	return out, nil
}

func (d *Dispatcher) blob(ctx context.Context, id string) (core.ConnectionBlob, error) {
	if blob, ok := d.blobCache.Get(id); ok {
		return blob, nil
	}
	blob, err := d.stores.Connections.GetBlob(ctx, id)
	if err != nil {
		return core.ConnectionBlob{}, err
	}
	d.blobCache.Add(id, *blob)
	return *blob, nil
}

// nodeConnectionIDs pulls the connection ids out of the assets embedded in a
// node's config.
func nodeConnectionIDs(node *core.Node) []string {
	var ids []string
	for _, key := range []string{"source_asset", "destination_asset", "quarantine_asset"} {
		asset, ok := node.Config[key].(map[string]any)
		if !ok {
			continue
		}
		if id, ok := asset["connection_id"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Heartbeat records agent liveness, refreshes its job leases, and delivers
// any pending cancellation requests.
func (d *Dispatcher) Heartbeat(ctx context.Context, clientID string, hb *core.HeartbeatRequest) (*core.HeartbeatResponse, error) {
	if err := d.stores.Agents.RecordHeartbeat(ctx, clientID, hb); err != nil {
		return nil, err
	}
	if err := d.stores.Jobs.TouchLease(ctx, clientID, time.Now().UTC()); err != nil {
		return nil, err
	}

	d.mu.Lock()
	cancels := d.pendingCancels[clientID]
	delete(d.pendingCancels, clientID)
	d.mu.Unlock()
	return &core.HeartbeatResponse{CancelJobIDs: cancels}, nil
}

// Trigger enqueues one execution of a pipeline on behalf of an API caller
// and soft-assigns it to the least loaded online agent in the queue's group.
// The returned client ID is advisory; whichever eligible agent polls first
// still wins the lease.
func (d *Dispatcher) Trigger(ctx context.Context, pipelineID string) (*core.Job, string, error) {
	pipeline, err := d.stores.Pipelines.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, "", err
	}

	job := &core.Job{
		ID:            uuid.NewString(),
		PipelineID:    pipeline.ID,
		WorkspaceID:   pipeline.WorkspaceID,
		QueueName:     pipeline.QueueName,
		Trigger:       core.TriggerAPI,
		CorrelationID: uuid.NewString(),
	}
	if err := d.stores.Jobs.Enqueue(ctx, job); err != nil {
		return nil, "", err
	}
	if d.metrics != nil {
		d.metrics.JobsEnqueued.WithLabelValues(string(core.TriggerAPI)).Inc()
	}

	assigned := d.softAssign(ctx, job)
	logger.Info(ctx, "Job triggered", tag.Job(job.ID),
		tag.Pipeline(pipelineID), tag.Queue(job.QueueName),
		tag.Agent(assigned))
	return job, assigned, nil
}

// softAssign picks the online agent in the job's workspace and group with
// the fewest in-flight jobs. Best-effort: an empty result means no eligible
// agent was online, which does not block the enqueue.
func (d *Dispatcher) softAssign(ctx context.Context, job *core.Job) string {
	agents, err := d.stores.Agents.List(ctx, job.WorkspaceID)
	if err != nil {
		return ""
	}
	running, err := d.stores.Jobs.ListRunning(ctx, "")
	if err != nil {
		return ""
	}
	inFlight := make(map[string]int, len(agents))
	for _, r := range running {
		inFlight[r.WorkerID]++
	}

	var pick string
	best := -1
	for _, a := range agents {
		if a.Status != core.AgentOnline || !a.InGroup(job.QueueName) {
			continue
		}
		if best < 0 || inFlight[a.ClientID] < best {
			pick = a.ClientID
			best = inFlight[a.ClientID]
		}
	}
	if pick != "" {
		d.mu.Lock()
		d.softAssigns[job.ID] = pick
		d.mu.Unlock()
	}
	return pick
}

// CancelJob requests cancellation of a job. A queued job is cancelled in
// place; a running job's ID is queued for delivery on the lease holder's
// next heartbeat, and the agent cancels cooperatively.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID string) error {
	job, err := d.stores.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	if job.Status == core.JobRunning && job.WorkerID != "" {
		d.mu.Lock()
		d.pendingCancels[job.WorkerID] = append(d.pendingCancels[job.WorkerID], job.ID)
		d.mu.Unlock()
		logger.Info(ctx, "Cancellation queued for lease holder",
			tag.Job(job.ID), tag.Agent(job.WorkerID))
		return nil
	}

	d.mu.Lock()
	delete(d.softAssigns, job.ID)
	d.mu.Unlock()
	logger.Info(ctx, "Job cancelled before dispatch", tag.Job(job.ID))
	return d.stores.Jobs.UpdateStatus(ctx, job.ID, core.JobCancelled, &core.JobStatusReport{
		Status:    core.JobCancelled,
		Message:   "cancelled before dispatch",
		Timestamp: time.Now().UTC(),
	})
}

// ReportJobStatus applies an agent's terminal job callback, closing the run
// record accordingly.
func (d *Dispatcher) ReportJobStatus(ctx context.Context, jobID string, report *core.JobStatusReport) error {
	if err := d.stores.Jobs.UpdateStatus(ctx, jobID, report.Status, report); err != nil {
		return err
	}
	run, err := d.stores.Runs.GetRunByJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return err
	}

	switch report.Status {
	case core.JobSuccess:
		err = d.state.CompleteRun(ctx, run.ID)
	case core.JobFailed:
		err = d.state.FailRun(ctx, run.ID, "",
			core.NewError(core.ErrInternal, "%s", report.Message))
	case core.JobCancelled:
		err = d.state.CancelRun(ctx, run.ID)
	}
	if err != nil {
		return err
	}
	if d.ingress != nil {
		d.ingress.Forget(run.ID)
	}
	return nil
}

// ReportEphemeral applies the single terminal result of an ephemeral job.
func (d *Dispatcher) ReportEphemeral(ctx context.Context, id string, result *core.EphemeralResult) error {
	return d.stores.Ephemerals.Complete(ctx, id, result)
}

func (d *Dispatcher) countPoll(outcome string) {
	if d.metrics != nil {
		d.metrics.PollRequests.WithLabelValues(outcome).Inc()
	}
}
