package coordinator

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger/tag"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/metrics"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/service/telemetry"
)

// pollRetryInterval is how often a held long-poll rechecks the queue.
const pollRetryInterval = time.Second

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	// LongPollTimeout is how long a poll request is held open waiting for
	// work before answering 204.
	LongPollTimeout time.Duration
}

// Server is the dispatcher's HTTP surface for agents and dashboards.
type Server struct {
	dispatcher *Dispatcher
	ingress    *telemetry.Ingress
	hub        *telemetry.Hub
	metrics    *metrics.Metrics
	cfg        ServerConfig
	router     chi.Router
}

// NewServer wires the routes.
func NewServer(d *Dispatcher, ingress *telemetry.Ingress, hub *telemetry.Hub, m *metrics.Metrics, cfg ServerConfig) *Server {
	if cfg.LongPollTimeout <= 0 {
		cfg.LongPollTimeout = 25 * time.Second
	}
	s := &Server{
		dispatcher: d,
		ingress:    ingress,
		hub:        hub,
		metrics:    m,
		cfg:        cfg,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httplog.RequestLogger(httplog.NewLogger("synqx", httplog.Options{
		LogLevel: slog.LevelInfo,
		Concise:  true,
	})))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Get("/agents/config", s.handleAgentConfig)
			r.Post("/agents/heartbeat", s.handleHeartbeat)
			r.Post("/agents/poll", s.handlePoll)
			r.Post("/agents/jobs/{jobID}/status", s.handleJobStatus)
			r.Post("/agents/jobs/{jobID}/steps", s.handleSteps)
			r.Post("/agents/jobs/{jobID}/logs", s.handleLogs)
			r.Post("/agents/jobs/ephemeral/{jobID}/status", s.handleEphemeralStatus)
			r.Get("/agents/watermarks", s.handleWatermarkGet)
			r.Post("/agents/watermarks", s.handleWatermarkAdvance)
		})
		r.Post("/pipelines/{pipelineID}/trigger", s.handleTrigger)
		r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)
		r.Get("/ws/jobs", s.handleWSJobsList)
		r.Get("/ws/jobs/{jobID}", s.handleWSJob)
	})
	return r
}

type agentCtxKey struct{}

// authenticate resolves the credential headers into an agent identity.
// Unknown clients get 401, a bad key gets 403.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := r.Header.Get(core.HeaderClientID)
		apiKey := r.Header.Get(core.HeaderAPIKey)
		if clientID == "" || apiKey == "" {
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}
		agent, err := s.dispatcher.stores.Agents.GetByClientID(r.Context(), clientID)
		if err != nil {
			http.Error(w, "unknown client", http.StatusUnauthorized)
			return
		}
		if !keyMatches(agent.APIKeyHash, apiKey) {
			http.Error(w, "invalid api key", http.StatusForbidden)
			return
		}
		ctx := context.WithValue(r.Context(), agentCtxKey{}, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func keyMatches(storedHash, presented string) bool {
	sum := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(
		[]byte(storedHash), []byte(hex.EncodeToString(sum[:]))) == 1
}

// HashAPIKey returns the stored form of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func agentFrom(r *http.Request) *core.Agent {
	agent, _ := r.Context().Value(agentCtxKey{}).(*core.Agent)
	return agent
}

func (s *Server) handleAgentConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, agentFrom(r))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb core.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	agent := agentFrom(r)
	resp, err := s.dispatcher.Heartbeat(r.Context(), agent.ClientID, &hb)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type pollRequest struct {
	Queues []string `json:"queues,omitempty"`
}

// handlePoll holds the request open until work appears or the long-poll
// window closes with 204.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	agent := agentFrom(r)
	queues := req.Queues
	if len(queues) == 0 {
		queues = agent.Groups
	}

	ctx := r.Context()
	deadline := time.NewTimer(s.cfg.LongPollTimeout)
	defer deadline.Stop()
	retry := time.NewTicker(pollRetryInterval)
	defer retry.Stop()

	for {
		resp, err := s.dispatcher.Poll(ctx, agent, queues)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, resp)
			return
		case !errors.Is(err, core.ErrNoJob):
			logger.Error(ctx, "Poll failed", tag.Agent(agent.ClientID), tag.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			w.WriteHeader(http.StatusNoContent)
			return
		case <-retry.C:
		}
	}
}

// authorizeJob checks that the job in the URL is leased by the calling
// agent; a mismatch is a 403. Returns the job id and whether to proceed.
func (s *Server) authorizeJob(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.dispatcher.stores.Jobs.Get(r.Context(), jobID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return "", false
	}
	if agent := agentFrom(r); job.WorkerID != agent.ClientID {
		http.Error(w, "job is not leased by this agent", http.StatusForbidden)
		return "", false
	}
	return jobID, true
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorizeJob(w, r)
	if !ok {
		return
	}
	var report core.JobStatusReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.dispatcher.ReportJobStatus(r.Context(), jobID, &report); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleEphemeralStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	eph, err := s.dispatcher.stores.Ephemerals.Get(r.Context(), jobID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	if agent := agentFrom(r); eph.WorkerID != agent.ClientID {
		http.Error(w, "job is not leased by this agent", http.StatusForbidden)
		return
	}
	var result core.EphemeralResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.dispatcher.ReportEphemeral(r.Context(), jobID, &result); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorizeJob(w, r); !ok {
		return
	}
	var updates []core.StepUpdate
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.ingress.Submit(r.Context(), updates); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorizeJob(w, r); !ok {
		return
	}
	var records []core.LogRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	agent := agentFrom(r)
	for _, rec := range records {
		logger.Info(r.Context(), "Agent log",
			tag.Agent(agent.ClientID), tag.Node(rec.NodeID),
			tag.String("agent-level", rec.Level), tag.String("agent-message", rec.Message))
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"count": len(records)})
}

// handleWatermarkGet answers the agent's incremental-cursor lookup. 204 means
// no watermark is recorded for the key yet.
func (s *Server) handleWatermarkGet(w http.ResponseWriter, r *http.Request) {
	pipelineID := r.URL.Query().Get("pipeline_id")
	assetID := r.URL.Query().Get("asset_id")
	if pipelineID == "" || assetID == "" {
		http.Error(w, "pipeline_id and asset_id are required", http.StatusBadRequest)
		return
	}
	mark, err := s.dispatcher.stores.Watermarks.Get(r.Context(), pipelineID, assetID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if mark == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, mark)
}

type watermarkAdvanceRequest struct {
	PipelineID string `json:"pipeline_id"`
	AssetID    string `json:"asset_id"`
	Column     string `json:"column"`
	Value      any    `json:"value"`
}

type watermarkAdvanceResponse struct {
	Advanced bool `json:"advanced"`
}

func (s *Server) handleWatermarkAdvance(w http.ResponseWriter, r *http.Request) {
	var req watermarkAdvanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	advanced, err := s.dispatcher.stores.Watermarks.Advance(r.Context(),
		req.PipelineID, req.AssetID, req.Column, req.Value)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, watermarkAdvanceResponse{Advanced: advanced})
}

type triggerResponse struct {
	JobID         string `json:"job_id"`
	SoftAssigned  string `json:"soft_assigned_agent,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// handleTrigger enqueues one execution of a pipeline.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	job, assigned, err := s.dispatcher.Trigger(r.Context(), chi.URLParam(r, "pipelineID"))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, triggerResponse{
		JobID:         job.ID,
		SoftAssigned:  assigned,
		CorrelationID: job.CorrelationID,
	})
}

// handleCancelJob requests cancellation. 202 means the request was recorded;
// for a running job the lease holder cancels on its next heartbeat.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.CancelJob(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleWSJobsList(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, telemetry.TopicJobsList)
}

func (s *Server) handleWSJob(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, telemetry.TopicJob(chi.URLParam(r, "jobID")))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
