package worker

import (
	"context"
	"log/slog"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// shippingHandler is a slog handler that mirrors a run's log lines into the
// telemetry buffer, so the dispatcher gets the agent-side execution log.
type shippingHandler struct {
	telemetry *Telemetry
	jobID     string
	runID     string
	attrs     []slog.Attr
}

var _ slog.Handler = (*shippingHandler)(nil)

func newShippingHandler(t *Telemetry, jobID, runID string) *shippingHandler {
	return &shippingHandler{telemetry: t, jobID: jobID, runID: runID}
}

func (h *shippingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (h *shippingHandler) Handle(_ context.Context, record slog.Record) error {
	rec := core.LogRecord{
		Level:     record.Level.String(),
		Message:   record.Message,
		Timestamp: record.Time.UTC(),
		RunID:     h.runID,
	}
	pick := func(a slog.Attr) {
		if a.Key == "node-id" {
			rec.NodeID = a.Value.String()
		}
	}
	for _, a := range h.attrs {
		pick(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		pick(a)
		return true
	})
	h.telemetry.PublishLog(h.jobID, rec)
	return nil
}

func (h *shippingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *shippingHandler) WithGroup(string) slog.Handler { return h }
