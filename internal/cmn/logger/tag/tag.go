// Package tag provides standardized tag functions for structured logging.
//
// All tag keys use kebab-case naming convention for consistency.
// Use these functions instead of raw strings to ensure consistent
// and type-safe log output across the codebase.
package tag

import (
	"log/slog"
	"time"
)

func String(key, value string) slog.Attr {
	return slog.String(key, value)
}

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Job creates a tag for job IDs.
func Job(id string) slog.Attr {
	return slog.String("job-id", id)
}

// Run creates a tag for pipeline run IDs.
func Run(id string) slog.Attr {
	return slog.String("run-id", id)
}

// Pipeline creates a tag for pipeline IDs.
func Pipeline(id string) slog.Attr {
	return slog.String("pipeline-id", id)
}

// Node creates a tag for pipeline node IDs.
func Node(id string) slog.Attr {
	return slog.String("node-id", id)
}

// Layer creates a tag for execution layer indexes.
func Layer(n int) slog.Attr {
	return slog.Int("layer", n)
}

// Agent creates a tag for agent client IDs.
func Agent(id string) slog.Attr {
	return slog.String("agent-id", id)
}

// Workspace creates a tag for workspace IDs.
func Workspace(id string) slog.Attr {
	return slog.String("workspace-id", id)
}

// Queue creates a tag for queue (agent group) names.
func Queue(name string) slog.Attr {
	return slog.String("queue", name)
}

// Attempt creates a tag for attempt numbers.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Status creates a tag for lifecycle status values.
func Status(s string) slog.Attr {
	return slog.String("status", s)
}

// Records creates a tag for record counts.
func Records(n int64) slog.Attr {
	return slog.Int64("records", n)
}

// Bytes creates a tag for byte counts.
func Bytes(n int64) slog.Attr {
	return slog.Int64("bytes", n)
}

// Duration creates a tag for elapsed durations.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Interval creates a tag for scheduled wait intervals.
func Interval(d time.Duration) slog.Attr {
	return slog.Duration("interval", d)
}

// Path creates a tag for filesystem paths.
func Path(p string) slog.Attr {
	return slog.String("path", p)
}
