package config

import (
	"runtime"
	"time"
)

// Config holds the overall configuration for the application.
type Config struct {
	Core      Core
	Server    Server
	Agent     Agent
	Cache     Cache
	Scheduler Scheduler
	Paths     Paths
}

// Core contains global configuration settings.
type Core struct {
	Debug     bool
	LogFormat string // "json" or "text"
	TZ        string
	Location  *time.Location
}

// Server holds dispatcher-side settings.
type Server struct {
	Host            string
	Port            int
	DatabaseURL     string // empty selects the in-memory stores
	LongPollTimeout time.Duration
	LeaseTimeout    time.Duration
}

// Agent holds worker-side settings, driven by the environment.
type Agent struct {
	APIURL       string
	ClientID     string
	APIKey       string
	Tags         []string
	MaxWorkers   int
	SandboxDir   string
	PollTimeout  time.Duration
	HeartbeatInt time.Duration
	Version      string
}

// Cache holds the data cache budget and spill location.
type Cache struct {
	MemoryLimitMB int64
	SpillDir      string
}

// Scheduler holds the cron evaluation settings.
type Scheduler struct {
	TickInterval time.Duration
}

// Paths holds filesystem locations for run artifacts.
type Paths struct {
	DataDir      string
	ForensicsDir string
}

// EffectiveMaxWorkers resolves the worker pool size; 0 means auto (2 x CPU).
func (a Agent) EffectiveMaxWorkers() int {
	if a.MaxWorkers > 0 {
		return a.MaxWorkers
	}
	return 2 * runtime.NumCPU()
}
