package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads configuration from an optional config file, the environment, and
// a local .env file, in that order of increasing precedence for env values.
func Load(opts ...LoadOption) (*Config, error) {
	loadOpts := &loadOptions{}
	for _, opt := range opts {
		opt(loadOpts)
	}

	// A missing .env file is not an error.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("SYNQX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindLegacyEnv(v)

	if loadOpts.configFile != "" {
		v.SetConfigFile(loadOpts.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", loadOpts.configFile, err)
		}
	}

	cfg := &Config{
		Core: Core{
			Debug:     v.GetBool("core.debug"),
			LogFormat: v.GetString("core.log_format"),
			TZ:        v.GetString("core.tz"),
		},
		Server: Server{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			DatabaseURL:     v.GetString("server.database_url"),
			LongPollTimeout: v.GetDuration("server.long_poll_timeout"),
			LeaseTimeout:    v.GetDuration("server.lease_timeout"),
		},
		Agent: Agent{
			APIURL:       v.GetString("agent.api_url"),
			ClientID:     v.GetString("agent.client_id"),
			APIKey:       v.GetString("agent.api_key"),
			Tags:         splitTags(v.GetString("agent.tags")),
			MaxWorkers:   v.GetInt("agent.max_workers"),
			SandboxDir:   v.GetString("agent.sandbox_dir"),
			PollTimeout:  v.GetDuration("agent.poll_timeout"),
			HeartbeatInt: v.GetDuration("agent.heartbeat_interval"),
			Version:      v.GetString("agent.version"),
		},
		Cache: Cache{
			MemoryLimitMB: v.GetInt64("cache.memory_limit_mb"),
			SpillDir:      v.GetString("cache.spill_dir"),
		},
		Scheduler: Scheduler{
			TickInterval: v.GetDuration("scheduler.tick_interval"),
		},
		Paths: Paths{
			DataDir:      v.GetString("paths.data_dir"),
			ForensicsDir: v.GetString("paths.forensics_dir"),
		},
	}

	loc, err := resolveLocation(cfg.Core.TZ)
	if err != nil {
		return nil, err
	}
	cfg.Core.Location = loc

	if cfg.Paths.ForensicsDir == "" {
		cfg.Paths.ForensicsDir = filepath.Join(cfg.Paths.DataDir, "forensics")
	}
	if cfg.Cache.SpillDir == "" {
		cfg.Cache.SpillDir = filepath.Join(cfg.Paths.DataDir, "spill")
	}

	return cfg, nil
}

type loadOptions struct {
	configFile string
}

// LoadOption customizes Load behavior.
type LoadOption func(*loadOptions)

// WithConfigFile points the loader at an explicit config file.
func WithConfigFile(path string) LoadOption {
	return func(o *loadOptions) {
		o.configFile = path
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("core.log_format", "text")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.long_poll_timeout", 30*time.Second)
	v.SetDefault("server.lease_timeout", 5*time.Minute)
	v.SetDefault("agent.poll_timeout", 10*time.Second)
	v.SetDefault("agent.heartbeat_interval", 30*time.Second)
	v.SetDefault("agent.sandbox_dir", "data/sandbox")
	v.SetDefault("cache.memory_limit_mb", 512)
	v.SetDefault("scheduler.tick_interval", time.Minute)
	v.SetDefault("paths.data_dir", "data")
}

// bindLegacyEnv keeps compatibility with the short, unprefixed variable names
// agents are deployed with.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("agent.api_url", "SYNQX_AGENT_API_URL", "API_URL")
	_ = v.BindEnv("agent.client_id", "SYNQX_AGENT_CLIENT_ID", "CLIENT_ID")
	_ = v.BindEnv("agent.api_key", "SYNQX_AGENT_API_KEY", "API_KEY")
	_ = v.BindEnv("agent.tags", "SYNQX_AGENT_TAGS", "TAGS")
	_ = v.BindEnv("agent.max_workers", "SYNQX_AGENT_MAX_WORKERS", "MAX_WORKERS")
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func resolveLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}
