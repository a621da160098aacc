// Package config loads and persists Chronicle's TOML configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file inside the config directory.
const FileName = "config.toml"

// EnvConfigDir overrides the default config directory (~/.chronicle).
const EnvConfigDir = "CHRONICLE_CONFIG_DIR"

// Config is the user-facing configuration in TOML format.
type Config struct {
	// WatchRoots are directories scanned for conversation .jsonl logs.
	// Defaults to ~/.claude/projects when empty.
	WatchRoots []string `toml:"watch_roots"`

	Index     IndexSettings     `toml:"index"`
	Heartbeat HeartbeatSettings `toml:"heartbeat"`
	Process   ProcessSettings   `toml:"process"`
	Web       WebSettings       `toml:"web"`
	Log       LogSettings       `toml:"log"`
}

// IndexSettings controls the incremental indexer.
type IndexSettings struct {
	// DebounceMillis is the stability window for coalescing file events.
	DebounceMillis int `toml:"debounce_millis"`

	// SweepMinutes is the interval of the periodic full sweep.
	// The sweep backstops missed watch events; it is always enabled.
	SweepMinutes int `toml:"sweep_minutes"`

	// SweepParallelism caps concurrent per-file index calls during a sweep.
	SweepParallelism int `toml:"sweep_parallelism"`
}

// HeartbeatSettings controls the periodic analysis scheduler.
type HeartbeatSettings struct {
	// Enabled turns scheduled runs on. A forced run ignores this.
	Enabled bool `toml:"enabled"`

	// IntervalMinutes is the period between scheduled runs.
	IntervalMinutes int `toml:"interval_minutes"`

	// MaxPerRun caps items spawned in a single run; extras are deferred.
	MaxPerRun int `toml:"max_per_run"`

	// SourceURL is the external work-item source endpoint.
	SourceURL string `toml:"source_url"`

	// FetchRatePerMinute rate-limits work-item fetches.
	FetchRatePerMinute int `toml:"fetch_rate_per_minute"`

	// BreakerThreshold is consecutive fetch failures before the circuit
	// breaker opens; BreakerCooldownMinutes is how long it stays open.
	BreakerThreshold       int `toml:"breaker_threshold"`
	BreakerCooldownMinutes int `toml:"breaker_cooldown_minutes"`

	// Command and BaseArgs form the analysis tool invocation. The generated
	// prompt is appended as the final argument.
	Command  string   `toml:"command"`
	BaseArgs []string `toml:"base_args"`
}

// ProcessSettings controls the managed-process registry.
type ProcessSettings struct {
	// GlobalLimit is the ceiling on simultaneously alive analysis
	// processes across all scheduler runs.
	GlobalLimit int `toml:"global_limit"`

	// TimeoutMinutes is the hard wall-clock ceiling per process.
	TimeoutMinutes int `toml:"timeout_minutes"`

	// ReadySeconds is the grace window for the child's readiness handshake.
	ReadySeconds int `toml:"ready_seconds"`

	// KillGraceSeconds is the window between SIGTERM and SIGKILL.
	KillGraceSeconds int `toml:"kill_grace_seconds"`
}

// WebSettings controls the HTTP/WebSocket API server.
type WebSettings struct {
	ListenAddr string `toml:"listen_addr"`

	// Token enables bearer-token auth when non-empty.
	Token string `toml:"token"`
}

// LogSettings mirrors logging.Config in TOML form.
type LogSettings struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Index: IndexSettings{
			DebounceMillis:   1500,
			SweepMinutes:     10,
			SweepParallelism: 4,
		},
		Heartbeat: HeartbeatSettings{
			Enabled:                false,
			IntervalMinutes:        30,
			MaxPerRun:              3,
			FetchRatePerMinute:     6,
			BreakerThreshold:       3,
			BreakerCooldownMinutes: 15,
			Command:                "claude",
			BaseArgs:               []string{"-p"},
		},
		Process: ProcessSettings{
			GlobalLimit:      4,
			TimeoutMinutes:   10,
			ReadySeconds:     10,
			KillGraceSeconds: 5,
		},
		Web: WebSettings{
			ListenAddr: "127.0.0.1:8430",
		},
		Log: LogSettings{
			Level:  "info",
			Format: "json",
		},
	}
}

// Dir returns the config directory, honoring EnvConfigDir.
func Dir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chronicle"
	}
	return filepath.Join(home, ".chronicle")
}

// Path returns the full path of the config file.
func Path() string {
	return filepath.Join(Dir(), FileName)
}

// Load reads the config file at path, applying defaults for missing fields.
// A missing file is not an error: defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// Save writes the config as TOML, creating the parent directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// normalize clamps nonsensical values back to defaults.
func (c *Config) normalize() {
	def := Default()
	if c.Index.DebounceMillis <= 0 {
		c.Index.DebounceMillis = def.Index.DebounceMillis
	}
	if c.Index.SweepMinutes <= 0 {
		c.Index.SweepMinutes = def.Index.SweepMinutes
	}
	if c.Index.SweepParallelism <= 0 {
		c.Index.SweepParallelism = def.Index.SweepParallelism
	}
	if c.Heartbeat.IntervalMinutes <= 0 {
		c.Heartbeat.IntervalMinutes = def.Heartbeat.IntervalMinutes
	}
	if c.Heartbeat.MaxPerRun <= 0 {
		c.Heartbeat.MaxPerRun = def.Heartbeat.MaxPerRun
	}
	if c.Heartbeat.BreakerThreshold <= 0 {
		c.Heartbeat.BreakerThreshold = def.Heartbeat.BreakerThreshold
	}
	if c.Heartbeat.BreakerCooldownMinutes <= 0 {
		c.Heartbeat.BreakerCooldownMinutes = def.Heartbeat.BreakerCooldownMinutes
	}
	if c.Process.GlobalLimit <= 0 {
		c.Process.GlobalLimit = def.Process.GlobalLimit
	}
	if c.Process.TimeoutMinutes <= 0 {
		c.Process.TimeoutMinutes = def.Process.TimeoutMinutes
	}
	if c.Process.ReadySeconds <= 0 {
		c.Process.ReadySeconds = def.Process.ReadySeconds
	}
	if c.Process.KillGraceSeconds <= 0 {
		c.Process.KillGraceSeconds = def.Process.KillGraceSeconds
	}
	if c.Web.ListenAddr == "" {
		c.Web.ListenAddr = def.Web.ListenAddr
	}
}

// Duration accessors so callers never multiply units themselves.

func (s IndexSettings) Debounce() time.Duration {
	return time.Duration(s.DebounceMillis) * time.Millisecond
}

func (s IndexSettings) SweepInterval() time.Duration {
	return time.Duration(s.SweepMinutes) * time.Minute
}

func (s HeartbeatSettings) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

func (s HeartbeatSettings) BreakerCooldown() time.Duration {
	return time.Duration(s.BreakerCooldownMinutes) * time.Minute
}

func (s ProcessSettings) Timeout() time.Duration {
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

func (s ProcessSettings) ReadyGrace() time.Duration {
	return time.Duration(s.ReadySeconds) * time.Second
}

func (s ProcessSettings) KillGrace() time.Duration {
	return time.Duration(s.KillGraceSeconds) * time.Second
}

// DefaultWatchRoots resolves the watch roots, falling back to the Claude
// Code projects directory when none are configured.
func (c *Config) DefaultWatchRoots() []string {
	if len(c.WatchRoots) > 0 {
		return c.WatchRoots
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(home, ".claude", "projects")}
}
