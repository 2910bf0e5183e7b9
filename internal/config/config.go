package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General   GeneralConfig   `toml:"general"`
	Lease     LeaseConfig     `toml:"lease"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Review    ReviewConfig    `toml:"review"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Worker    WorkerConfig    `toml:"worker"`
	Notify    NotifyConfig    `toml:"notifications"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	PlanDir      string `toml:"plan_dir"`
}

// LeaseConfig holds lease and sweeper timing.
// These are observed operational defaults, not semantic guarantees;
// deployments tune them per workload.
type LeaseConfig struct {
	Duration          time.Duration `toml:"duration"`
	RenewInterval     time.Duration `toml:"renew_interval"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	MaxStale          time.Duration `toml:"max_stale"`
	SweepCron         string        `toml:"sweep_cron"`
}

// SchedulerConfig holds scheduling knobs
type SchedulerConfig struct {
	PreemptBelow int `toml:"preempt_below"` // priorities below this value bypass lane rotation
}

// ReviewConfig holds the escalation threshold
type ReviewConfig struct {
	EscalateAfter int `toml:"escalate_after"` // rejections before a task escalates to a decision
}

// GatewayConfig holds the worker gateway listener settings
type GatewayConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// WorkerConfig holds worker process settings
type WorkerConfig struct {
	GatewayURL  string        `toml:"gateway_url"`
	WorkerType  string        `toml:"worker_type"`
	Lanes       []string      `toml:"lanes"` // lanes this worker type may pull from; empty = all
	MaxTasks    int           `toml:"max_tasks"`
	Command     string        `toml:"command"` // subprocess launched per task
	PollBase    time.Duration `toml:"poll_base"`
	PollCap     time.Duration `toml:"poll_cap"`
	PollRetries int           `toml:"poll_retries"`
}

// NotifyConfig holds notification settings
type NotifyConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".braid", "braid.db"),
			PlanDir:      filepath.Join(home, ".braid", "plans"),
		},
		Lease: LeaseConfig{
			Duration:          5 * time.Minute,
			RenewInterval:     2 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
			MaxStale:          600 * time.Second,
			SweepCron:         "*/5 * * * *",
		},
		Scheduler: SchedulerConfig{
			PreemptBelow: 10,
		},
		Review: ReviewConfig{
			EscalateAfter: 3,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 9173,
		},
		Worker: WorkerConfig{
			GatewayURL:  "ws://127.0.0.1:9173/ws",
			WorkerType:  "generalist",
			MaxTasks:    1,
			PollBase:    1 * time.Second,
			PollCap:     10 * time.Second,
			PollRetries: 0, // poll forever
		},
		Notify: NotifyConfig{
			Desktop: true,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.PlanDir = ExpandPath(cfg.General.PlanDir)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "braid", "config.toml")
}
