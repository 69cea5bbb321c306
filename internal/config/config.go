// Package config loads and validates the agent configuration from a YAML
// file with environment overrides. All tunables carry defaults so a
// minimal config only names the tenant and server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the agent configuration.
type Config struct {
	// Identity
	TenantID string `yaml:"tenant_id"`
	DeviceID string `yaml:"device_id"` // derived from hostname when empty

	// Control plane
	ServerURL                string `yaml:"server_url"` // ws:// or wss://
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`

	// Behaviour
	DryRun bool `yaml:"dry_run"` // log instead of executing playbook steps

	// Intake tuning
	FlapTransitions             int `yaml:"flap_transitions"`
	FlapWindowSeconds           int `yaml:"flap_window_seconds"`
	FlapQuietSeconds            int `yaml:"flap_quiet_seconds"`
	SustainedBreachCycles       int `yaml:"sustained_breach_cycles"`
	StateTTLSeconds             int `yaml:"state_ttl_seconds"`
	PersistenceEscalateSeconds  int `yaml:"persistence_escalate_seconds"`
	BaselineMinBuckets          int `yaml:"baseline_min_buckets"`
	BaselineMinSamplesPerBucket int `yaml:"baseline_min_samples_per_bucket"`
	BaselineMarginPercent       int `yaml:"baseline_margin_percent"`

	// Escalation
	EscalationCooldownSeconds int `yaml:"escalation_cooldown_seconds"`
	BatchWindowSeconds        int `yaml:"batch_window_seconds"`
	DiagnosticTimeoutSeconds  int `yaml:"diagnostic_timeout_seconds"`

	// Playbook execution
	QueueCapacity        int `yaml:"queue_capacity"`
	StepTimeoutSeconds   int `yaml:"step_timeout_seconds"`
	PromptTimeoutSeconds int `yaml:"prompt_timeout_seconds"`

	// Collectors
	CollectIntervalSeconds   int `yaml:"collect_interval_seconds"`
	TelemetryIntervalSeconds int `yaml:"telemetry_interval_seconds"`

	// Offline spool
	SpoolMaxAgeHours int `yaml:"spool_max_age_hours"`

	// Paths
	DataDir     string `yaml:"data_dir"`
	RunbooksDir string `yaml:"runbooks_dir"` // defaults under DataDir

	// Local operator API
	IPCListen string `yaml:"ipc_listen"`
	IPCToken  string `yaml:"ipc_token"` // generated and written next to state when empty

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
}

// DefaultConfig returns a config with sane defaults.
func DefaultConfig() Config {
	return Config{
		ServerURL:                   "wss://api.opsis.example.net/agent",
		HeartbeatIntervalSeconds:    30,
		FlapTransitions:             5,
		FlapWindowSeconds:           600,
		FlapQuietSeconds:            1200,
		SustainedBreachCycles:       3,
		StateTTLSeconds:             3600,
		PersistenceEscalateSeconds:  1800,
		BaselineMinBuckets:          24,
		BaselineMinSamplesPerBucket: 4,
		BaselineMarginPercent:       10,
		EscalationCooldownSeconds:   300,
		BatchWindowSeconds:          10,
		DiagnosticTimeoutSeconds:    15,
		QueueCapacity:               50,
		StepTimeoutSeconds:          60,
		PromptTimeoutSeconds:        300,
		CollectIntervalSeconds:      60,
		TelemetryIntervalSeconds:    300,
		SpoolMaxAgeHours:            72,
		DataDir:                     "/var/lib/opsis",
		IPCListen:                   "127.0.0.1:7332",
		LogLevel:                    "info",
	}
}

// Load reads configuration from a YAML file, applies env overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPSIS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("OPSIS_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("OPSIS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("OPSIS_DRY_RUN"); v != "" {
		cfg.DryRun = !isFalsy(v)
	}
}

// Validate checks required fields and clamps tunables into safe ranges.
func (c *Config) Validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.DeviceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			return fmt.Errorf("device_id is empty and hostname unavailable")
		}
		c.DeviceID = strings.ToLower(host)
	}

	clampInt(&c.HeartbeatIntervalSeconds, 5, 600, 30)
	clampInt(&c.FlapTransitions, 2, 100, 5)
	clampInt(&c.FlapWindowSeconds, 60, 7200, 600)
	clampInt(&c.FlapQuietSeconds, 60, 86400, 1200)
	clampInt(&c.SustainedBreachCycles, 1, 20, 3)
	clampInt(&c.StateTTLSeconds, 60, 86400, 3600)
	clampInt(&c.PersistenceEscalateSeconds, 60, 86400, 1800)
	clampInt(&c.BaselineMinBuckets, 1, 24, 24)
	clampInt(&c.BaselineMinSamplesPerBucket, 1, 100, 4)
	clampInt(&c.BaselineMarginPercent, 0, 100, 10)
	clampInt(&c.EscalationCooldownSeconds, 10, 3600, 300)
	clampInt(&c.BatchWindowSeconds, 1, 60, 10)
	clampInt(&c.DiagnosticTimeoutSeconds, 1, 120, 15)
	clampInt(&c.QueueCapacity, 1, 500, 50)
	clampInt(&c.StepTimeoutSeconds, 5, 900, 60)
	clampInt(&c.PromptTimeoutSeconds, 10, 3600, 300)
	clampInt(&c.CollectIntervalSeconds, 5, 3600, 60)
	clampInt(&c.TelemetryIntervalSeconds, 30, 86400, 300)
	clampInt(&c.SpoolMaxAgeHours, 1, 720, 72)

	if c.RunbooksDir == "" {
		c.RunbooksDir = filepath.Join(c.DataDir, "runbooks")
	}
	if c.IPCListen == "" {
		c.IPCListen = "127.0.0.1:7332"
	}
	return nil
}

// Path helpers for the state files under DataDir.

func (c *Config) MemoryPath() string            { return filepath.Join(c.DataDir, "remediation-memory.json") }
func (c *Config) PendingActionsPath() string    { return filepath.Join(c.DataDir, "pending-actions.json") }
func (c *Config) TicketsPath() string           { return filepath.Join(c.DataDir, "tickets.json") }
func (c *Config) IgnoreListPath() string        { return filepath.Join(c.DataDir, "ignore-list.json") }
func (c *Config) ExclusionsPath() string        { return filepath.Join(c.DataDir, "exclusions.json") }
func (c *Config) ServerRunbooksPath() string    { return filepath.Join(c.DataDir, "server-runbooks.json") }
func (c *Config) BaselinePath() string          { return filepath.Join(c.DataDir, "baseline.json") }
func (c *Config) ResourceStatePath() string     { return filepath.Join(c.DataDir, "resource-state.json") }
func (c *Config) MaintenanceWindowsPath() string { return filepath.Join(c.DataDir, "maintenance-windows.json") }
func (c *Config) SpoolDBPath() string           { return filepath.Join(c.DataDir, "spool.db") }
func (c *Config) CredentialsPath() string       { return filepath.Join(c.DataDir, "credentials.json") }
func (c *Config) IPCTokenPath() string          { return filepath.Join(c.DataDir, "ipc-token") }

func clampInt(v *int, min, max, def int) {
	if *v == 0 {
		*v = def
		return
	}
	if *v < min {
		*v = min
	}
	if *v > max {
		*v = max
	}
}

func isFalsy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "false" || v == "0" || v == "no"
}
