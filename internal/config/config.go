// Package config loads, validates, and atomically persists the engine's
// JSON configuration file, and watches it for external edits.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// OverflowStrategy names the queue's eviction policy on overflow.
type OverflowStrategy string

const (
	OverflowDropLowestPriority OverflowStrategy = "drop_lowest_priority"
	OverflowDropOldest         OverflowStrategy = "drop_oldest"
	OverflowDropNew            OverflowStrategy = "drop_new"
)

// QuietHours configures the interval during which no probes are sent.
type QuietHours struct {
	Enabled   bool   `json:"enabled"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// CongestionDetection configures throttling under degraded conditions.
type CongestionDetection struct {
	Enabled              bool    `json:"enabled"`
	SuccessRateThreshold float64 `json:"success_rate_threshold"`
	ThrottleMultiplier   float64 `json:"throttle_multiplier"`
}

// EmergencyStop configures the auto-recovering kill switch.
type EmergencyStop struct {
	Enabled             bool    `json:"enabled"`
	FailureThreshold    float64 `json:"failure_threshold"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	AutoRecoveryMinutes float64 `json:"auto_recovery_minutes"`
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// Config is the root persisted engine configuration.
type Config struct {
	Enabled                 bool                `json:"enabled"`
	TraceroutesPerMinute    float64             `json:"traceroutes_per_minute"`
	BurstMultiplier         float64             `json:"burst_multiplier"`
	QueueMaxSize            int                 `json:"queue_max_size"`
	QueueOverflowStrategy   OverflowStrategy    `json:"queue_overflow_strategy"`
	ClearQueueOnStartup     bool                `json:"clear_queue_on_startup"`
	RecheckIntervalHours    float64             `json:"recheck_interval_hours"`
	RecheckEnabled          bool                `json:"recheck_enabled"`
	MaxHops                 int                 `json:"max_hops"`
	TimeoutSeconds          float64             `json:"timeout_seconds"`
	MaxRetries              int                 `json:"max_retries"`
	RetryBackoffMultiplier  float64             `json:"retry_backoff_multiplier"`
	InitialDiscoveryEnabled bool                `json:"initial_discovery_enabled"`
	StartupDelaySeconds     float64             `json:"startup_delay_seconds"`
	SkipDirectNodes         bool                `json:"skip_direct_nodes"`
	Blacklist               []string            `json:"blacklist"`
	Whitelist               []string            `json:"whitelist"`
	ExcludeRoles            []string            `json:"exclude_roles"`
	MinSNRThreshold         *float64            `json:"min_snr_threshold"`
	StatePersistenceEnabled bool                `json:"state_persistence_enabled"`
	StateFilePath           string              `json:"state_file_path"`
	AutoSaveIntervalMinutes float64             `json:"auto_save_interval_minutes"`
	HistoryPerNode          int                 `json:"history_per_node"`
	QuietHoursConfig        QuietHours          `json:"quiet_hours"`
	Congestion              CongestionDetection `json:"congestion_detection"`
	EmergencyStopConfig     EmergencyStop       `json:"emergency_stop"`
	Logging                 LoggingConfig       `json:"logging"`
}

// Default returns the configuration with every default value named in
// the configuration surface's default column.
func Default() Config {
	return Config{
		Enabled:                 false,
		TraceroutesPerMinute:    1,
		BurstMultiplier:         2,
		QueueMaxSize:            500,
		QueueOverflowStrategy:   OverflowDropLowestPriority,
		ClearQueueOnStartup:     false,
		RecheckIntervalHours:    6,
		RecheckEnabled:          true,
		MaxHops:                 7,
		TimeoutSeconds:          60,
		MaxRetries:              3,
		RetryBackoffMultiplier:  2.0,
		InitialDiscoveryEnabled: false,
		StartupDelaySeconds:     60,
		SkipDirectNodes:         true,
		Blacklist:               nil,
		Whitelist:               nil,
		ExcludeRoles:            []string{"CLIENT"},
		MinSNRThreshold:         nil,
		StatePersistenceEnabled: true,
		StateFilePath:           "tracemapper_state.json",
		AutoSaveIntervalMinutes: 5,
		HistoryPerNode:          10,
		QuietHoursConfig:        QuietHours{},
		Congestion:              CongestionDetection{SuccessRateThreshold: 0.5, ThrottleMultiplier: 0.5},
		EmergencyStopConfig:     EmergencyStop{FailureThreshold: 0.3, ConsecutiveFailures: 5, AutoRecoveryMinutes: 15},
		Logging:                 LoggingConfig{Level: "info"},
	}
}

// Load reads and parses the configuration file. A missing file yields
// Default() with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by application runtime configuration.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

// FillMissingDefaults backfills zero-valued fields that would otherwise be
// indistinguishable from an explicit zero, normalizing a config freshly
// decoded from a partial JSON document.
func (c *Config) FillMissingDefaults() {
	d := Default()
	if c.TraceroutesPerMinute == 0 && c.BurstMultiplier == 0 && c.QueueMaxSize == 0 {
		// Heuristic: an entirely-zero numeric block signals an omitted
		// section rather than an intentional all-zero configuration.
		c.TraceroutesPerMinute = d.TraceroutesPerMinute
		c.BurstMultiplier = d.BurstMultiplier
		c.QueueMaxSize = d.QueueMaxSize
	}
	if c.QueueOverflowStrategy == "" {
		c.QueueOverflowStrategy = d.QueueOverflowStrategy
	}
	if c.MaxHops == 0 {
		c.MaxHops = d.MaxHops
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = d.TimeoutSeconds
	}
	if c.RetryBackoffMultiplier == 0 {
		c.RetryBackoffMultiplier = d.RetryBackoffMultiplier
	}
	if c.StartupDelaySeconds == 0 {
		c.StartupDelaySeconds = d.StartupDelaySeconds
	}
	if len(c.ExcludeRoles) == 0 {
		c.ExcludeRoles = d.ExcludeRoles
	}
	if c.StateFilePath == "" {
		c.StateFilePath = d.StateFilePath
	}
	if c.AutoSaveIntervalMinutes == 0 {
		c.AutoSaveIntervalMinutes = d.AutoSaveIntervalMinutes
	}
	if c.HistoryPerNode == 0 {
		c.HistoryPerNode = d.HistoryPerNode
	}
	if c.Congestion.SuccessRateThreshold == 0 {
		c.Congestion.SuccessRateThreshold = d.Congestion.SuccessRateThreshold
	}
	if c.Congestion.ThrottleMultiplier == 0 {
		c.Congestion.ThrottleMultiplier = d.Congestion.ThrottleMultiplier
	}
	if c.EmergencyStopConfig.FailureThreshold == 0 {
		c.EmergencyStopConfig.FailureThreshold = d.EmergencyStopConfig.FailureThreshold
	}
	if c.EmergencyStopConfig.ConsecutiveFailures == 0 {
		c.EmergencyStopConfig.ConsecutiveFailures = d.EmergencyStopConfig.ConsecutiveFailures
	}
	if c.EmergencyStopConfig.AutoRecoveryMinutes == 0 {
		c.EmergencyStopConfig.AutoRecoveryMinutes = d.EmergencyStopConfig.AutoRecoveryMinutes
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// Validate enforces every range check in the configuration
// surface table.
func (c Config) Validate() error {
	if c.TraceroutesPerMinute < 0 || c.TraceroutesPerMinute > 60 {
		return errors.New("traceroutes_per_minute must be within 0..60")
	}
	if c.BurstMultiplier < 1 || c.BurstMultiplier > 10 {
		return errors.New("burst_multiplier must be within 1..10")
	}
	if c.QueueMaxSize < 10 || c.QueueMaxSize > 10000 {
		return errors.New("queue_max_size must be within 10..10000")
	}
	switch c.QueueOverflowStrategy {
	case OverflowDropLowestPriority, OverflowDropOldest, OverflowDropNew:
	default:
		return fmt.Errorf("unknown queue_overflow_strategy: %s", c.QueueOverflowStrategy)
	}
	if c.RecheckIntervalHours < 0 || c.RecheckIntervalHours > 168 {
		return errors.New("recheck_interval_hours must be within 0..168")
	}
	if c.MaxHops < 1 || c.MaxHops > 15 {
		return errors.New("max_hops must be within 1..15")
	}
	if c.TimeoutSeconds < 10 || c.TimeoutSeconds > 300 {
		return errors.New("timeout_seconds must be within 10..300")
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return errors.New("max_retries must be within 0..10")
	}
	if c.RetryBackoffMultiplier < 1 || c.RetryBackoffMultiplier > 10 {
		return errors.New("retry_backoff_multiplier must be within 1..10")
	}
	if c.StartupDelaySeconds < 0 || c.StartupDelaySeconds > 600 {
		return errors.New("startup_delay_seconds must be within 0..600")
	}
	if c.MinSNRThreshold != nil && (*c.MinSNRThreshold < -30 || *c.MinSNRThreshold > 20) {
		return errors.New("min_snr_threshold must be within -30..20")
	}
	if c.AutoSaveIntervalMinutes < 1 || c.AutoSaveIntervalMinutes > 60 {
		return errors.New("auto_save_interval_minutes must be within 1..60")
	}
	if c.HistoryPerNode < 1 || c.HistoryPerNode > 100 {
		return errors.New("history_per_node must be within 1..100")
	}
	if c.Congestion.SuccessRateThreshold < 0 || c.Congestion.SuccessRateThreshold > 1 {
		return errors.New("congestion_detection.success_rate_threshold must be within 0..1")
	}
	if c.Congestion.ThrottleMultiplier < 0.1 || c.Congestion.ThrottleMultiplier > 1.0 {
		return errors.New("congestion_detection.throttle_multiplier must be within 0.1..1.0")
	}
	if c.EmergencyStopConfig.FailureThreshold < 0 || c.EmergencyStopConfig.FailureThreshold > 1 {
		return errors.New("emergency_stop.failure_threshold must be within 0..1")
	}
	if c.EmergencyStopConfig.ConsecutiveFailures < 1 || c.EmergencyStopConfig.ConsecutiveFailures > 100 {
		return errors.New("emergency_stop.consecutive_failures must be within 1..100")
	}
	if c.EmergencyStopConfig.AutoRecoveryMinutes < 1 || c.EmergencyStopConfig.AutoRecoveryMinutes > 1440 {
		return errors.New("emergency_stop.auto_recovery_minutes must be within 1..1440")
	}

	return nil
}

// Save validates cfg and atomically writes it to path (tmp file + rename).
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
