// Package config provides configuration loading for neighbor.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/neighbor/internal/telemetry"
)

// Config holds the complete neighbor configuration.
type Config struct {
	Source      SourceConfig      `koanf:"source"`
	Signatures  SignaturesConfig  `koanf:"signatures"`
	Classifier  ClassifierConfig  `koanf:"classifier"`
	Inference   InferenceConfig   `koanf:"inference"`
	Dedup       DedupConfig       `koanf:"dedup"`
	Session     SessionConfig     `koanf:"session"`
	Confirm     ConfirmConfig     `koanf:"confirm"`
	Remediation RemediationConfig `koanf:"remediation"`
	State       StateConfig       `koanf:"state"`
	Server      ServerConfig      `koanf:"server"`
	NATS        NATSConfig        `koanf:"nats"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   telemetry.Config  `koanf:"telemetry"`
}

// SourceConfig selects and tunes the log source.
type SourceConfig struct {
	Kind           string        `koanf:"kind"`       // journal or file
	Path           string        `koanf:"path"`       // NDJSON file for kind=file
	Journalctl     string        `koanf:"journalctl"` // journalctl binary
	StartMode      string        `koanf:"start_mode"` // now, boot, all or since
	Since          string        `koanf:"since"`      // journalctl --since value for start_mode=since
	Units          []string      `koanf:"units"`
	QueueSize      int           `koanf:"queue_size"`
	BackoffInitial time.Duration `koanf:"backoff_initial"`
	BackoffMax     time.Duration `koanf:"backoff_max"`
}

// SignaturesConfig locates the signature pack.
type SignaturesConfig struct {
	PackPath string `koanf:"pack_path"` // empty uses the built-in pack
	Watch    bool   `koanf:"watch"`
}

// ClassifierConfig tunes classification.
type ClassifierConfig struct {
	Threshold        float64       `koanf:"threshold"`
	InferenceTimeout time.Duration `koanf:"inference_timeout"`
	HistorySize      int           `koanf:"history_size"`
	MinSeverity      string        `koanf:"min_severity"`
	Semantic         bool          `koanf:"semantic"`
}

// InferenceConfig configures the OpenAI-compatible model endpoint used for
// semantic matching.
type InferenceConfig struct {
	Enabled           bool    `koanf:"enabled"`
	BaseURL           string  `koanf:"base_url"`
	Model             string  `koanf:"model"`
	APIKey            Secret  `koanf:"api_key"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

// DedupConfig holds cooldown windows and the storm limiter.
type DedupConfig struct {
	Window      time.Duration            `koanf:"window"`
	TierWindows map[string]time.Duration `koanf:"tier_windows"`
	StormRate   float64                  `koanf:"storm_rate"`
	StormBurst  int                      `koanf:"storm_burst"`
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	EventBuffer int `koanf:"event_buffer"`
}

// ConfirmConfig holds the post-execution observation window.
type ConfirmConfig struct {
	Window time.Duration `koanf:"window"`
}

// RemediationConfig tunes command execution.
type RemediationConfig struct {
	Shell       string        `koanf:"shell"`
	ExecTimeout time.Duration `koanf:"exec_timeout"` // zero means no limit
	OutputTail  int           `koanf:"output_tail"`
}

// StateConfig locates persistent state (cooldowns and source cursor).
type StateConfig struct {
	Dir        string        `koanf:"dir"`
	InMemory   bool          `koanf:"in_memory"`
	GCInterval time.Duration `koanf:"gc_interval"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// NATSConfig configures lifecycle event publishing.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LoggingConfig is the user-facing subset of logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case "journal":
	case "file":
		if c.Source.Path == "" {
			return errors.New("source.path is required when source.kind is file")
		}
	default:
		return fmt.Errorf("invalid source.kind %q (must be journal or file)", c.Source.Kind)
	}
	switch c.Source.StartMode {
	case "now", "boot", "all":
	case "since":
		if c.Source.Since == "" {
			return errors.New("source.since is required when source.start_mode is since")
		}
	default:
		return fmt.Errorf("invalid source.start_mode %q", c.Source.StartMode)
	}
	if c.Source.QueueSize < 1 {
		return fmt.Errorf("source.queue_size must be positive, got %d", c.Source.QueueSize)
	}
	if c.Source.BackoffMax < c.Source.BackoffInitial {
		return errors.New("source.backoff_max must be >= source.backoff_initial")
	}

	if c.Classifier.Threshold <= 0 || c.Classifier.Threshold > 1 {
		return fmt.Errorf("classifier.threshold must be in (0,1], got %f", c.Classifier.Threshold)
	}
	if c.Classifier.InferenceTimeout <= 0 {
		return errors.New("classifier.inference_timeout must be positive")
	}
	if c.Classifier.HistorySize < 1 {
		return errors.New("classifier.history_size must be positive")
	}

	if c.Inference.Enabled && c.Inference.BaseURL == "" {
		return errors.New("inference.base_url is required when inference is enabled")
	}

	if c.Dedup.Window <= 0 {
		return errors.New("dedup.window must be positive")
	}
	for tier, w := range c.Dedup.TierWindows {
		if w <= 0 {
			return fmt.Errorf("dedup.tier_windows.%s must be positive", tier)
		}
	}
	if c.Dedup.StormRate <= 0 || c.Dedup.StormBurst < 1 {
		return errors.New("dedup.storm_rate and dedup.storm_burst must be positive")
	}

	if c.Confirm.Window <= 0 {
		return errors.New("confirm.window must be positive")
	}
	if c.Remediation.OutputTail < 1 {
		return errors.New("remediation.output_tail must be positive")
	}

	if !c.State.InMemory && c.State.Dir == "" {
		return errors.New("state.dir is required unless state.in_memory is set")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}
