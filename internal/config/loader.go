package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/neighbor/internal/telemetry"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
	envPrefix         = "NEIGHBOR_"
)

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables, then applies defaults and validates.
//
// Precedence (highest first):
//  1. Environment variables (NEIGHBOR_CLASSIFIER_THRESHOLD, NEIGHBOR_SERVER_PORT, ...)
//  2. YAML config file (~/.config/neighbor/config.yaml)
//  3. Defaults
//
// The file must live under ~/.config/neighbor/ or /etc/neighbor/, be at
// most 1MB, and have 0600 or 0400 permissions. A missing file is not an
// error.
//
// Environment variables drop the NEIGHBOR_ prefix and split on the first
// underscore into section and field:
//
//	NEIGHBOR_CLASSIFIER_INFERENCE_TIMEOUT -> classifier.inference_timeout
//	NEIGHBOR_DEDUP_WINDOW                 -> dedup.window
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps NEIGHBOR_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile opens the file once and validates it through the open
// descriptor.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// DefaultConfigDir returns ~/.config/neighbor.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "neighbor"), nil
}

// DefaultStateDir returns ~/.local/share/neighbor.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "neighbor")
	}
	return filepath.Join(home, ".local", "share", "neighbor")
}

func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolved = absPath
	}

	userDir, err := DefaultConfigDir()
	if err != nil {
		return err
	}
	for _, dir := range []string{userDir, "/etc/neighbor"} {
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/neighbor/ or /etc/neighbor/")
}

func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Source.Kind == "" {
		cfg.Source.Kind = "journal"
	}
	if cfg.Source.Journalctl == "" {
		cfg.Source.Journalctl = "journalctl"
	}
	if cfg.Source.StartMode == "" {
		cfg.Source.StartMode = "now"
	}
	if cfg.Source.QueueSize == 0 {
		cfg.Source.QueueSize = 4096
	}
	if cfg.Source.BackoffInitial == 0 {
		cfg.Source.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.Source.BackoffMax == 0 {
		cfg.Source.BackoffMax = 30 * time.Second
	}

	if cfg.Classifier.Threshold == 0 {
		cfg.Classifier.Threshold = 0.7
	}
	if cfg.Classifier.InferenceTimeout == 0 {
		cfg.Classifier.InferenceTimeout = 200 * time.Millisecond
	}
	if cfg.Classifier.HistorySize == 0 {
		cfg.Classifier.HistorySize = 256
	}
	if cfg.Classifier.MinSeverity == "" {
		cfg.Classifier.MinSeverity = "warning"
	}

	if cfg.Inference.BaseURL == "" {
		cfg.Inference.BaseURL = "http://localhost:8080/v1"
	}
	if cfg.Inference.Model == "" {
		cfg.Inference.Model = "local"
	}
	if cfg.Inference.RequestsPerSecond == 0 {
		cfg.Inference.RequestsPerSecond = 5
	}
	if cfg.Inference.Burst == 0 {
		cfg.Inference.Burst = 5
	}

	if cfg.Dedup.Window == 0 {
		cfg.Dedup.Window = 10 * time.Minute
	}
	if cfg.Dedup.StormRate == 0 {
		cfg.Dedup.StormRate = 1
	}
	if cfg.Dedup.StormBurst == 0 {
		cfg.Dedup.StormBurst = 5
	}

	if cfg.Session.EventBuffer == 0 {
		cfg.Session.EventBuffer = 64
	}

	if cfg.Confirm.Window == 0 {
		cfg.Confirm.Window = 30 * time.Second
	}

	if cfg.Remediation.Shell == "" {
		cfg.Remediation.Shell = "/bin/sh"
	}
	if cfg.Remediation.OutputTail == 0 {
		cfg.Remediation.OutputTail = 4096
	}

	if cfg.State.Dir == "" {
		cfg.State.Dir = DefaultStateDir()
	}
	if cfg.State.GCInterval == 0 {
		cfg.State.GCInterval = 10 * time.Minute
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7879
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "neighbor"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyTelemetryDefaults(t *telemetry.Config) {
	d := telemetry.NewDefaultConfig()
	if t.Endpoint == "" {
		t.Endpoint = d.Endpoint
		t.Insecure = d.Insecure
	}
	if t.Protocol == "" {
		t.Protocol = d.Protocol
	}
	if t.ServiceName == "" {
		t.ServiceName = d.ServiceName
	}
	if t.ServiceVersion == "" {
		t.ServiceVersion = d.ServiceVersion
	}
	if t.SampleRate == 0 {
		t.SampleRate = d.SampleRate
	}
	if t.ExportInterval == 0 {
		t.Metrics = d.Metrics
		t.ExportInterval = d.ExportInterval
	}
	if t.ShutdownTimeout == 0 {
		t.ShutdownTimeout = d.ShutdownTimeout
	}
}
