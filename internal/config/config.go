// Package config loads the bootstrap process-wide configuration: a YAML
// file layered with environment variable overrides, threaded through the
// program as an explicit context object rather than ambient globals, per
// spec.md §9's design note.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"logcollector/pkg/collectorerrors"
)

// Config is the process-wide bootstrap context: where persisted state and
// logs live, how the logger is configured, and defaults for listeners and
// health reporting. It is loaded once at startup and passed explicitly to
// every component that needs it.
type Config struct {
	DataDir        string `yaml:"data_dir"`
	LogDir         string `yaml:"log_dir"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	PIDFile        string `yaml:"pid_file"`
	LogFile        string `yaml:"log_file"`
	NonInteractive bool   `yaml:"non_interactive"`

	ListenerPollTimeout time.Duration `yaml:"listener_poll_timeout"`
	TCPIdleTimeout      time.Duration `yaml:"tcp_idle_timeout"`
	QueueSoftCap        int           `yaml:"queue_soft_cap"`
	WorkerDequeueWait   time.Duration `yaml:"worker_dequeue_wait"`
	ForcedFlushInterval time.Duration `yaml:"forced_flush_interval"`

	HealthIntervalSeconds int `yaml:"health_interval_seconds"`

	IntrospectionAddr string `yaml:"introspection_addr"`
}

// Default returns a config with every field at its spec-mandated default.
func Default() *Config {
	return &Config{
		DataDir:               "./data",
		LogDir:                "./logs",
		LogLevel:              "info",
		LogFormat:             "text",
		NonInteractive:        false,
		ListenerPollTimeout:   500 * time.Millisecond,
		TCPIdleTimeout:        30 * time.Second,
		QueueSoftCap:          10000,
		WorkerDequeueWait:     time.Second,
		ForcedFlushInterval:   60 * time.Second,
		HealthIntervalSeconds: 60,
		IntrospectionAddr:     ":9099",
	}
}

// Load reads path (if it exists), applies it over the defaults, then applies
// environment variable overrides. A missing file is not an error - defaults
// plus environment are still a valid configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, collectorerrors.ConfigPersistence("config", "load", "failed to read config file").
					Wrap(err).WithMetadata("path", path)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, collectorerrors.Validation("config", "load", "failed to parse config file").
				Wrap(err).WithMetadata("path", path)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvironmentOverrides(cfg *Config) {
	cfg.DataDir = getEnvString("LOGCOLLECTOR_DATA_DIR", cfg.DataDir)
	cfg.LogDir = getEnvString("LOGCOLLECTOR_LOG_DIR", cfg.LogDir)
	cfg.LogLevel = getEnvString("LOGCOLLECTOR_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvString("LOGCOLLECTOR_LOG_FORMAT", cfg.LogFormat)
	cfg.PIDFile = getEnvString("LOGCOLLECTOR_PID_FILE", cfg.PIDFile)
	cfg.LogFile = getEnvString("LOGCOLLECTOR_LOG_FILE", cfg.LogFile)
	cfg.NonInteractive = getEnvBool("LOGCOLLECTOR_NON_INTERACTIVE", cfg.NonInteractive)
	cfg.QueueSoftCap = getEnvInt("LOGCOLLECTOR_QUEUE_SOFT_CAP", cfg.QueueSoftCap)
	cfg.HealthIntervalSeconds = getEnvInt("LOGCOLLECTOR_HEALTH_INTERVAL_SECONDS", cfg.HealthIntervalSeconds)
	cfg.IntrospectionAddr = getEnvString("LOGCOLLECTOR_INTROSPECTION_ADDR", cfg.IntrospectionAddr)
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return collectorerrors.Validation("config", "validate", "data_dir must not be empty")
	}
	if err := validateDirectoryWritable(cfg.DataDir); err != nil {
		return collectorerrors.Validation("config", "validate", "data_dir is not writable").
			Wrap(err).WithMetadata("data_dir", cfg.DataDir)
	}
	if cfg.LogDir != "" {
		if err := validateDirectoryWritable(cfg.LogDir); err != nil {
			return collectorerrors.Validation("config", "validate", "log_dir is not writable").
				Wrap(err).WithMetadata("log_dir", cfg.LogDir)
		}
	}
	if cfg.HealthIntervalSeconds <= 0 {
		return collectorerrors.Validation("config", "validate", "health_interval_seconds must be positive")
	}
	return nil
}

// validateDirectoryWritable creates the directory if absent, then probes it
// with a temp file, mirroring the teacher's directory-writability check.
func validateDirectoryWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

func getEnvString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

// SourcesPath, PolicyPath, FiltersPath and HealthPath are the fixed,
// deployment-relative file locations named in spec.md §6.
func (c *Config) SourcesPath() string { return filepath.Join(c.DataDir, "sources.json") }
func (c *Config) PolicyPath() string  { return filepath.Join(c.DataDir, "policy.json") }
func (c *Config) FiltersPath() string { return filepath.Join(c.DataDir, "filters.json") }
func (c *Config) HealthPath() string  { return filepath.Join(c.DataDir, "health.json") }

// String renders the config for diagnostic logging.
func (c *Config) String() string {
	return fmt.Sprintf("data_dir=%s log_dir=%s log_level=%s", c.DataDir, c.LogDir, c.LogLevel)
}
