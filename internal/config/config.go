// Package config provides YAML configuration loading and validation for the
// sentinel daemon, in the same shape as the teacher's agent configuration:
// a typed Config struct, defaults applied after unmarshal, and a validate
// pass that joins every error found rather than stopping at the first.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the sentinel daemon. Every field
// corresponds to a startup option in spec.md §4.1.
type Config struct {
	// DurationSeconds bounds the monitoring window; 0 means run until signal.
	DurationSeconds int `yaml:"duration_seconds"`

	// AttachPID restricts scraping and matching to a single pid when non-zero.
	AttachPID uint32 `yaml:"attach_pid"`

	LogLevel string `yaml:"log_level"`

	Baseline  BaselineConfig  `yaml:"baseline"`
	Detection DetectionConfig `yaml:"detection"`

	Correlation CorrelationConfig `yaml:"correlation"`
	Grimoire    GrimoireConfig    `yaml:"grimoire"`

	Sinks SinksConfig `yaml:"sinks"`

	API       APIConfig       `yaml:"api"`
	LiveFeed  LiveFeedConfig  `yaml:"livefeed"`
	Forward   ForwardConfig   `yaml:"forward"`
	Archive   ArchiveConfig   `yaml:"archive"`
	HWAutoscale bool          `yaml:"hw_autoscale"`
}

// BaselineConfig controls the Welford baseline store and its learning
// lifecycle (spec.md §4.2).
type BaselineConfig struct {
	LearningPeriodSeconds int    `yaml:"learning_period_seconds"`
	NoLearning            bool   `yaml:"no_learning"`
	Path                  string `yaml:"path"`
	NoLoad                bool   `yaml:"no_load_baselines"`
	SaveIntervalSeconds   int    `yaml:"save_interval_seconds"`
}

// DetectionConfig controls the anomaly detector and its alert queue
// (spec.md §4.3).
type DetectionConfig struct {
	ThresholdSigma  float64 `yaml:"threshold_sigma"`
	NoDetection     bool    `yaml:"no_detection"`
	AlertsPerMinute float64 `yaml:"alerts_per_minute"`
	Burst           int     `yaml:"burst"`
}

// CorrelationConfig controls the exfiltration-sequence correlation engine
// (spec.md §4.5).
type CorrelationConfig struct {
	Enable         bool `yaml:"enable"`
	Threshold      int  `yaml:"threshold"`
	TimeoutMs      int  `yaml:"timeout_ms"`
	MinExfilBytes  int  `yaml:"min_exfil_bytes"`
	AutoTerminate  bool `yaml:"auto_terminate"`
}

// GrimoireConfig controls the behavioral pattern engine (spec.md §4.4).
type GrimoireConfig struct {
	Enable  bool   `yaml:"enable"`
	Enforce bool   `yaml:"enforce"`
	Debug   bool   `yaml:"debug"`
	LogPath string `yaml:"log_path"`
}

// SinksConfig toggles and configures each Alert Router sink (spec.md §4.6).
type SinksConfig struct {
	Syslog     SyslogSinkConfig     `yaml:"syslog"`
	JSONFile   JSONFileSinkConfig   `yaml:"json_file"`
	Auditd     AuditdSinkConfig     `yaml:"auditd"`
	Prometheus PrometheusSinkConfig `yaml:"prometheus"`
	Webhook    WebhookSinkConfig    `yaml:"webhook"`
	TamperAudit TamperAuditSinkConfig `yaml:"tamper_audit"`
}

type SyslogSinkConfig struct {
	Enable   bool   `yaml:"enable"`
	Network  string `yaml:"network"` // "udp" or "tcp"
	Addr     string `yaml:"addr"`
	Facility int    `yaml:"facility"`
	AppName  string `yaml:"app_name"`
}

type JSONFileSinkConfig struct {
	Enable  bool  `yaml:"enable"`
	Path    string `yaml:"path"`
	MaxSize int64  `yaml:"max_size"`
}

type AuditdSinkConfig struct {
	Enable     bool   `yaml:"enable"`
	SocketPath string `yaml:"socket_path"`
}

type PrometheusSinkConfig struct {
	Enable bool   `yaml:"enable"`
	Addr   string `yaml:"addr"`
}

type WebhookSinkConfig struct {
	Enable        bool   `yaml:"enable"`
	URL           string `yaml:"url"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	QueuePath     string `yaml:"queue_path"`
}

type TamperAuditSinkConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

// APIConfig controls the local control-plane REST API.
type APIConfig struct {
	Addr      string `yaml:"addr"` // empty = disabled
	JWTSecret string `yaml:"jwt_secret"`
}

// LiveFeedConfig controls the websocket live alert feed.
type LiveFeedConfig struct {
	Addr string `yaml:"addr"` // empty = disabled
}

// ForwardConfig controls the gRPC alert-forwarding sink.
type ForwardConfig struct {
	Addr     string `yaml:"addr"` // empty = disabled
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	CAPath   string `yaml:"ca_path"`
	QueuePath string `yaml:"queue_path"`
}

// ArchiveConfig controls the optional Postgres alert archive sink.
type ArchiveConfig struct {
	DSN string `yaml:"dsn"` // empty = disabled
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Baseline.Path == "" {
		cfg.Baseline.Path = "/var/lib/sentinel/baselines"
	}
	if cfg.Baseline.LearningPeriodSeconds == 0 {
		cfg.Baseline.LearningPeriodSeconds = 600
	}
	if cfg.Baseline.SaveIntervalSeconds == 0 {
		cfg.Baseline.SaveIntervalSeconds = 60
	}
	if cfg.Detection.ThresholdSigma == 0 {
		cfg.Detection.ThresholdSigma = 3.0
	}
	if cfg.Detection.AlertsPerMinute == 0 {
		cfg.Detection.AlertsPerMinute = 60
	}
	if cfg.Detection.Burst == 0 {
		cfg.Detection.Burst = 10
	}
	if cfg.Correlation.Threshold == 0 {
		cfg.Correlation.Threshold = 100
	}
	if cfg.Correlation.TimeoutMs == 0 {
		cfg.Correlation.TimeoutMs = 5000
	}
	if cfg.Correlation.MinExfilBytes == 0 {
		cfg.Correlation.MinExfilBytes = 512
	}
	if cfg.Grimoire.LogPath == "" {
		cfg.Grimoire.LogPath = "/var/log/sentinel/grimoire.jsonl"
	}
	if cfg.Sinks.Syslog.Network == "" {
		cfg.Sinks.Syslog.Network = "udp"
	}
	if cfg.Sinks.Syslog.Facility == 0 {
		cfg.Sinks.Syslog.Facility = 1 // "user"
	}
	if cfg.Sinks.Syslog.AppName == "" {
		cfg.Sinks.Syslog.AppName = "zig_sentinel"
	}
	if cfg.Sinks.JSONFile.MaxSize == 0 {
		cfg.Sinks.JSONFile.MaxSize = 50 * 1024 * 1024
	}
	if cfg.Sinks.Webhook.TimeoutMs == 0 {
		cfg.Sinks.Webhook.TimeoutMs = 2000
	}
	if cfg.Sinks.Webhook.QueuePath == "" {
		cfg.Sinks.Webhook.QueuePath = "/var/lib/sentinel/webhook-queue.db"
	}
	if cfg.Forward.QueuePath == "" {
		cfg.Forward.QueuePath = "/var/lib/sentinel/forward-queue.db"
	}
}

func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Detection.ThresholdSigma <= 0 {
		errs = append(errs, errors.New("detection.threshold_sigma must be > 0"))
	}
	if cfg.Correlation.Enable && cfg.Correlation.TimeoutMs <= 0 {
		errs = append(errs, errors.New("correlation.timeout_ms must be > 0 when correlation is enabled"))
	}
	if cfg.Sinks.Syslog.Enable && cfg.Sinks.Syslog.Addr == "" {
		errs = append(errs, errors.New("sinks.syslog.addr is required when syslog sink is enabled"))
	}
	if cfg.Sinks.Syslog.Enable && cfg.Sinks.Syslog.Network != "udp" && cfg.Sinks.Syslog.Network != "tcp" {
		errs = append(errs, fmt.Errorf("sinks.syslog.network %q must be \"udp\" or \"tcp\"", cfg.Sinks.Syslog.Network))
	}
	if cfg.Sinks.JSONFile.Enable && cfg.Sinks.JSONFile.Path == "" {
		errs = append(errs, errors.New("sinks.json_file.path is required when the json_file sink is enabled"))
	}
	if cfg.Sinks.Auditd.Enable && cfg.Sinks.Auditd.SocketPath == "" {
		errs = append(errs, errors.New("sinks.auditd.socket_path is required when the auditd sink is enabled"))
	}
	if cfg.Sinks.Webhook.Enable && cfg.Sinks.Webhook.URL == "" {
		errs = append(errs, errors.New("sinks.webhook.url is required when the webhook sink is enabled"))
	}
	if cfg.Forward.Addr != "" && (cfg.Forward.CertPath == "" || cfg.Forward.KeyPath == "" || cfg.Forward.CAPath == "") {
		errs = append(errs, errors.New("forward.cert_path, key_path, and ca_path are all required when forward.addr is set"))
	}

	return errors.Join(errs...)
}

// LearningPeriod returns the learning-period duration as a time.Duration.
func (c *Config) LearningPeriod() time.Duration {
	return time.Duration(c.Baseline.LearningPeriodSeconds) * time.Second
}
