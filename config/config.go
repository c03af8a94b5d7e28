// Package config provides configuration loading and management for Scout.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/siglab/scout/alert"
	"github.com/siglab/scout/source"
)

// Config represents the complete Scout configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Collector CollectorConfig `yaml:"collector"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Insight   InsightConfig   `yaml:"insight"`
	API       APIConfig       `yaml:"api"`
	NATS      NATSConfig      `yaml:"nats"`

	Sources []*source.Source `yaml:"sources"`
	Rules   []alert.Rule     `yaml:"rules"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// StoreConfig configures event persistence.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" keeps everything
	// in-process.
	Path string `yaml:"path"`
}

// CollectorConfig configures outbound fetching.
type CollectorConfig struct {
	// TimeoutSeconds bounds a single HTTP request.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// RequestsPerSecond rate-limits outbound requests across all sources.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// SchedulerConfig configures collection scheduling.
type SchedulerConfig struct {
	// Concurrency is the maximum number of sources collected at once.
	Concurrency int `yaml:"concurrency"`
	// CollectTimeoutSeconds bounds one full collection of one source.
	CollectTimeoutSeconds int `yaml:"collect_timeout_seconds"`
	// InitialLookbackHours is how far back a source's first collection
	// reaches.
	InitialLookbackHours int `yaml:"initial_lookback_hours"`
	// BackoffBaseSeconds is the first retry delay for a failing source;
	// it doubles per consecutive failure up to BackoffMaxSeconds.
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds  int `yaml:"backoff_max_seconds"`
}

// AnalysisConfig configures the trend engine.
type AnalysisConfig struct {
	// WindowMinutes is the analysis window length.
	WindowMinutes int `yaml:"window_minutes"`
	// TrailingWindows is how many closed windows the anomaly score
	// looks back over.
	TrailingWindows int `yaml:"trailing_windows"`
	// AnomalySensitivity is the absolute z-score threshold.
	AnomalySensitivity float64 `yaml:"anomaly_sensitivity"`
	// SentimentThreshold is the magnitude splitting the sentiment
	// buckets.
	SentimentThreshold float64 `yaml:"sentiment_threshold"`
	// CycleIntervalSeconds is how often closed windows are checked for.
	CycleIntervalSeconds int `yaml:"cycle_interval_seconds"`
}

// InsightConfig configures the AI summary boundary.
type InsightConfig struct {
	Enabled bool `yaml:"enabled"`
	// Endpoint is the OpenAI-compatible API base URL.
	Endpoint string `yaml:"endpoint"`
	// APIKey may be left empty and supplied via SCOUT_AI_API_KEY.
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// NATSConfig configures alert publishing. An empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Path: "scout.db",
		},
		Collector: CollectorConfig{
			TimeoutSeconds:    30,
			RequestsPerSecond: 2,
		},
		Scheduler: SchedulerConfig{
			Concurrency:           5,
			CollectTimeoutSeconds: 60,
			InitialLookbackHours:  24,
			BackoffBaseSeconds:    60,
			BackoffMaxSeconds:     900,
		},
		Analysis: AnalysisConfig{
			WindowMinutes:        1440,
			TrailingWindows:      6,
			AnomalySensitivity:   0.8,
			SentimentThreshold:   0.6,
			CycleIntervalSeconds: 60,
		},
		Insight: InsightConfig{
			Enabled:        false,
			Model:          "llama3.3-70b-instruct",
			MaxTokens:      2048,
			Temperature:    0.7,
			TimeoutSeconds: 60,
		},
		API: APIConfig{
			Addr: ":8080",
		},
		NATS: NATSConfig{
			Subject: "scout.alerts",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be positive")
	}
	if c.Scheduler.BackoffBaseSeconds <= 0 || c.Scheduler.BackoffMaxSeconds < c.Scheduler.BackoffBaseSeconds {
		return fmt.Errorf("scheduler backoff range is invalid")
	}
	if c.Analysis.WindowMinutes <= 0 {
		return fmt.Errorf("analysis.window_minutes must be positive")
	}
	if c.Analysis.TrailingWindows < 2 {
		return fmt.Errorf("analysis.trailing_windows must be at least 2")
	}
	if c.Analysis.AnomalySensitivity <= 0 {
		return fmt.Errorf("analysis.anomaly_sensitivity must be positive")
	}
	if c.Analysis.SentimentThreshold <= 0 || c.Analysis.SentimentThreshold > 1 {
		return fmt.Errorf("analysis.sentiment_threshold must be in (0, 1]")
	}
	if c.Insight.Enabled && c.Insight.Endpoint == "" {
		return fmt.Errorf("insight.endpoint is required when insight.enabled is set")
	}
	for _, src := range c.Sources {
		if err := src.Validate(); err != nil {
			return fmt.Errorf("source %q: %w", src.ID, err)
		}
	}
	return nil
}

func (c *SchedulerConfig) CollectTimeout() time.Duration {
	return time.Duration(c.CollectTimeoutSeconds) * time.Second
}

func (c *SchedulerConfig) InitialLookback() time.Duration {
	return time.Duration(c.InitialLookbackHours) * time.Hour
}

func (c *SchedulerConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

func (c *SchedulerConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

func (c *AnalysisConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

func (c *AnalysisConfig) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSeconds) * time.Second
}

func (c *CollectorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *InsightConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load reads configuration from a YAML file layered over the defaults,
// then applies environment overrides. A missing file is not an error;
// the defaults are used.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		loaded, err := LoadFromFile(path)
		switch {
		case err == nil:
			cfg = loaded
		case os.IsNotExist(err):
			// Defaults only.
		default:
			return nil, err
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// applyEnv overlays secrets from the environment so they can stay out
// of the config file.
func (c *Config) applyEnv() {
	if key := os.Getenv("SCOUT_AI_API_KEY"); key != "" {
		c.Insight.APIKey = key
	}
	if token := os.Getenv("SCOUT_GITHUB_TOKEN"); token != "" {
		for _, src := range c.Sources {
			if src.Type == source.TypeRepository && src.Repository != nil && src.Repository.Token == "" {
				src.Repository.Token = token
			}
		}
	}
}
