package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/siglab/scout/source"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Analysis.AnomalySensitivity != 0.8 {
		t.Errorf("expected default anomaly sensitivity 0.8, got %f", cfg.Analysis.AnomalySensitivity)
	}
	if cfg.Analysis.SentimentThreshold != 0.6 {
		t.Errorf("expected default sentiment threshold 0.6, got %f", cfg.Analysis.SentimentThreshold)
	}
	if cfg.Insight.MaxTokens != 2048 {
		t.Errorf("expected default max tokens 2048, got %d", cfg.Insight.MaxTokens)
	}
	if cfg.Insight.Temperature != 0.7 {
		t.Errorf("expected default temperature 0.7, got %f", cfg.Insight.Temperature)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing store path",
			modify:  func(c *Config) { c.Store.Path = "" },
			wantErr: true,
		},
		{
			name:    "zero concurrency",
			modify:  func(c *Config) { c.Scheduler.Concurrency = 0 },
			wantErr: true,
		},
		{
			name:    "backoff max below base",
			modify:  func(c *Config) { c.Scheduler.BackoffMaxSeconds = 1 },
			wantErr: true,
		},
		{
			name:    "one trailing window",
			modify:  func(c *Config) { c.Analysis.TrailingWindows = 1 },
			wantErr: true,
		},
		{
			name:    "sentiment threshold above one",
			modify:  func(c *Config) { c.Analysis.SentimentThreshold = 1.5 },
			wantErr: true,
		},
		{
			name:    "insight enabled without endpoint",
			modify:  func(c *Config) { c.Insight.Enabled = true },
			wantErr: true,
		},
		{
			name: "invalid source",
			modify: func(c *Config) {
				c.Sources = []*source.Source{{ID: "bad", Type: source.TypeFeed, CheckInterval: 300}}
			},
			wantErr: true,
		},
		{
			name: "valid source",
			modify: func(c *Config) {
				c.Sources = []*source.Source{{
					ID: "hn", Type: source.TypeFeed, CheckInterval: 300, Enabled: true,
					Feed: &source.FeedConfig{URLs: []string{"https://news.ycombinator.com/rss"}},
				}}
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Validate() = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scout.yaml")

	cfg := DefaultConfig()
	cfg.API.Addr = ":9999"
	cfg.Sources = []*source.Source{{
		ID: "go-repos", Type: source.TypeRepository, CheckInterval: 900, Enabled: true,
		Topic: "golang",
		Repository: &source.RepositoryConfig{
			Repositories: []string{"golang/go"},
		},
	}}
	cfg.Rules = nil
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.API.Addr != ":9999" {
		t.Errorf("expected addr :9999, got %s", loaded.API.Addr)
	}
	if len(loaded.Sources) != 1 || loaded.Sources[0].ID != "go-repos" {
		t.Fatalf("sources did not round-trip: %+v", loaded.Sources)
	}
	if loaded.Analysis.WindowMinutes != 1440 {
		t.Errorf("unset fields should keep defaults, got window %d", loaded.Analysis.WindowMinutes)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Addr != ":8080" {
		t.Errorf("expected default addr, got %s", cfg.API.Addr)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scout.yaml")
	if err := os.WriteFile(path, []byte("store:\n  path: \"\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() = nil, want validation error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCOUT_AI_API_KEY", "env-key")
	t.Setenv("SCOUT_GITHUB_TOKEN", "env-token")

	cfg := DefaultConfig()
	cfg.Sources = []*source.Source{
		{
			ID: "a", Type: source.TypeRepository, CheckInterval: 900, Enabled: true,
			Repository: &source.RepositoryConfig{Repositories: []string{"golang/go"}},
		},
		{
			ID: "b", Type: source.TypeRepository, CheckInterval: 900, Enabled: true,
			Repository: &source.RepositoryConfig{Repositories: []string{"torvalds/linux"}, Token: "explicit"},
		},
	}
	cfg.applyEnv()

	if cfg.Insight.APIKey != "env-key" {
		t.Errorf("expected API key from environment, got %q", cfg.Insight.APIKey)
	}
	if cfg.Sources[0].Repository.Token != "env-token" {
		t.Errorf("expected token from environment, got %q", cfg.Sources[0].Repository.Token)
	}
	if cfg.Sources[1].Repository.Token != "explicit" {
		t.Error("explicit token must win over the environment")
	}
}
