// Package config loads the dashboard configuration and static fleet
// definition from YAML, layered with environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the full application configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Build   BuildConfig   `koanf:"build"`
	Monitor MonitorConfig `koanf:"monitor"`
	Broker  BrokerConfig  `koanf:"broker"`
	Apps    []AppConfig   `koanf:"apps"`
	Debug   bool          `koanf:"debug"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ListenAddr     string   `koanf:"listen_addr"`
	AllowedOrigins []string `koanf:"allowed_origins"` // CORS allowed origins (empty = same-origin only)
	AuthToken      string   `koanf:"auth_token"`      // optional bearer token for mutating endpoints
}

// BuildConfig identifies the external build service and pipeline.
type BuildConfig struct {
	APIURL      string `koanf:"api_url"`
	ProjectID   string `koanf:"project_id"`
	TriggerID   string `koanf:"trigger_id"`
	LogEndpoint string `koanf:"log_endpoint"`
	RepoName    string `koanf:"repo_name"`
	BranchName  string `koanf:"branch_name"`
}

// MonitorConfig tunes the convergence polling loop.
type MonitorConfig struct {
	PollInterval int `koanf:"poll_interval"` // seconds between fleet polls (default 5)
	Timeout      int `koanf:"timeout"`       // hard rollout limit in seconds (default 600)
	AppTimeout   int `koanf:"app_timeout"`   // per-app fetch budget in seconds (default 5)
}

// PollIntervalDuration returns the poll interval as a duration.
func (m MonitorConfig) PollIntervalDuration() time.Duration {
	return time.Duration(m.PollInterval) * time.Second
}

// TimeoutDuration returns the rollout timeout as a duration.
func (m MonitorConfig) TimeoutDuration() time.Duration {
	return time.Duration(m.Timeout) * time.Second
}

// AppTimeoutDuration returns the per-app fetch budget as a duration.
func (m MonitorConfig) AppTimeoutDuration() time.Duration {
	return time.Duration(m.AppTimeout) * time.Second
}

// BrokerConfig tunes the notification broker.
type BrokerConfig struct {
	HistorySize int `koanf:"history_size"` // per-topic replay buffer capacity (default 100)
}

// AppConfig is one fleet member from the static configuration.
type AppConfig struct {
	Name  string `koanf:"name"`
	Title string `koanf:"title"`
	URL   string `koanf:"url"`
}

// Load reads configuration from the given file (if any) and environment
// variables with the DASHBOARD_ prefix.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("DASHBOARD_", "__", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8000"
	}
	if cfg.Monitor.PollInterval == 0 {
		cfg.Monitor.PollInterval = 5
	}
	if cfg.Monitor.Timeout == 0 {
		cfg.Monitor.Timeout = 600
	}
	if cfg.Monitor.AppTimeout == 0 {
		cfg.Monitor.AppTimeout = 5
	}
	if cfg.Broker.HistorySize == 0 {
		cfg.Broker.HistorySize = 100
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Build.APIURL == "" {
		return fmt.Errorf("build.api_url cannot be empty")
	}
	if c.Build.TriggerID == "" {
		return fmt.Errorf("build.trigger_id cannot be empty")
	}
	if c.Build.ProjectID == "" {
		return fmt.Errorf("build.project_id cannot be empty")
	}
	if len(c.Apps) == 0 {
		return fmt.Errorf("apps cannot be empty")
	}
	seen := make(map[string]struct{}, len(c.Apps))
	for i, app := range c.Apps {
		if app.Name == "" {
			return fmt.Errorf("apps[%d]: name cannot be empty", i)
		}
		if app.URL == "" {
			return fmt.Errorf("apps[%d] (%s): url cannot be empty", i, app.Name)
		}
		if _, dup := seen[app.Name]; dup {
			return fmt.Errorf("apps[%d]: duplicate name %q", i, app.Name)
		}
		seen[app.Name] = struct{}{}
	}
	if c.Monitor.PollInterval < 0 || c.Monitor.Timeout < 0 || c.Monitor.AppTimeout < 0 {
		return fmt.Errorf("monitor intervals must be positive")
	}
	return nil
}
