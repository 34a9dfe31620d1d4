package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for appfleet.
type Config struct {
	Generation struct {
		Backend        string   `yaml:"backend"`
		OutputDir      string   `yaml:"output_dir"`
		MaxAttempts    int      `yaml:"max_attempts"`
		RetryDelay     string   `yaml:"retry_delay"`
		AttemptTimeout string   `yaml:"attempt_timeout"`
		MaxTurns       int      `yaml:"max_turns"`
		AllowedTools   []string `yaml:"allowed_tools"`
		ClaudeBinary   string   `yaml:"claude_binary"`
		Model          string   `yaml:"model"`
		APIKey         string   `yaml:"-"`
	} `yaml:"generation"`
	Scheduler struct {
		Workers int `yaml:"workers"`
	} `yaml:"scheduler"`
	Deploy struct {
		Enabled bool     `yaml:"enabled"`
		Targets []string `yaml:"targets"`
		Timeout string   `yaml:"timeout"`
		Pause   string   `yaml:"pause"`
		Vercel  struct {
			Token      string `yaml:"token"`
			Binary     string `yaml:"binary"`
			Production bool   `yaml:"production"`
		} `yaml:"vercel"`
		GitHub struct {
			Token   string `yaml:"token"`
			Binary  string `yaml:"binary"`
			Owner   string `yaml:"owner"`
			Private bool   `yaml:"private"`
		} `yaml:"github"`
		SFTP struct {
			Host       string `yaml:"host"`
			Port       int    `yaml:"port"`
			User       string `yaml:"user"`
			KeyPath    string `yaml:"key_path"`
			KnownHosts string `yaml:"known_hosts"`
			RemoteDir  string `yaml:"remote_dir"`
		} `yaml:"sftp"`
	} `yaml:"deploy"`
	Store struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Telemetry struct {
		Enabled        bool   `yaml:"enabled"`
		MonitoringAddr string `yaml:"monitoring_addr"`
	} `yaml:"telemetry"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	var cfg Config
	cfg.Generation.Backend = "claude"
	cfg.Generation.OutputDir = "generated_apps"
	cfg.Generation.MaxAttempts = 3
	cfg.Generation.RetryDelay = "2s"
	cfg.Generation.AttemptTimeout = "10m"
	cfg.Generation.MaxTurns = 10
	cfg.Generation.AllowedTools = []string{"Read", "Write", "Bash", "Grep"}
	cfg.Generation.ClaudeBinary = "claude"
	cfg.Deploy.Targets = []string{"vercel"}
	cfg.Deploy.Timeout = "2m"
	cfg.Deploy.Pause = "3s"
	cfg.Deploy.Vercel.Binary = "vercel"
	cfg.Deploy.Vercel.Production = true
	cfg.Deploy.GitHub.Binary = "gh"
	cfg.Deploy.GitHub.Private = true
	cfg.Deploy.SFTP.Port = 22
	cfg.Store.Driver = "sqlite"
	return cfg
}

// ConfigDir returns $XDG_CONFIG_HOME/appfleet or ~/.config/appfleet.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "appfleet")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/appfleet/config.yaml or ~/.config/appfleet/config.yaml. A
// missing default file yields DefaultConfig. Tokens are merged from secrets.env,
// a local .env and the process environment, in increasing priority.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	if err := cfg.checkDurations(); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Store.DSN == "" && cfg.Store.Driver == "sqlite" {
		cfg.Store.DSN = filepath.Join(ConfigDir(), "runs.db")
	}

	secrets, _ := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	for _, key := range []string{"VERCEL_TOKEN", "GITHUB_TOKEN", "ANTHROPIC_API_KEY"} {
		if v := os.Getenv(key); v != "" {
			secrets[key] = v
		}
	}
	if t := secrets["VERCEL_TOKEN"]; t != "" {
		cfg.Deploy.Vercel.Token = t
	}
	if t := secrets["GITHUB_TOKEN"]; t != "" {
		cfg.Deploy.GitHub.Token = t
	}
	if t := secrets["ANTHROPIC_API_KEY"]; t != "" {
		cfg.Generation.APIKey = t
	}
	return cfg, nil
}

// WriteConfig marshals cfg to path, creating the parent directory.
func WriteConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// checkDurations rejects duration strings time.ParseDuration cannot read.
func (c Config) checkDurations() error {
	fields := []struct{ key, val string }{
		{"generation.retry_delay", c.Generation.RetryDelay},
		{"generation.attempt_timeout", c.Generation.AttemptTimeout},
		{"deploy.timeout", c.Deploy.Timeout},
		{"deploy.pause", c.Deploy.Pause},
	}
	for _, f := range fields {
		if f.val == "" {
			continue
		}
		d, err := time.ParseDuration(f.val)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		if d < 0 {
			return fmt.Errorf("%s: negative duration %q", f.key, f.val)
		}
	}
	return nil
}

// Duration parses a config duration string, falling back to def when empty.
// LoadConfig has already rejected malformed values; they also yield def here.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}
