// Package config loads autolandd's YAML configuration and watches it for changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML unmarshaling from strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the top-level autolandd configuration.
type Config struct {
	Tracker      TrackerConfig   `yaml:"tracker"`
	Oracle       OracleConfig    `yaml:"oracle"`
	Broker       BrokerConfig    `yaml:"broker"`
	Store        StoreConfig     `yaml:"store"`
	Branches     []BranchConfig  `yaml:"branches"`
	PollInterval Duration        `yaml:"poll_interval"`
	PumpInterval Duration        `yaml:"pump_interval"`
	MetricsAddr  string          `yaml:"metrics_addr"`
	LogLevel     string          `yaml:"log_level"`
	LogOutput    string          `yaml:"log_output"`
	LogMaxSizeMB int             `yaml:"log_max_size_mb"`
}

type TrackerConfig struct {
	BaseURL       string   `yaml:"base_url"`
	AttachmentURL string   `yaml:"attachment_url"`
	APIKeyEnv     string   `yaml:"api_key_env"`
	Timeout       Duration `yaml:"timeout"`
}

type OracleConfig struct {
	PolicyPath string   `yaml:"policy_path"`
	Timeout    Duration `yaml:"timeout"`
}

type BrokerConfig struct {
	Addr  string `yaml:"addr"`
	Queue string `yaml:"queue"`
}

type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

type BranchConfig struct {
	Name             string `yaml:"name"`
	RepoURL          string `yaml:"repo_url"`
	Threshold        int    `yaml:"threshold"`
	ApprovalRequired bool   `yaml:"approval_required"`
	PermissionGroup  string `yaml:"permission_group"`
}

const (
	defaultPollInterval = 30 * time.Second
	defaultPumpInterval = 5 * time.Second
	defaultTrackerTO    = 15 * time.Second
	defaultOracleTO     = 5 * time.Second
)

// Load reads, parses, defaults, and validates an autolandd config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = defaultPollInterval
	}
	if cfg.PumpInterval.Duration == 0 {
		cfg.PumpInterval.Duration = defaultPumpInterval
	}
	if cfg.Tracker.Timeout.Duration == 0 {
		cfg.Tracker.Timeout.Duration = defaultTrackerTO
	}
	if cfg.Oracle.Timeout.Duration == 0 {
		cfg.Oracle.Timeout.Duration = defaultOracleTO
	}
	if cfg.Broker.Queue == "" {
		cfg.Broker.Queue = "hgpusher"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.Tracker.BaseURL == "" {
		errs = append(errs, errors.New("tracker.base_url is required"))
	}
	if cfg.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if cfg.Broker.Addr == "" {
		errs = append(errs, errors.New("broker.addr is required"))
	}
	if len(cfg.Branches) == 0 {
		errs = append(errs, errors.New("at least one branch must be configured"))
	}
	seen := make(map[string]bool, len(cfg.Branches))
	for _, b := range cfg.Branches {
		if b.Name == "" {
			errs = append(errs, errors.New("branches[].name is required"))
			continue
		}
		if seen[b.Name] {
			errs = append(errs, fmt.Errorf("duplicate branch name %q", b.Name))
		}
		seen[b.Name] = true
		if b.Threshold <= 0 {
			errs = append(errs, fmt.Errorf("branches[%s].threshold must be positive", b.Name))
		}
	}

	return errors.Join(errs...)
}

// APIKey resolves the tracker API key from the environment variable named
// by Tracker.APIKeyEnv. Returns an empty string if unset.
func (c *Config) APIKey() string {
	if c.Tracker.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Tracker.APIKeyEnv)
}
