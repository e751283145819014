package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models migratory.yml.
type Config struct {
	Stack string `yaml:"stack"`
	Log   struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Daemon struct {
		MaxConcurrentJobs  int           `yaml:"max_concurrent_jobs"`
		PublishInterval    time.Duration `yaml:"publish_interval"`
		TempDir            string        `yaml:"temp_dir"`
		DeadlockRetryDelay time.Duration `yaml:"deadlock_retry_delay"`
	} `yaml:"daemon"`
	Archive ArchiveConfig `yaml:"archive"`
	Auth    struct {
		Admins      []string `yaml:"admins"`
		TokenSecret string   `yaml:"token_secret"`
	} `yaml:"auth"`
	Entities struct {
		RootID    string   `yaml:"root_id"`
		NodeTypes []string `yaml:"node_types"`
	} `yaml:"entities"`
	Migration struct {
		BatchSize    int           `yaml:"batch_size"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Timeout      time.Duration `yaml:"timeout"`
		// MaxRetries is the number of whole-store passes before a migration gives up.
		MaxRetries int `yaml:"max_retries"`
		// RetryDenominator splits a failed batch into this many sub-batches. 1 disables splitting.
		RetryDenominator int `yaml:"retry_denominator"`
	} `yaml:"migration"`
	Metrics struct {
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
}

// ArchiveConfig selects where backup archives are kept.
type ArchiveConfig struct {
	Kind            string `yaml:"kind"`
	Dir             string `yaml:"dir"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	CredentialsFile string `yaml:"credentials_file"`
}

const (
	ArchiveFile = "file"
	ArchiveS3   = "s3"
	ArchiveGCS  = "gcs"
)

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true, "fatal": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with mg config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Stack == "" {
		return fmt.Errorf("config.stack is required")
	}
	if strings.ContainsAny(c.Stack, `/\ `) {
		return fmt.Errorf("config.stack must not contain slashes or spaces")
	}
	if c.Log.Level != "" && !logLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("config.log.level %q is not a known level", c.Log.Level)
	}
	if c.Daemon.MaxConcurrentJobs < 1 {
		return fmt.Errorf("config.daemon.max_concurrent_jobs must be at least 1")
	}
	if c.Daemon.PublishInterval <= 0 {
		return fmt.Errorf("config.daemon.publish_interval must be positive")
	}
	if c.Daemon.DeadlockRetryDelay < 0 {
		return fmt.Errorf("config.daemon.deadlock_retry_delay must not be negative")
	}
	switch c.Archive.Kind {
	case ArchiveFile:
		if c.Archive.Dir == "" {
			return fmt.Errorf("config.archive.dir is required for file archives")
		}
	case ArchiveS3, ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("config.archive.bucket is required for %s archives", c.Archive.Kind)
		}
	default:
		return fmt.Errorf("config.archive.kind must be one of file, s3, gcs")
	}
	if len(c.Auth.Admins) == 0 {
		return fmt.Errorf("config.auth.admins must list at least one administrator")
	}
	for _, a := range c.Auth.Admins {
		if a == "" {
			return fmt.Errorf("config.auth.admins contains an empty id")
		}
	}
	if len(c.Entities.NodeTypes) == 0 {
		return fmt.Errorf("config.entities.node_types is required")
	}
	if c.Migration.BatchSize < 1 {
		return fmt.Errorf("config.migration.batch_size must be at least 1")
	}
	if c.Migration.PollInterval <= 0 || c.Migration.Timeout <= 0 {
		return fmt.Errorf("config.migration.poll_interval and timeout must be positive")
	}
	if c.Migration.MaxRetries < 0 || c.Migration.RetryDenominator < 0 {
		return fmt.Errorf("config.migration.max_retries and retry_denominator must not be negative")
	}
	return nil
}

// IsAdmin reports whether the caller id is listed as administrator.
func (c *Config) IsAdmin(id string) bool {
	for _, a := range c.Auth.Admins {
		if a == id {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "migratory.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(stack string) string {
	return fmt.Sprintf(defaultTemplate, stack)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a stack.
func Default(stack string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, stack))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config back to YAML.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const defaultTemplate = `stack: %s

log:
  level: info

daemon:
  max_concurrent_jobs: 4
  publish_interval: 500ms
  temp_dir: ""
  deadlock_retry_delay: 100ms

archive:
  kind: file
  dir: .migratory/archives

auth:
  admins: [migration-admin]
  token_secret: ""

entities:
  root_id: root
  node_types: [project, folder, file, study, dataset, table, link]

migration:
  batch_size: 100
  poll_interval: 1s
  timeout: 30m
  max_retries: 3
  retry_denominator: 4

metrics:
  textfile: ""
`
