// Package config loads oceangrid settings: defaults, then a config file,
// then OCEANGRID_* environment variables, then runtime overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/oceangrid/pkg/fetch"
	"github.com/3leaps/oceangrid/pkg/jobstate"
)

// Config is the decoded configuration.
type Config struct {
	DataRoot string `mapstructure:"data_root"`
	Workers  int    `mapstructure:"workers"`
	// RunsDir holds run registry records. Empty means
	// <data_root>/runs.
	RunsDir string `mapstructure:"runs_dir"`

	Logging LoggingConfig `mapstructure:"logging"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Stage   StageConfig   `mapstructure:"stage"`
	State   StateConfig   `mapstructure:"state"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Server  ServerConfig  `mapstructure:"server"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	S3      S3Config      `mapstructure:"s3"`

	// ConfigFile is the file that was read, if any.
	ConfigFile string `mapstructure:"-"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type FetchConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Backoff     time.Duration `mapstructure:"backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	RateLimit   float64       `mapstructure:"rate_limit"`
}

type StageConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

// StateConfig locates the job-state database. Path empty means
// <data_root>/state/jobs.db; URL selects a libsql server instead.
type StateConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// ServerConfig configures `oceangrid serve`.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type CatalogConfig struct {
	DSN string `mapstructure:"dsn"`
}

type S3Config struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// Validate checks ranges the decoder cannot.
func (c *Config) Validate() error {
	var problems []string
	if c.Workers < 1 {
		problems = append(problems, "workers must be >= 1")
	}
	if c.Fetch.MaxAttempts < 1 {
		problems = append(problems, "fetch.max_attempts must be >= 1")
	}
	if c.Fetch.Timeout <= 0 {
		problems = append(problems, "fetch.timeout must be positive")
	}
	if c.Fetch.Backoff < 0 || c.Fetch.MaxBackoff < c.Fetch.Backoff {
		problems = append(problems, "fetch.backoff must be >= 0 and <= fetch.max_backoff")
	}
	if c.Fetch.RateLimit < 0 {
		problems = append(problems, "fetch.rate_limit must be >= 0")
	}
	if c.Stage.Timeout < 0 {
		problems = append(problems, "stage.timeout must be >= 0")
	}
	if c.Stage.Retries < 0 {
		problems = append(problems, "stage.retries must be >= 0")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q must be console or json", c.Logging.Format))
	}
	for name, port := range map[string]int{"metrics.port": c.Metrics.Port, "server.port": c.Server.Port} {
		if port < 0 || port > 65535 {
			problems = append(problems, fmt.Sprintf("%s %d out of range", name, port))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// FetchDefaults converts the fetch section for pkg/fetch.
func (c *Config) FetchDefaults() fetch.Config {
	fc := fetch.DefaultConfig()
	fc.MaxAttempts = c.Fetch.MaxAttempts
	fc.Timeout = c.Fetch.Timeout
	fc.RateLimit = c.Fetch.RateLimit
	if c.Fetch.Backoff > 0 {
		fc.Backoff.Initial = c.Fetch.Backoff
	}
	if c.Fetch.MaxBackoff > 0 {
		fc.Backoff.Max = c.Fetch.MaxBackoff
	}
	return fc
}

// JobState returns the job-state database settings, defaulting the path
// under dataRoot.
func (c *Config) JobState(dataRoot string) jobstate.Config {
	if c.State.URL != "" {
		return jobstate.Config{URL: c.State.URL, AuthToken: c.State.AuthToken}
	}
	path := c.State.Path
	if path == "" && dataRoot != "" {
		path = filepath.Join(dataRoot, "state", "jobs.db")
	}
	return jobstate.Config{Path: path}
}
