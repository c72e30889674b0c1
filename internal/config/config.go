package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings of the replication consumer. Zero values in a
// YAML file leave the defaults in place; CLI flags override both.
type Config struct {
	// Replication settings
	Source           string        `yaml:"source"`             // named source or base URL
	StateFile        string        `yaml:"state_file"`         // local cursor file
	Interval         time.Duration `yaml:"interval"`           // 0 = interval of the source
	Skew             time.Duration `yaml:"skew"`               // publication lag added to every wait
	StateRetryDelay  time.Duration `yaml:"state_retry_delay"`  // backoff while the next state is missing
	BatchRetryDelay  time.Duration `yaml:"batch_retry_delay"`  // backoff after a failed batch download
	MaxBatchFailures int           `yaml:"max_batch_failures"` // 0 = retry forever
	Strict           bool          `yaml:"strict"`             // halt on malformed batches
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	UserAgent        string        `yaml:"user_agent"`

	// Output settings
	JSONOutput string `yaml:"json_output"` // empty disables current.json
	ParquetDir string `yaml:"parquet_dir"` // empty disables parquet output
	FilterFile string `yaml:"filter"`      // Lua filter script

	// Database settings, used when DBName is set
	DBHost     string `yaml:"db_host"`
	DBPort     int    `yaml:"db_port"`
	DBName     string `yaml:"db_name"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBSchema   string `yaml:"db_schema"`

	// Logging and metrics
	LogFile         string        `yaml:"log_file"`         // empty = no file logging
	Verbose         bool          `yaml:"verbose"`
	MetricsAddr     string        `yaml:"metrics_addr"`     // empty disables /metrics
	MetricsInterval time.Duration `yaml:"metrics_interval"` // system metrics sampling
}

// DefaultConfig returns a configuration following the planet minutely feed
func DefaultConfig() *Config {
	return &Config{
		Source:          "minute",
		StateFile:       "state.txt",
		Skew:            13 * time.Second,
		StateRetryDelay: 15 * time.Second,
		BatchRetryDelay: 15 * time.Second,
		Strict:          true,
		HTTPTimeout:     60 * time.Second,
		JSONOutput:      "current.json",
		DBHost:          "localhost",
		DBPort:          5432,
		DBUser:          "postgres",
		DBSchema:        "public",
		MetricsInterval: 30 * time.Second,
	}
}

// Load reads a YAML config file on top of the defaults
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// PostgresEnabled reports whether stats are written to PostgreSQL
func (c *Config) PostgresEnabled() bool {
	return c.DBName != ""
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	return connStr
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source is required")
	}
	if c.StateFile == "" {
		return fmt.Errorf("state file is required")
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must not be negative")
	}
	if c.Skew < 0 {
		return fmt.Errorf("skew must not be negative")
	}
	if c.StateRetryDelay < time.Second || c.BatchRetryDelay < time.Second {
		return fmt.Errorf("retry delays must be at least 1s")
	}
	if c.MaxBatchFailures < 0 {
		return fmt.Errorf("max batch failures must not be negative")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http timeout must be positive")
	}
	if c.PostgresEnabled() && (c.DBPort < 1 || c.DBPort > 65535) {
		return fmt.Errorf("invalid database port %d", c.DBPort)
	}
	return nil
}
