// Package config loads planwright.toml and resolves named environments.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/planwright/planwright/internal/executor"
	"github.com/planwright/planwright/internal/logging"
)

// FileName is the project configuration file looked up from the working
// directory upwards.
const FileName = "planwright.toml"

const (
	defaultEnvironmentName = "local"
	defaultSampleRows      = 10
)

// Duration is a time.Duration written as a string such as "2s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// EnvironmentConfig describes a single named environment from planwright.toml.
// Secrets normally come from .env.<name> instead.
type EnvironmentConfig struct {
	DatabricksHost     string `toml:"databricks_host"`
	DatabricksPort     int    `toml:"databricks_port"`
	DatabricksHTTPPath string `toml:"databricks_http_path"`
	DatabricksToken    string `toml:"databricks_token"`
	StoreURL           string `toml:"store_url"`
}

type GuardrailsConfig struct {
	AllowCrossCatalog bool `toml:"allow_cross_catalog"`
}

// RetryConfig tunes backoff between statement retries. The number of retries
// comes from each plan's execution_config.
type RetryConfig struct {
	BaseDelay    Duration `toml:"base_delay"`
	MaxDelay     Duration `toml:"max_delay"`
	Multiplier   float64  `toml:"multiplier"`
	PollInterval Duration `toml:"poll_interval"`
	// Jitter defaults to true when unset.
	Jitter *bool `toml:"jitter"`
}

type PreviewConfig struct {
	SampleRows int `toml:"sample_rows"`
}

type Config struct {
	DefaultEnvironment string                       `toml:"default_environment"`
	Guardrails         GuardrailsConfig             `toml:"guardrails"`
	Retry              RetryConfig                  `toml:"retry"`
	Logging            logging.Config               `toml:"logging"`
	Preview            PreviewConfig                `toml:"preview"`
	Environments       map[string]EnvironmentConfig `toml:"environments"`
	ConfigFilePath     string                       `toml:"-"`

	configDir string
}

// ConfigDir is the directory holding the config file, or empty when no file
// was found.
func (c *Config) ConfigDir() string {
	if c.configDir != "" {
		return c.configDir
	}
	if c.ConfigFilePath != "" {
		return filepath.Dir(c.ConfigFilePath)
	}
	return ""
}

// LoadConfig looks for planwright.toml in the working directory and its
// parents, stopping at the first project root. A missing file yields an empty
// config.
func LoadConfig() (*Config, error) {
	startDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return LoadConfigFrom(startDir)
}

// LoadConfigFrom is LoadConfig starting at dir.
func LoadConfigFrom(startDir string) (*Config, error) {
	dir := startDir
	for {
		configPath := filepath.Join(dir, FileName)
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", configPath, err)
			}

			config, err := Parse(data)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
			}
			config.ConfigFilePath = configPath
			config.configDir = dir
			return config, nil
		}

		// Check if we've reached a project boundary
		if isProjectRoot(dir) {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return &Config{}, nil
}

// Parse decodes and validates a planwright.toml document. Unknown keys are
// errors so typos do not silently fall back to defaults.
func Parse(data []byte) (*Config, error) {
	var config Config
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&config); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("toml: %s", strict.String())
		}
		return nil, fmt.Errorf("toml: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 || c.Retry.PollInterval < 0 {
		errs = append(errs, errors.New("retry: delays must not be negative"))
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier))
	}
	if c.Retry.BaseDelay > 0 && c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.max_delay must not be less than retry.base_delay"))
	}
	if c.Preview.SampleRows < 0 {
		errs = append(errs, fmt.Errorf("preview.sample_rows must not be negative, got %d", c.Preview.SampleRows))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// RetryPolicy returns the executor retry policy described by [retry].
func (c *Config) RetryPolicy() executor.RetryPolicy {
	policy := executor.DefaultRetryPolicy()
	if c.Retry.BaseDelay > 0 {
		policy.BaseDelay = time.Duration(c.Retry.BaseDelay)
	}
	if c.Retry.MaxDelay > 0 {
		policy.MaxDelay = time.Duration(c.Retry.MaxDelay)
	}
	if c.Retry.Multiplier >= 1 {
		policy.Multiplier = c.Retry.Multiplier
	}
	if c.Retry.Jitter != nil {
		policy.Jitter = *c.Retry.Jitter
	}
	return policy
}

// PollInterval returns how often running statements are polled.
func (c *Config) PollInterval() time.Duration {
	if c.Retry.PollInterval > 0 {
		return time.Duration(c.Retry.PollInterval)
	}
	return executor.DefaultPollInterval
}

// SampleRows returns the preview sample size.
func (c *Config) SampleRows() int {
	if c.Preview.SampleRows > 0 {
		return c.Preview.SampleRows
	}
	return defaultSampleRows
}

// isProjectRoot checks if the directory is a project root based on common markers
func isProjectRoot(dir string) bool {
	for _, marker := range []string{".git", "go.mod", "package.json"} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}
