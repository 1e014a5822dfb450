// Package config loads the goveed daemon configuration from YAML, with
// ${VAR} and ${VAR:default} environment expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	Govee           GoveeConfig    `yaml:"govee"`
	Poll            PollConfig     `yaml:"poll"`
	Learning        LearningConfig `yaml:"learning"`
	Log             LogConfig      `yaml:"log"`
	EventBus        EventBusConfig `yaml:"eventbus"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout"`
}

// GoveeConfig holds the API connection settings.
type GoveeConfig struct {
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`

	RateLimitReserve int     `yaml:"rate_limit_reserve"`
	RateLimitRPS     float64 `yaml:"rate_limit_rps"`

	// OfflineIsOff, when present, overrides every device's own flag.
	OfflineIsOff *bool `yaml:"offline_is_off"`
	// IgnoreAttributes disables (source, attribute) pairs, e.g.
	// "HISTORY:brightness;API:power_state".
	IgnoreAttributes string `yaml:"ignore_attributes"`
}

// PollConfig controls the state poll loop.
type PollConfig struct {
	Interval Duration `yaml:"interval"`
	// RediscoverInterval re-runs device discovery to pick up new devices.
	RediscoverInterval Duration `yaml:"rediscover_interval"`
}

// LearningConfig selects where learned device parameters persist.
type LearningConfig struct {
	// Storage is one of "sqlite", "json" or "memory".
	Storage string `yaml:"storage"`
	Path    string `yaml:"path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string `yaml:"level"`
	UseJSON bool   `yaml:"json"`
	Colors  bool   `yaml:"colors"`
}

// EventBusConfig sizes the event dispatch pool.
type EventBusConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	if cfg.Govee.APIKey == "" {
		return nil, fmt.Errorf("govee.api_key is required")
	}
	if cfg.Govee.Timeout == 0 {
		cfg.Govee.Timeout = Duration(30 * time.Second)
	}
	if cfg.Govee.RateLimitRPS == 0 {
		cfg.Govee.RateLimitRPS = 10.0
	}

	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = Duration(30 * time.Second)
	}
	if cfg.Poll.RediscoverInterval == 0 {
		cfg.Poll.RediscoverInterval = Duration(10 * time.Minute)
	}

	switch cfg.Learning.Storage {
	case "":
		cfg.Learning.Storage = "sqlite"
	case "sqlite", "json", "memory":
	default:
		return nil, fmt.Errorf("learning.storage %q must be sqlite, json or memory", cfg.Learning.Storage)
	}
	if cfg.Learning.Path == "" {
		cfg.Learning.Path = "./govee-learning.sqlite"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	return &cfg, nil
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 2
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 64
	}
	return c.QueueSize
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}
