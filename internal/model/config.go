package model

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Defaults for the worker pool configuration surface.
const (
	DefaultWorkers     = 4
	DefaultUnitTimeout = 900 * time.Second
	DefaultSoftMargin  = 60 * time.Second
)

// Config models gauntlet.yaml.
type Config struct {
	Verbose bool `mapstructure:"verbose" yaml:"verbose"`

	Pool    PoolConfig      `mapstructure:"pool" yaml:"pool"`
	Store   StoreConfig     `mapstructure:"store" yaml:"store"`
	Results ResultsConfig   `mapstructure:"results" yaml:"results"`
	Server  ServerConfig    `mapstructure:"server" yaml:"server"`
	Service []ServiceConfig `mapstructure:"services" yaml:"services"`
}

// PoolConfig is the worker pool configuration surface: slot count, per-unit
// hard timeout, soft-cancellation margin and the opt-in single retry of
// failed subtasks.
type PoolConfig struct {
	Workers     int           `mapstructure:"workers" yaml:"workers"`
	UnitTimeout time.Duration `mapstructure:"unit_timeout" yaml:"unit_timeout"`
	SoftMargin  time.Duration `mapstructure:"soft_margin" yaml:"soft_margin"`
	RetryFailed bool          `mapstructure:"retry_failed" yaml:"retry_failed"`
}

type StoreConfig struct {
	// Path of the sqlite database file; empty selects the in-memory store.
	Path string `mapstructure:"path" yaml:"path"`
}

type ResultsConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

type ServerConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

// ServiceConfig declares one analyzer service: the tools it owns and the
// command gauntlet invokes to run its share of a request.
type ServiceConfig struct {
	Name    string            `mapstructure:"name" yaml:"name"`
	Tools   []string          `mapstructure:"tools" yaml:"tools"`
	Enabled bool              `mapstructure:"enabled" yaml:"enabled"`
	Command CommandConfig     `mapstructure:"command" yaml:"command"`
	Env     map[string]string `mapstructure:"env" yaml:"env,omitempty"`
}

type CommandConfig struct {
	Path string   `mapstructure:"path" yaml:"path"`
	Args []string `mapstructure:"args" yaml:"args,omitempty"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	return Config{
		Pool: PoolConfig{
			Workers:     DefaultWorkers,
			UnitTimeout: DefaultUnitTimeout,
			SoftMargin:  DefaultSoftMargin,
		},
		Store:   StoreConfig{Path: "gauntlet.db"},
		Results: ResultsConfig{Dir: "results"},
		Server:  ServerConfig{Addr: ":8640", BasePath: "/v1"},
	}
}

// ParseConfig decodes the already-loaded viper state into a Config and
// applies defaults for anything left unset.
func ParseConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Pool.Workers == 0 {
		c.Pool.Workers = DefaultWorkers
	}
	if c.Pool.UnitTimeout == 0 {
		c.Pool.UnitTimeout = DefaultUnitTimeout
	}
	if c.Pool.SoftMargin == 0 {
		c.Pool.SoftMargin = DefaultSoftMargin
	}
	if c.Results.Dir == "" {
		c.Results.Dir = "results"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8640"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v1"
	}
}

// Validate checks the config invariants the engine relies on.
func (c Config) Validate() error {
	if c.Pool.Workers < 1 {
		return fmt.Errorf("pool.workers must be positive, got %d", c.Pool.Workers)
	}
	if c.Pool.UnitTimeout <= 0 {
		return fmt.Errorf("pool.unit_timeout must be positive, got %s", c.Pool.UnitTimeout)
	}
	if c.Pool.SoftMargin < 0 || c.Pool.SoftMargin >= c.Pool.UnitTimeout {
		return fmt.Errorf("pool.soft_margin must be shorter than pool.unit_timeout")
	}
	seen := make(map[string]string) // tool -> service
	names := make(map[string]bool)
	for _, svc := range c.Service {
		if svc.Name == "" {
			return fmt.Errorf("services[].name is required")
		}
		if names[svc.Name] {
			return fmt.Errorf("service %q declared twice", svc.Name)
		}
		names[svc.Name] = true
		if len(svc.Tools) == 0 {
			return fmt.Errorf("service %q owns no tools", svc.Name)
		}
		for _, tool := range svc.Tools {
			if owner, ok := seen[tool]; ok {
				return fmt.Errorf("tool %q owned by both %q and %q", tool, owner, svc.Name)
			}
			seen[tool] = svc.Name
		}
	}
	return nil
}
