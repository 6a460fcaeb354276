// Package config loads the service runtime configuration: a YAML file
// followed by BRIDGE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/service_bridge/internal/engine/admission"
	"github.com/R3E-Network/service_bridge/internal/engine/recovery"
	"github.com/R3E-Network/service_bridge/internal/fakes"
)

// DefaultPort is the node API port used when none is configured.
const DefaultPort = 6300

// Config is the service runtime configuration.
type Config struct {
	Runtime RuntimeConfig `yaml:"runtime"`
	Service ServiceConfig `yaml:"service"`
	Log     LogConfig     `yaml:"log"`

	// Recovery controls retries of services whose initialization failed.
	Recovery recovery.Config `yaml:"recovery"`

	// Admission bounds API requests queued for the managed runtime, per
	// operation kind. Kinds left out are not limited.
	Admission map[admission.Kind]admission.LimiterConfig `yaml:"admission"`
}

// RuntimeConfig controls the managed runtime.
type RuntimeConfig struct {
	// Debug lowers the log level to debug and forwards managed console
	// output to the logger.
	Debug bool `yaml:"debug"`

	// ClassPath lists .js files or directories of them, loaded in order.
	ClassPath []string `yaml:"class_path"`

	// EmbeddedFakes loads the built-in fakes before the class path.
	EmbeddedFakes bool `yaml:"embedded_fakes"`
}

// ServiceConfig names the service module and the node API port.
type ServiceConfig struct {
	ModuleName string `yaml:"module_name"`
	Port       int    `yaml:"port"`

	// RateLimit bounds write requests per second per client; 0 disables
	// limiting.
	RateLimit int `yaml:"rate_limit"`
	RateBurst int `yaml:"rate_burst"`

	// BlockSchedule is a cron spec ("@every 2s", "*/5 * * * *") on which
	// the node commits blocks by itself; empty leaves commits to the API.
	BlockSchedule string `yaml:"block_schedule"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// envOverrides holds the raw BRIDGE_* variables.
type envOverrides struct {
	Debug     string `env:"BRIDGE_DEBUG"`
	ClassPath string `env:"BRIDGE_CLASS_PATH"`
	Module    string `env:"BRIDGE_MODULE"`
	Port      string `env:"BRIDGE_PORT"`
	LogLevel  string `env:"BRIDGE_LOG_LEVEL"`
	LogFormat string `env:"BRIDGE_LOG_FORMAT"`
	Schedule  string `env:"BRIDGE_BLOCK_SCHEDULE"`
}

// Default returns the configuration used when no file is given: the
// embedded fakes and their counter service module.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{EmbeddedFakes: true},
		Service: ServiceConfig{
			ModuleName: fakes.TestServiceModule,
			Port:       DefaultPort,
		},
		Log:      LogConfig{Level: "info", Format: "text"},
		Recovery: recovery.DefaultConfig(),
		Admission: map[admission.Kind]admission.LimiterConfig{
			admission.KindSubmit: admission.DefaultLimiterConfig(),
			admission.KindCommit: admission.DefaultLimiterConfig(),
		},
	}
}

// Load reads path, applies environment overrides and validates the result.
// An empty path starts from Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if cfg.Service.Port == 0 {
			cfg.Service.Port = DefaultPort
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from BRIDGE_* environment variables.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("failed to decode environment: %w", err)
	}

	if env.Debug != "" {
		debug, err := strconv.ParseBool(env.Debug)
		if err != nil {
			return fmt.Errorf("BRIDGE_DEBUG: %w", err)
		}
		c.Runtime.Debug = debug
	}
	if env.ClassPath != "" {
		c.Runtime.ClassPath = splitClassPath(env.ClassPath)
	}
	if env.Module != "" {
		c.Service.ModuleName = env.Module
	}
	if env.Port != "" {
		port, err := strconv.Atoi(env.Port)
		if err != nil {
			return fmt.Errorf("BRIDGE_PORT: %w", err)
		}
		c.Service.Port = port
	}
	if env.Schedule != "" {
		c.Service.BlockSchedule = env.Schedule
	}
	if env.LogLevel != "" {
		c.Log.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		c.Log.Format = env.LogFormat
	}
	return nil
}

// Validate checks that the configuration can boot a runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Service.ModuleName) == "" {
		return errors.New("service.module_name is required")
	}
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("service.port %d out of range 1..65535", c.Service.Port)
	}
	if !c.Runtime.EmbeddedFakes && len(c.Runtime.ClassPath) == 0 {
		return errors.New("runtime.class_path is empty and embedded fakes are disabled: nothing to load")
	}
	if c.Service.RateLimit < 0 || c.Service.RateBurst < 0 {
		return errors.New("service.rate_limit and service.rate_burst must not be negative")
	}
	if c.Service.BlockSchedule != "" {
		if _, err := cron.ParseStandard(c.Service.BlockSchedule); err != nil {
			return fmt.Errorf("service.block_schedule: %w", err)
		}
	}
	switch c.Recovery.Strategy {
	case recovery.StrategyRestart, recovery.StrategyBackoff, recovery.StrategyCircuitBreaker, recovery.StrategyNone:
	default:
		return fmt.Errorf("recovery.strategy %q: want restart, backoff, circuit_breaker or none", c.Recovery.Strategy)
	}
	if c.Recovery.MaxRetries < 0 || c.Recovery.InitialDelay < 0 || c.Recovery.MaxDelay < 0 {
		return errors.New("recovery.max_retries and recovery delays must not be negative")
	}
	// A failed attempt schedules the next one after initial_delay; with no
	// retry bound and no delay that never stops spinning.
	if c.Recovery.Strategy != recovery.StrategyNone && c.Recovery.MaxRetries == 0 && c.Recovery.InitialDelay == 0 {
		return errors.New("recovery: unlimited max_retries needs a non-zero initial_delay")
	}
	for kind, lc := range c.Admission {
		switch kind {
		case admission.KindRead, admission.KindSubmit, admission.KindCommit:
		default:
			return fmt.Errorf("admission.%s: want read, submit or commit", kind)
		}
		if lc.MaxConcurrent < 0 || lc.QueueSize < 0 || lc.AcquireTimeout < 0 {
			return fmt.Errorf("admission.%s: limits must not be negative", kind)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	return nil
}

// LogLevel returns the effective log level.
func (c *Config) LogLevel() string {
	if c.Runtime.Debug {
		return "debug"
	}
	return c.Log.Level
}

// Addr returns the listen address of the node API.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Service.Port)
}

func splitClassPath(s string) []string {
	var out []string
	for _, p := range strings.Split(s, string(os.PathListSeparator)) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
