// Package config defines the per-kind configuration envelope (pool sizing,
// health probing, timeouts, retry policy) and loads it from YAML with a
// default baseline and environment-variable overrides. The framework never
// parses CLI flags or owns process bootstrap; this package only defines the
// envelope shape and how to load one.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"resourcelife/health"
	"resourcelife/pool"
)

// RetryStrategy enumerates how retry delays grow between attempts.
type RetryStrategy int

const (
	Immediate RetryStrategy = iota
	Fixed
	Exponential
	ExponentialJitter
)

// retryStrategyNames supports YAML (un)marshaling as a string.
var retryStrategyNames = map[string]RetryStrategy{
	"immediate":          Immediate,
	"fixed":              Fixed,
	"exponential":        Exponential,
	"exponential_jitter": ExponentialJitter,
}

func (r RetryStrategy) String() string {
	for name, v := range retryStrategyNames {
		if v == r {
			return name
		}
	}
	return "immediate"
}

func (r RetryStrategy) MarshalYAML() (interface{}, error) { return r.String(), nil }

func (r *RetryStrategy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, ok := retryStrategyNames[strings.ToLower(s)]
	if !ok {
		return fmt.Errorf("config: unrecognized retry strategy %q", s)
	}
	*r = v
	return nil
}

// strategyNames supports YAML (un)marshaling of pool.Strategy as a string.
var strategyNames = map[string]pool.Strategy{
	"fifo":     pool.FIFO,
	"lifo":     pool.LIFO,
	"lru":      pool.LRU,
	"weighted": pool.Weighted,
	"adaptive": pool.Adaptive,
}

func strategyName(s pool.Strategy) string {
	for name, v := range strategyNames {
		if v == s {
			return name
		}
	}
	return "fifo"
}

// yamlStrategy adapts pool.Strategy to YAML since the pool package itself
// stays free of a yaml.v3 dependency (it has no reason to import it).
type yamlStrategy pool.Strategy

func (s yamlStrategy) MarshalYAML() (interface{}, error) { return strategyName(pool.Strategy(s)), nil }

func (s *yamlStrategy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	v, ok := strategyNames[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("config: unrecognized pool strategy %q", name)
	}
	*s = yamlStrategy(v)
	return nil
}

// RetryPolicy controls how many times an operation is attempted and how the
// delay between attempts grows.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Strategy    RetryStrategy `yaml:"strategy"`
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	Multiplier  float64       `yaml:"multiplier"`
}

// TimeoutConfig carries the per-kind operation deadlines.
type TimeoutConfig struct {
	DefaultOperationTimeout time.Duration  `yaml:"default_operation_timeout"`
	AcquireTimeoutOverride  *time.Duration `yaml:"acquire_timeout_override,omitempty"`
}

// PoolEnvelope is the YAML-facing mirror of pool.Config, spelled out with
// yaml tags and a named strategy rather than embedding pool.Config directly,
// so the pool package itself carries no serialization dependency.
type PoolEnvelope struct {
	MinSize             int           `yaml:"min_size"`
	MaxSize             int           `yaml:"max_size"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	MaxLifetime         time.Duration `yaml:"max_lifetime"`
	Strategy            yamlStrategy  `yaml:"strategy"`
	ValidationOnAcquire bool          `yaml:"validation_on_acquire"`
	ValidationOnRelease bool          `yaml:"validation_on_release"`
	HealthProbeInterval time.Duration `yaml:"health_probe_interval"`
	MaxConcurrentProbes int64         `yaml:"max_concurrent_probes"`
}

// FromPoolConfig converts a runtime pool.Config into its YAML-facing
// envelope form, for callers assembling an Envelope programmatically rather
// than from a file.
func FromPoolConfig(c pool.Config) PoolEnvelope {
	return PoolEnvelope{
		MinSize:             c.MinSize,
		MaxSize:             c.MaxSize,
		AcquireTimeout:      c.AcquireTimeout,
		IdleTimeout:         c.IdleTimeout,
		MaxLifetime:         c.MaxLifetime,
		Strategy:            yamlStrategy(c.Strategy),
		ValidationOnAcquire: c.ValidationOnAcquire,
		ValidationOnRelease: c.ValidationOnRelease,
		HealthProbeInterval: c.HealthProbeInterval,
		MaxConcurrentProbes: c.MaxConcurrentProbes,
	}
}

// ToPoolConfig converts the envelope to the pool package's runtime Config.
func (e PoolEnvelope) ToPoolConfig() pool.Config {
	return pool.Config{
		MinSize:             e.MinSize,
		MaxSize:             e.MaxSize,
		AcquireTimeout:      e.AcquireTimeout,
		IdleTimeout:         e.IdleTimeout,
		MaxLifetime:         e.MaxLifetime,
		ValidationOnAcquire: e.ValidationOnAcquire,
		ValidationOnRelease: e.ValidationOnRelease,
		Strategy:            pool.Strategy(e.Strategy),
		HealthProbeInterval: e.HealthProbeInterval,
		MaxConcurrentProbes: e.MaxConcurrentProbes,
	}
}

// HealthEnvelope is the YAML-facing mirror of health.Config.
type HealthEnvelope struct {
	ProbeInterval                   time.Duration `yaml:"probe_interval"`
	ProbeTimeout                    time.Duration `yaml:"probe_timeout"`
	ConsecutiveFailuresToQuarantine uint32        `yaml:"consecutive_failures_to_quarantine"`
	RecoveryBackoff                 time.Duration `yaml:"recovery_backoff"`
}

func (e HealthEnvelope) ToHealthConfig() health.Config {
	return health.Config{
		ProbeInterval:                   e.ProbeInterval,
		ProbeTimeout:                    e.ProbeTimeout,
		ConsecutiveFailuresToQuarantine: e.ConsecutiveFailuresToQuarantine,
		RecoveryBackoff:                 e.RecoveryBackoff,
	}
}

// KindConfig is the per-kind configuration block: {pool, health, timeouts,
// retry}.
type KindConfig struct {
	Pool     PoolEnvelope   `yaml:"pool"`
	Health   HealthEnvelope `yaml:"health"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Retry    RetryPolicy    `yaml:"retry"`
}

// ManagerConfig controls manager-wide, not per-kind, behavior.
type ManagerConfig struct {
	ShutdownDrainTimeout time.Duration `yaml:"shutdown_drain_timeout"`
}

// Envelope is the root configuration document: per-kind blocks keyed by the
// kind's UniqueKey ("name@version"), plus manager-wide settings.
type Envelope struct {
	Manager ManagerConfig         `yaml:"manager"`
	Kinds   map[string]KindConfig `yaml:"kinds"`
}

// DefaultEnvelope returns a safe baseline an application can start from and
// override per kind.
func DefaultEnvelope() *Envelope {
	return &Envelope{
		Manager: ManagerConfig{ShutdownDrainTimeout: 30 * time.Second},
		Kinds:   make(map[string]KindConfig),
	}
}

// HasKind reports whether an explicit per-kind block was declared for
// kindKey, as opposed to ForKind falling back to defaults.
func (e *Envelope) HasKind(kindKey string) bool {
	_, ok := e.Kinds[kindKey]
	return ok
}

// ForKind returns the configured block for kindKey, or a reasonable default
// block (pool.DefaultConfig(4), health.DefaultConfig()) if none was declared.
func (e *Envelope) ForKind(kindKey string) KindConfig {
	if kc, ok := e.Kinds[kindKey]; ok {
		return kc
	}
	defaultPool := pool.DefaultConfig(4)
	return KindConfig{
		Pool: PoolEnvelope{
			MinSize:             defaultPool.MinSize,
			MaxSize:             defaultPool.MaxSize,
			AcquireTimeout:      defaultPool.AcquireTimeout,
			IdleTimeout:         defaultPool.IdleTimeout,
			MaxLifetime:         defaultPool.MaxLifetime,
			Strategy:            yamlStrategy(defaultPool.Strategy),
			ValidationOnAcquire: defaultPool.ValidationOnAcquire,
			ValidationOnRelease: defaultPool.ValidationOnRelease,
			HealthProbeInterval: defaultPool.HealthProbeInterval,
			MaxConcurrentProbes: defaultPool.MaxConcurrentProbes,
		},
		Health: HealthEnvelope{
			ProbeInterval:                   health.DefaultConfig().ProbeInterval,
			ProbeTimeout:                    health.DefaultConfig().ProbeTimeout,
			ConsecutiveFailuresToQuarantine: health.DefaultConfig().ConsecutiveFailuresToQuarantine,
			RecoveryBackoff:                 health.DefaultConfig().RecoveryBackoff,
		},
		Timeouts: TimeoutConfig{DefaultOperationTimeout: 10 * time.Second},
		Retry:    RetryPolicy{MaxAttempts: 1, Strategy: Immediate},
	}
}

// Load tries RESOURCELIFE_CONFIG_PATH or a handful of conventional
// locations, falls back to DefaultEnvelope(), then applies
// environment-variable overrides.
func Load() (*Envelope, error) {
	if path := configPath(); path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			var env Envelope
			if err := yaml.Unmarshal(data, &env); err != nil {
				return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
			}
			applyEnvOverrides(&env)
			return &env, nil
		}
	}
	env := DefaultEnvelope()
	applyEnvOverrides(env)
	return env, nil
}

// yamlUnmarshalEnvelope parses data into env, shared by Load and Watcher so
// both use exactly the same YAML semantics.
func yamlUnmarshalEnvelope(data []byte, env *Envelope) error {
	return yaml.Unmarshal(data, env)
}

func configPath() string {
	if path := os.Getenv("RESOURCELIFE_CONFIG_PATH"); path != "" {
		return path
	}
	for _, candidate := range []string{
		"./resourcelife.yaml",
		"./resourcelife.yml",
		"./config/resourcelife.yaml",
		"/etc/resourcelife/config.yaml",
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// applyEnvOverrides applies manager-wide environment overrides. Per-kind
// overrides are the caller's responsibility (there is no fixed set of kind
// names the core can know about ahead of time).
func applyEnvOverrides(env *Envelope) {
	if val := os.Getenv("RESOURCELIFE_SHUTDOWN_DRAIN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			env.Manager.ShutdownDrainTimeout = d
		}
	}
}
