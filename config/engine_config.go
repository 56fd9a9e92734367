package config

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
	env "oss.nandlabs.io/golly/config"
)

// Duration is a time.Duration that decodes from YAML duration strings like
// "250ms" or "1m30s", which yaml.v3 does not handle for time.Duration
// directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LockingConfig holds the per-key lease timings the lock manager uses.
type LockingConfig struct {
	ExtensionSeconds int      `yaml:"extensionSeconds"`
	RefreshThreshold Duration `yaml:"refreshThreshold"`
}

// InstanceConfig holds heartbeat timings for the instance registrar.
type InstanceConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout  Duration `yaml:"heartbeatTimeout"`
}

// PartitionsConfig holds the rebalance cadence for the partition coordinator.
type PartitionsConfig struct {
	RebalanceInterval Duration `yaml:"rebalanceInterval"`
}

// FixedRetryConfig configures the "fixed" retry policy.
type FixedRetryConfig struct {
	Delay Duration `yaml:"delay"`
}

// ExponentialRetryConfig configures the "exponential" retry policy.
type ExponentialRetryConfig struct {
	InitialDelay Duration `yaml:"initialDelay"`
	Multiplier   float64  `yaml:"multiplier"`
	MaxDelay     Duration `yaml:"maxDelay"`
}

// RetryConfig selects and tunes the dispatcher's retry policy.
type RetryConfig struct {
	Policy            string                 `yaml:"policy"` // "fixed" | "exponential"
	MaxRetries        int                    `yaml:"maxRetries"`
	Fixed             FixedRetryConfig       `yaml:"fixed"`
	Exponential       ExponentialRetryConfig `yaml:"exponential"`
	Jitter            Duration               `yaml:"jitter"`
	IncludeExceptions []string               `yaml:"includeExceptions"`
	ExcludeExceptions []string               `yaml:"excludeExceptions"`
}

// SchemaConfig names the persistence layer's table namespace. It is opaque
// to the engine and consumed only by persistence adapters (storepg).
type SchemaConfig struct {
	Name        string `yaml:"name"`
	TablePrefix string `yaml:"tablePrefix"`
}

// EngineConfig is the dispatcher's complete configuration surface, with
// every option defaulted so a zero-value-but-for-the-database EngineConfig
// is still runnable.
type EngineConfig struct {
	Enabled                 bool             `yaml:"enabled"`
	PollInterval            Duration         `yaml:"pollInterval"`
	BatchSize               int              `yaml:"batchSize"`
	PartitionCount          int              `yaml:"partitionCount"`
	ConcurrencyLimit        int              `yaml:"concurrencyLimit"`
	GracefulShutdownTimeout Duration         `yaml:"gracefulShutdownTimeout"`
	Locking                 LockingConfig    `yaml:"locking"`
	Instance                InstanceConfig   `yaml:"instance"`
	Partitions              PartitionsConfig `yaml:"partitions"`
	Retry                   RetryConfig      `yaml:"retry"`
	Schema                  SchemaConfig     `yaml:"schema"`
}

// Default returns the option set with every default applied.
func Default() EngineConfig {
	return EngineConfig{
		Enabled:                 true,
		PollInterval:            Duration(5 * time.Second),
		BatchSize:               64,
		PartitionCount:          16,
		ConcurrencyLimit:        10,
		GracefulShutdownTimeout: Duration(30 * time.Second),
		Locking: LockingConfig{
			ExtensionSeconds: 30,
			RefreshThreshold: Duration(10 * time.Second),
		},
		Instance: InstanceConfig{
			HeartbeatInterval: Duration(10 * time.Second),
			HeartbeatTimeout:  Duration(30 * time.Second),
		},
		Partitions: PartitionsConfig{
			RebalanceInterval: Duration(15 * time.Second),
		},
		Retry: RetryConfig{
			Policy:     "exponential",
			MaxRetries: 5,
			Fixed:      FixedRetryConfig{Delay: Duration(time.Second)},
			Exponential: ExponentialRetryConfig{
				InitialDelay: Duration(500 * time.Millisecond),
				Multiplier:   2,
				MaxDelay:     Duration(time.Minute),
			},
			Jitter: Duration(250 * time.Millisecond),
		},
	}
}

// LoadYAML decodes r as YAML over a copy of Default(), so any field the
// document omits keeps its default value.
func LoadYAML(r io.Reader) (EngineConfig, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return EngineConfig{}, fmt.Errorf("config: decoding engine config: %w", err)
	}
	return cfg, nil
}

// FromEnv overlays environment variables named OUTBOXD_<UPPER_SNAKE_FIELD>
// onto Default(), following the same GetEnvAs* convention the rest of this
// package uses for scalar settings. Only the flat top-level duration/int/
// bool fields are environment-overridable; structured nesting (Locking,
// Retry, ...) is expected to come from YAML.
func FromEnv() (EngineConfig, error) {
	cfg := Default()
	var err error

	cfg.Enabled, err = env.GetEnvAsBool("OUTBOXD_ENABLED", cfg.Enabled)
	if err != nil {
		return cfg, err
	}

	pollSeconds, err := env.GetEnvAsInt("OUTBOXD_POLL_INTERVAL_SECONDS", int(cfg.PollInterval.Std().Seconds()))
	if err != nil {
		return cfg, err
	}
	cfg.PollInterval = Duration(time.Duration(pollSeconds) * time.Second)

	cfg.BatchSize, err = env.GetEnvAsInt("OUTBOXD_BATCH_SIZE", cfg.BatchSize)
	if err != nil {
		return cfg, err
	}
	cfg.PartitionCount, err = env.GetEnvAsInt("OUTBOXD_PARTITION_COUNT", cfg.PartitionCount)
	if err != nil {
		return cfg, err
	}
	cfg.ConcurrencyLimit, err = env.GetEnvAsInt("OUTBOXD_CONCURRENCY_LIMIT", cfg.ConcurrencyLimit)
	if err != nil {
		return cfg, err
	}

	shutdownSeconds, err := env.GetEnvAsInt("OUTBOXD_GRACEFUL_SHUTDOWN_SECONDS", int(cfg.GracefulShutdownTimeout.Std().Seconds()))
	if err != nil {
		return cfg, err
	}
	cfg.GracefulShutdownTimeout = Duration(time.Duration(shutdownSeconds) * time.Second)

	return cfg, nil
}
