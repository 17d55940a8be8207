package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m". Plain integers are taken as nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the engine configuration file.
type Config struct {
	// Scope is the reconciliation scope this engine instance owns.
	Scope string `yaml:"scope" validate:"required"`

	// Source locates the desired-state tree.
	Source SourceConfig `yaml:"source"`

	// Sync controls the reconciliation loop.
	Sync SyncConfig `yaml:"sync"`

	// Executor bounds apply concurrency and retries.
	Executor ExecutorConfig `yaml:"executor"`

	// State configures the SQLite state store.
	State StateConfig `yaml:"state"`

	// Policy optionally gates plans through Rego policies.
	Policy PolicyConfig `yaml:"policy"`

	// Providers configures the built-in resource providers.
	Providers ProvidersConfig `yaml:"providers"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SourceConfig locates the desired-state tree.
type SourceConfig struct {
	// Path is the local checkout directory the engine reads manifests from.
	Path string `yaml:"path" validate:"required"`

	// Watch enables fsnotify-driven cycle nudges on file change.
	Watch bool `yaml:"watch"`
}

// SyncConfig controls the reconciliation loop.
type SyncConfig struct {
	// Interval between reconciliation ticks.
	Interval Duration `yaml:"interval"`

	// DriftInterval between periodic drift-detection cycles. Zero disables
	// drift cycles.
	DriftInterval Duration `yaml:"drift_interval"`

	// LockTimeout bounds the wait for the scope lease before the cycle is
	// skipped with a lock-contention error.
	LockTimeout Duration `yaml:"lock_timeout"`

	// CycleTimeout bounds one full cycle. Zero means unbounded.
	CycleTimeout Duration `yaml:"cycle_timeout"`

	// DegradedThreshold is the number of consecutive failed cycles before
	// the loop enters the degraded state.
	DegradedThreshold int `yaml:"degraded_threshold" validate:"min=1"`

	// DegradedInterval replaces Interval while degraded.
	DegradedInterval Duration `yaml:"degraded_interval"`
}

// ExecutorConfig bounds apply concurrency and retries.
type ExecutorConfig struct {
	// MaxParallel caps concurrent provider calls within a plan level.
	MaxParallel int `yaml:"max_parallel" validate:"min=1"`

	// RetryLimit is the maximum retries per transient provider failure.
	RetryLimit int `yaml:"retry_limit" validate:"min=0"`

	// BackoffBase is the initial retry backoff interval.
	BackoffBase Duration `yaml:"backoff_base"`

	// OperationTimeout bounds one operation including retries.
	OperationTimeout Duration `yaml:"operation_timeout"`
}

// StateConfig configures the SQLite state store.
type StateConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path" validate:"required"`
}

// PolicyConfig gates plans through Rego policies.
type PolicyConfig struct {
	// Enabled turns the policy gate on.
	Enabled bool `yaml:"enabled"`

	// Dir is a directory of .rego policy files. Empty uses the built-in
	// policy only.
	Dir string `yaml:"dir"`

	// ProtectedResources lists "type.name" identities that must never be
	// deleted by a plan.
	ProtectedResources []string `yaml:"protected_resources"`

	// MaxDeletes caps delete operations per plan. Zero means no cap.
	MaxDeletes int `yaml:"max_deletes" validate:"min=0"`
}

// ProvidersConfig configures the built-in resource providers.
type ProvidersConfig struct {
	// RemoteFile manages files on SSH-reachable hosts.
	RemoteFile RemoteFileProviderConfig `yaml:"remote_file"`
}

// RemoteFileProviderConfig holds the SSH settings for the remote_file
// provider.
type RemoteFileProviderConfig struct {
	// Enabled registers the provider for the remote_file resource type.
	Enabled bool `yaml:"enabled"`

	// User is the SSH username on every managed host.
	User string `yaml:"user"`

	// Port is the SSH port. Zero means 22.
	Port int `yaml:"port" validate:"min=0,max=65535"`

	// PrivateKey is the path to the authentication key.
	PrivateKey string `yaml:"private_key"`

	// KnownHosts is the path to the known_hosts file.
	KnownHosts string `yaml:"known_hosts"`

	// StrictHostKeyChecking rejects hosts missing from known_hosts.
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	// LogLevel is the zerolog level: trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`

	// LogFormat selects json or console output.
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=json console"`

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// TracingEnabled turns on OpenTelemetry spans.
	TracingEnabled bool `yaml:"tracing_enabled"`

	// OTLPEndpoint is the OTLP gRPC collector address. Empty selects the
	// stdout exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the configuration defaults applied before file values.
func Default() Config {
	return Config{
		Sync: SyncConfig{
			Interval:          Duration(time.Minute),
			DriftInterval:     Duration(10 * time.Minute),
			LockTimeout:       Duration(15 * time.Second),
			CycleTimeout:      Duration(10 * time.Minute),
			DegradedThreshold: 3,
			DegradedInterval:  Duration(5 * time.Minute),
		},
		Executor: ExecutorConfig{
			MaxParallel: 4,
			RetryLimit:  3,
			BackoffBase: Duration(500 * time.Millisecond),
		},
		State: StateConfig{
			Path: "converge.db",
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load reads and validates the engine configuration file, applying
// defaults for unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration against its constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Sync.Interval < Duration(time.Second) {
		return fmt.Errorf("invalid config: sync interval must be at least 1s")
	}
	if c.Sync.LockTimeout < 0 || c.Sync.DriftInterval < 0 ||
		c.Sync.CycleTimeout < 0 || c.Sync.DegradedInterval < 0 {
		return fmt.Errorf("invalid config: sync durations must not be negative")
	}
	if c.Executor.BackoffBase < Duration(time.Millisecond) {
		return fmt.Errorf("invalid config: backoff_base must be at least 1ms")
	}
	if c.Sync.DegradedInterval != 0 && c.Sync.DegradedInterval < c.Sync.Interval {
		return fmt.Errorf("invalid config: degraded_interval must not be shorter than interval")
	}
	return nil
}
