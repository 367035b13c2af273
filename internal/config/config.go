// Package config provides daemon configuration loaded from TOML files.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete daemon configuration.
type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	Matching MatchingConfig `toml:"matching"`
	Fanout   FanoutConfig   `toml:"fanout"`
	Notify   NotifyConfig   `toml:"notify"`
	Sweep    SweepConfig    `toml:"sweep"`
	Logging  LoggingConfig  `toml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// StorageBackend selects the persistence implementation.
type StorageBackend string

// Supported storage backends.
const (
	BackendMemory   StorageBackend = "memory"
	BackendSQLite   StorageBackend = "sqlite"
	BackendPostgres StorageBackend = "postgres"
)

// StorageConfig selects and parameterizes the persistent store.
type StorageConfig struct {
	Backend StorageBackend `toml:"backend"`
	// Path is the database file location for the sqlite backend.
	Path string `toml:"path"`
	// DSN is the connection string for the postgres backend.
	DSN string `toml:"dsn"`
}

// MatchingConfig bounds the eligibility search.
type MatchingConfig struct {
	BloodRadiusMeters  float64  `toml:"blood_radius_meters"`
	PlasmaRadiusMeters float64  `toml:"plasma_radius_meters"`
	OrganRadiusMeters  float64  `toml:"organ_radius_meters"`
	DonorRadiusMeters  float64  `toml:"donor_radius_meters"`
	DirectoryTimeout   duration `toml:"directory_timeout"`
	DonorCooldownDays  int      `toml:"donor_cooldown_days"`
}

// FanoutConfig bounds request fan-out.
type FanoutConfig struct {
	Concurrency int `toml:"concurrency"`
}

// NotifyConfig describes the notification broker connection. An empty broker
// address disables external notification delivery.
type NotifyConfig struct {
	BrokerAddress string `toml:"broker_address"`
	Topic         string `toml:"topic"`
}

// SweepConfig controls the background expiry sweeper.
type SweepConfig struct {
	Interval duration `toml:"interval"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	Enabled       bool   `toml:"enabled"`
	ListenAddress string `toml:"listen_address"`
}

// duration wraps time.Duration for TOML string decoding ("30s", "1h").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: BackendSQLite,
			Path:    "hemocore.db",
		},
		Matching: MatchingConfig{
			BloodRadiusMeters:  20_000,
			PlasmaRadiusMeters: 50_000,
			OrganRadiusMeters:  50_000,
			DonorRadiusMeters:  10_000,
			DirectoryTimeout:   duration{2 * time.Second},
			DonorCooldownDays:  56,
		},
		Fanout: FanoutConfig{Concurrency: 8},
		Notify: NotifyConfig{Topic: "hemocore.notifications"},
		Sweep:  SweepConfig{Interval: duration{time.Hour}},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
		},
	}
}

// DonorCooldown converts the configured cooldown to a duration.
func (c MatchingConfig) DonorCooldown() time.Duration {
	return time.Duration(c.DonorCooldownDays) * 24 * time.Hour
}

// DirectoryTimeoutDuration returns the configured matcher timeout.
func (c MatchingConfig) DirectoryTimeoutDuration() time.Duration {
	return c.DirectoryTimeout.Duration
}

// SweepInterval returns the configured sweeper interval.
func (c SweepConfig) SweepInterval() time.Duration {
	return c.Interval.Duration
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendSQLite && c.Storage.Path == "" {
		return errors.New("storage.path is required for the sqlite backend")
	}
	if c.Matching.DonorCooldownDays < 0 {
		return errors.New("matching.donor_cooldown_days must not be negative")
	}
	if c.Fanout.Concurrency < 0 {
		return errors.New("fanout.concurrency must not be negative")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return errors.New("metrics.listen_address is required when metrics are enabled")
	}
	return nil
}
