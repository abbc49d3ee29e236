// Package config defines the daemon configuration: YAML-backed nested
// sections with defaults and validation. Components receive their section
// as an explicit value at construction time; nothing reads ambient global
// state.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netpulse/netpulse/internal/model"
)

// Config represents the complete daemon configuration.
type Config struct {
	// Source selects and configures the counter source.
	Source SourceConfig `yaml:"source"`

	// Sampling configures the adaptive polling cadence.
	Sampling SamplingConfig `yaml:"sampling"`

	// Guard configures spike suppression.
	Guard GuardConfig `yaml:"guard"`

	// Queue configures the sampler-to-writer hand-off.
	Queue QueueConfig `yaml:"queue"`

	// Tail configures the in-memory live tail.
	Tail TailConfig `yaml:"tail"`

	// Store configures persistence and its background jobs.
	Store StoreConfig `yaml:"store"`

	// Retention defines how long to keep data in each tier.
	Retention RetentionConfig `yaml:"retention"`

	// Query configures the query engine.
	Query QueryConfig `yaml:"query"`

	// Feed configures the localhost wire surface.
	Feed FeedConfig `yaml:"feed"`

	// Interfaces configures identity tracking and classification.
	Interfaces InterfacesConfig `yaml:"interfaces"`

	// Logging configures structured log output.
	Logging LoggingConfig `yaml:"logging"`
}

// SourceConfig selects and configures the counter source.
type SourceConfig struct {
	// Kind is the counter source: "system" (local NICs) or "snmp".
	Kind string `yaml:"kind"`

	// SNMP configures the remote counter source when Kind is "snmp".
	SNMP SNMPConfig `yaml:"snmp"`
}

// SNMPConfig configures the SNMP counter source.
type SNMPConfig struct {
	// Target is the agent host (router, switch).
	Target string `yaml:"target"`

	// Port is the agent UDP port.
	Port uint16 `yaml:"port"`

	// Community is the v2c community string.
	Community string `yaml:"community"`

	// Timeout for a single SNMP exchange.
	Timeout time.Duration `yaml:"timeout"`

	// RefreshInterval is how often the ifName index map is re-walked.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// SamplingConfig configures the adaptive polling cadence.
type SamplingConfig struct {
	// MinInterval is the tick interval while traffic is flowing.
	MinInterval time.Duration `yaml:"min_interval"`

	// MaxInterval is the ceiling the interval backs off to when idle.
	MaxInterval time.Duration `yaml:"max_interval"`

	// IdleBackoffAfter is how long all interfaces must stay idle before
	// the interval starts doubling toward MaxInterval.
	IdleBackoffAfter time.Duration `yaml:"idle_backoff_after"`

	// BreakerThreshold is the number of consecutive poll failures that
	// trips the source circuit breaker.
	BreakerThreshold int `yaml:"breaker_threshold"`
}

// GuardConfig configures spike suppression.
type GuardConfig struct {
	// RateCeilingBps is the hard per-direction rate ceiling. Derived from
	// plausible link speeds; the default is 10 Gbit/s.
	RateCeilingBps float64 `yaml:"rate_ceiling_bps"`

	// SleepFactor scales the current tick interval into the elapsed-time
	// threshold beyond which a gap implies system suspend.
	SleepFactor float64 `yaml:"sleep_factor"`

	// RePrimeTicks is the length of the re-priming window after a discard.
	RePrimeTicks int `yaml:"reprime_ticks"`
}

// QueueConfig configures the sampler-to-writer hand-off.
type QueueConfig struct {
	// Capacity is the bounded queue size. When full, the oldest unwritten
	// item is dropped, never the producer blocked.
	Capacity int `yaml:"capacity"`
}

// TailConfig configures the in-memory live tail.
type TailConfig struct {
	// Capacity is the ring size; oldest samples are evicted.
	Capacity int `yaml:"capacity"`
}

// StoreConfig configures persistence and its background jobs.
type StoreConfig struct {
	// Path is the database file. A single versioned file per installation.
	Path string `yaml:"path"`

	// FlushBatch is the insert batch size.
	FlushBatch int `yaml:"flush_batch"`

	// FlushInterval bounds how long a partial batch may wait.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// FinalizeDelay is how far behind "now" the rollup horizon trails, so
	// queue jitter cannot land raw rows behind a finalized bucket.
	FinalizeDelay time.Duration `yaml:"finalize_delay"`

	// RollupInterval is the rollup job cadence.
	RollupInterval time.Duration `yaml:"rollup_interval"`

	// PruneInterval is the pruning job cadence.
	PruneInterval time.Duration `yaml:"prune_interval"`

	// DegradeAfter is the number of consecutive failed flushes before the
	// writer degrades to live-tail-only mode.
	DegradeAfter int `yaml:"degrade_after"`

	// ProbeInterval is how often a degraded writer re-attempts the store.
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// RetentionConfig defines how long to keep data in each tier.
type RetentionConfig struct {
	// Raw is the retention for raw samples.
	Raw time.Duration `yaml:"raw"`

	// Minute is the retention for 1-minute aggregates.
	Minute time.Duration `yaml:"minute"`

	// Hour is the retention for hourly aggregates.
	Hour time.Duration `yaml:"hour"`

	// Grace is the undo window before a shortened TTL takes effect.
	Grace time.Duration `yaml:"grace"`
}

// Policy returns the configured TTLs as a model.RetentionPolicy.
func (c *RetentionConfig) Policy() model.RetentionPolicy {
	return model.RetentionPolicy{
		RawTTL:    c.Raw,
		MinuteTTL: c.Minute,
		HourTTL:   c.Hour,
	}
}

// QueryConfig configures the query engine.
type QueryConfig struct {
	// MaxPoints is the default rendering budget per response.
	MaxPoints int `yaml:"max_points"`

	// Timeout is the per-query deadline.
	Timeout time.Duration `yaml:"timeout"`

	// PercentileAccuracy is the DDSketch relative accuracy (0.01 = 1%).
	PercentileAccuracy float64 `yaml:"percentile_accuracy"`
}

// FeedConfig configures the localhost wire surface.
type FeedConfig struct {
	// Enabled turns the feed server on.
	Enabled bool `yaml:"enabled"`

	// Listen is the TCP listen address. Loopback only.
	Listen string `yaml:"listen"`

	// Token is the optional shared auth token. Empty disables auth.
	Token string `yaml:"token"`
}

// InterfacesConfig configures identity tracking and classification.
type InterfacesConfig struct {
	// Exclusions are case-insensitive substrings of adapter names or
	// descriptions that mark an adapter as virtual.
	Exclusions []string `yaml:"exclusions"`

	// InactiveAfter is how long an interface may go unseen before it is
	// marked inactive.
	InactiveAfter time.Duration `yaml:"inactive_after"`
}

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches output from text to JSON.
	JSON bool `yaml:"json"`
}

// SlogLevel maps the configured level string to a slog.Level.
func (c *LoggingConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Kind: "system",
			SNMP: SNMPConfig{
				Port:            161,
				Community:       "public",
				Timeout:         2 * time.Second,
				RefreshInterval: 5 * time.Minute,
			},
		},
		Sampling: SamplingConfig{
			MinInterval:      time.Second,
			MaxInterval:      10 * time.Second,
			IdleBackoffAfter: 30 * time.Second,
			BreakerThreshold: 10,
		},
		Guard: GuardConfig{
			RateCeilingBps: 1_250_000_000, // 10 Gbit/s
			SleepFactor:    3.0,
			RePrimeTicks:   3,
		},
		Queue: QueueConfig{
			Capacity: 1024,
		},
		Tail: TailConfig{
			Capacity: 4096,
		},
		Store: StoreConfig{
			Path:           defaultStorePath(),
			FlushBatch:     256,
			FlushInterval:  5 * time.Second,
			FinalizeDelay:  30 * time.Second,
			RollupInterval: time.Minute,
			PruneInterval:  time.Hour,
			DegradeAfter:   5,
			ProbeInterval:  30 * time.Second,
		},
		Retention: RetentionConfig{
			Raw:    48 * time.Hour,
			Minute: 30 * 24 * time.Hour,
			Hour:   365 * 24 * time.Hour,
			Grace:  48 * time.Hour,
		},
		Query: QueryConfig{
			MaxPoints:          500,
			Timeout:            30 * time.Second,
			PercentileAccuracy: 0.01,
		},
		Feed: FeedConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9338",
		},
		Interfaces: InterfacesConfig{
			Exclusions: []string{
				"loopback", "teredo", "isatap", "bluetooth",
				"vpn", "virtual", "vmware", "vbox",
			},
			InactiveAfter: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "netpulse.db"
	}
	return home + "/.netpulse/netpulse.db"
}
