package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Source.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("source: %w", err))
	}
	if err := c.Sampling.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sampling: %w", err))
	}
	if err := c.Guard.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("guard: %w", err))
	}
	if err := c.Queue.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}
	if err := c.Tail.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tail: %w", err))
	}
	if err := c.Store.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}
	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}
	if err := c.Feed.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("feed: %w", err))
	}
	if err := c.Interfaces.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("interfaces: %w", err))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the source configuration.
func (c *SourceConfig) Validate() error {
	switch c.Kind {
	case "system", "":
	case "snmp":
		var errs []error
		if c.SNMP.Target == "" {
			errs = append(errs, errors.New("snmp.target is required"))
		}
		if c.SNMP.Port == 0 {
			errs = append(errs, errors.New("snmp.port must be positive"))
		}
		if c.SNMP.Community == "" {
			errs = append(errs, errors.New("snmp.community is required"))
		}
		if c.SNMP.Timeout <= 0 {
			errs = append(errs, errors.New("snmp.timeout must be positive"))
		}
		if c.SNMP.RefreshInterval <= 0 {
			errs = append(errs, errors.New("snmp.refresh_interval must be positive"))
		}
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
	default:
		return fmt.Errorf("kind must be one of: system, snmp (got %q)", c.Kind)
	}
	return nil
}

// Validate checks the sampling configuration.
func (c *SamplingConfig) Validate() error {
	var errs []error

	if c.MinInterval <= 0 {
		errs = append(errs, errors.New("min_interval must be positive"))
	}
	if c.MaxInterval <= 0 {
		errs = append(errs, errors.New("max_interval must be positive"))
	}
	if c.MaxInterval < c.MinInterval {
		errs = append(errs, errors.New("max_interval must be >= min_interval"))
	}
	if c.IdleBackoffAfter <= 0 {
		errs = append(errs, errors.New("idle_backoff_after must be positive"))
	}
	if c.BreakerThreshold <= 0 {
		errs = append(errs, errors.New("breaker_threshold must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the guard configuration.
func (c *GuardConfig) Validate() error {
	var errs []error

	if c.RateCeilingBps <= 0 {
		errs = append(errs, errors.New("rate_ceiling_bps must be positive"))
	}
	if c.SleepFactor <= 1 {
		errs = append(errs, errors.New("sleep_factor must be greater than 1"))
	}
	if c.RePrimeTicks <= 0 {
		errs = append(errs, errors.New("reprime_ticks must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the queue configuration.
func (c *QueueConfig) Validate() error {
	if c.Capacity <= 0 {
		return errors.New("capacity must be positive")
	}
	return nil
}

// Validate checks the tail configuration.
func (c *TailConfig) Validate() error {
	if c.Capacity <= 0 {
		return errors.New("capacity must be positive")
	}
	return nil
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	var errs []error

	if c.Path == "" {
		errs = append(errs, errors.New("path is required"))
	}
	if c.FlushBatch <= 0 {
		errs = append(errs, errors.New("flush_batch must be positive"))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, errors.New("flush_interval must be positive"))
	}
	if c.FinalizeDelay < 0 {
		errs = append(errs, errors.New("finalize_delay must be non-negative"))
	}
	if c.RollupInterval <= 0 {
		errs = append(errs, errors.New("rollup_interval must be positive"))
	}
	if c.PruneInterval <= 0 {
		errs = append(errs, errors.New("prune_interval must be positive"))
	}
	if c.DegradeAfter <= 0 {
		errs = append(errs, errors.New("degrade_after must be positive"))
	}
	if c.ProbeInterval <= 0 {
		errs = append(errs, errors.New("probe_interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the retention configuration.
func (c *RetentionConfig) Validate() error {
	var errs []error

	if c.Raw <= 0 {
		errs = append(errs, errors.New("raw retention must be positive"))
	}
	if c.Minute <= 0 {
		errs = append(errs, errors.New("minute retention must be positive"))
	}
	if c.Hour <= 0 {
		errs = append(errs, errors.New("hour retention must be positive"))
	}

	// Check that higher tiers have longer retention
	if c.Minute < c.Raw {
		errs = append(errs, errors.New("minute retention should be >= raw retention"))
	}
	if c.Hour < c.Minute {
		errs = append(errs, errors.New("hour retention should be >= minute retention"))
	}

	if c.Grace < 0 {
		errs = append(errs, errors.New("grace must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.MaxPoints <= 0 {
		errs = append(errs, errors.New("max_points must be positive"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.PercentileAccuracy <= 0 || c.PercentileAccuracy > 1 {
		errs = append(errs, errors.New("percentile_accuracy must be between 0 and 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the feed configuration.
func (c *FeedConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	host, _, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return fmt.Errorf("listen address %q: %w", c.Listen, err)
	}

	// The feed carries no transport security; confine it to loopback.
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("listen address %q must be a loopback IP", c.Listen)
	}

	return nil
}

// Validate checks the interfaces configuration.
func (c *InterfacesConfig) Validate() error {
	if c.InactiveAfter <= 0 {
		return errors.New("inactive_after must be positive")
	}
	return nil
}

// Validate checks the logging configuration.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("level must be one of: debug, info, warn, error (got %q)", c.Level)
	}
}

// EnsureStoreDir creates the directory holding the store file.
func (c *Config) EnsureStoreDir() error {
	dir := filepath.Dir(c.Store.Path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}
