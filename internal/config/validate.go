package config

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateManager(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.RuntimeDir == "" {
		return errors.New("paths.runtime_dir must be set")
	}
	if c.Paths.StateDir == "" {
		return errors.New("paths.state_dir must be set")
	}
	if c.Paths.RulesDir == "" {
		return errors.New("paths.rules_dir must be set")
	}
	return nil
}

func (c *Config) validateManager() error {
	m := c.Manager
	if m.ChildrenMax < 1 || m.ChildrenMax > maxChildren {
		return fmt.Errorf("manager.children_max must be between 1 and %d", maxChildren)
	}
	if m.EventTimeout <= 0 {
		return errors.New("manager.event_timeout must be positive")
	}
	if m.ExtraTimeout < 0 || m.ExtraTimeout > maxExtraTimeout {
		return fmt.Errorf("manager.extra_timeout must be between 0 and %d", maxExtraTimeout)
	}
	if _, err := c.TimeoutSignalValue(); err != nil {
		return err
	}
	if m.RetryIntervalMS <= 0 {
		return errors.New("manager.retry_interval_ms must be positive")
	}
	if m.RetryTimeout <= 0 {
		return errors.New("manager.retry_timeout must be positive")
	}
	if windowMS := int64(m.RetryTimeout) * 1000; windowMS < int64(m.RetryIntervalMS) {
		return errors.New("manager.retry_timeout must not be shorter than manager.retry_interval_ms")
	}
	if m.ReloadDebounce < 0 {
		return errors.New("manager.reload_debounce must be non-negative")
	}
	if m.IdleWorkerTimeout < 0 {
		return errors.New("manager.idle_worker_timeout must be non-negative")
	}
	if m.ShutdownTimeout <= 0 {
		return errors.New("manager.shutdown_timeout must be positive")
	}
	if m.HandoffTimeoutMS <= 0 {
		return errors.New("manager.handoff_timeout_ms must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

// TimeoutSignalValue resolves manager.timeout_signal to a signal number.
func (c *Config) TimeoutSignalValue() (syscall.Signal, error) {
	sig := unix.SignalNum(c.Manager.TimeoutSignal)
	if sig == 0 {
		return 0, fmt.Errorf("manager.timeout_signal: unknown signal %q", c.Manager.TimeoutSignal)
	}
	return sig, nil
}
