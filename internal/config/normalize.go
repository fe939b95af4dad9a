package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeManager(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.Metrics.Listen = strings.TrimSpace(c.Metrics.Listen)
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.RuntimeDir, err = expandPath(c.Paths.RuntimeDir); err != nil {
		return fmt.Errorf("paths.runtime_dir: %w", err)
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.RulesDir, err = expandPath(c.Paths.RulesDir); err != nil {
		return fmt.Errorf("paths.rules_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.SysfsRoot) == "" {
		c.Paths.SysfsRoot = defaultSysfsRoot
	}
	if c.Paths.SysfsRoot, err = expandPath(c.Paths.SysfsRoot); err != nil {
		return fmt.Errorf("paths.sysfs_root: %w", err)
	}
	return nil
}

func (c *Config) normalizeManager() error {
	if value, ok := os.LookupEnv(envChildrenMax); ok && strings.TrimSpace(value) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%s: %w", envChildrenMax, err)
		}
		c.Manager.ChildrenMax = n
	}
	if c.Manager.ChildrenMax == 0 {
		c.Manager.ChildrenMax = DefaultChildrenMax()
	}
	// Out-of-range overrides fall back to the configured value.
	if value, ok := os.LookupEnv(envExtraTimeout); ok && strings.TrimSpace(value) != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n >= 0 && n <= maxExtraTimeout {
			c.Manager.ExtraTimeout = n
		}
	}
	c.Manager.TimeoutSignal = strings.ToUpper(strings.TrimSpace(c.Manager.TimeoutSignal))
	if c.Manager.TimeoutSignal == "" {
		c.Manager.TimeoutSignal = defaultTimeoutSignal
	}
	if !strings.HasPrefix(c.Manager.TimeoutSignal, "SIG") {
		c.Manager.TimeoutSignal = "SIG" + c.Manager.TimeoutSignal
	}
	if c.Manager.HandoffTimeoutMS == 0 {
		c.Manager.HandoffTimeoutMS = defaultHandoffTimeoutMS
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
