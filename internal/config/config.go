package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and socket locations.
type Paths struct {
	RuntimeDir string `toml:"runtime_dir"`
	StateDir   string `toml:"state_dir"`
	LogDir     string `toml:"log_dir"`
	RulesDir   string `toml:"rules_dir"`
	SysfsRoot  string `toml:"sysfs_root"`
}

// Manager contains event queue and worker pool tuning.
//
// Durations are whole seconds unless the key says otherwise.
type Manager struct {
	ChildrenMax       int    `toml:"children_max"`
	EventTimeout      int    `toml:"event_timeout"`
	ExtraTimeout      int    `toml:"extra_timeout"`
	TimeoutSignal     string `toml:"timeout_signal"`
	RetryIntervalMS   int    `toml:"retry_interval_ms"`
	RetryTimeout      int    `toml:"retry_timeout"`
	ReloadDebounce    int    `toml:"reload_debounce"`
	IdleWorkerTimeout int    `toml:"idle_worker_timeout"`
	ShutdownTimeout   int    `toml:"shutdown_timeout"`
	HandoffTimeoutMS  int    `toml:"handoff_timeout_ms"`

	// Subsystems limits the kernel uevents that are queued; empty means all.
	Subsystems []string `toml:"subsystems"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Metrics contains the Prometheus exporter settings. An empty listen address
// disables the endpoint.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Config encapsulates all configuration values for hotplugd.
//
// Configuration sections by subsystem:
//   - Paths: runtime sockets, state database, rules and sysfs locations
//   - Manager: concurrency ceiling, event timeouts and retry policy
//   - Logging: log format and level
//   - Metrics: Prometheus listen address
type Config struct {
	Paths   Paths   `toml:"paths"`
	Manager Manager `toml:"manager"`
	Logging Logging `toml:"logging"`
	Metrics Metrics `toml:"metrics"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	if value, ok := os.LookupEnv(envConfigPath); ok && strings.TrimSpace(value) != "" {
		return resolveConfigPath(strings.TrimSpace(value))
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.RuntimeDir, c.Paths.StateDir, c.Paths.LogDir, c.Paths.RulesDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// QueueMarkerPath is the file that exists while events are pending.
func (c *Config) QueueMarkerPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "queue")
}

// NotifySocketPath is the datagram socket workers report to.
func (c *Config) NotifySocketPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "notify")
}

// ControlSocketPath is the administrative JSON-RPC socket.
func (c *Config) ControlSocketPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "control")
}

// LockPath is the single-instance daemon lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "hotplugd.lock")
}

// PIDPath is the pid file written by the daemon.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "hotplugd.pid")
}

// HistoryPath is the SQLite outcome journal.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Paths.StateDir, "history.db")
}

// LogPath is the JSON log journal read by the logs command.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.LogDir, "hotplugd.log")
}

// EventTimeout returns the per-event processing budget.
func (c *Config) EventTimeout() time.Duration {
	return time.Duration(c.Manager.EventTimeout) * time.Second
}

// ExtraTimeout returns the grace added to EventTimeout before a worker is killed.
func (c *Config) ExtraTimeout() time.Duration {
	return time.Duration(c.Manager.ExtraTimeout) * time.Second
}

// RetryInterval returns the backoff between retries of a locked device.
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.Manager.RetryIntervalMS) * time.Millisecond
}

// RetryTimeout returns the total window a locked device may be retried in.
func (c *Config) RetryTimeout() time.Duration {
	return time.Duration(c.Manager.RetryTimeout) * time.Second
}

// ReloadDebounce returns the minimum interval between unforced reloads.
func (c *Config) ReloadDebounce() time.Duration {
	return time.Duration(c.Manager.ReloadDebounce) * time.Second
}

// IdleWorkerTimeout returns how long idle workers linger once the queue drains.
func (c *Config) IdleWorkerTimeout() time.Duration {
	return time.Duration(c.Manager.IdleWorkerTimeout) * time.Second
}

// ShutdownTimeout returns how long shutdown waits before escalating to SIGKILL.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Manager.ShutdownTimeout) * time.Second
}

// HandoffTimeout bounds a single send to an idle worker.
func (c *Config) HandoffTimeout() time.Duration {
	return time.Duration(c.Manager.HandoffTimeoutMS) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && pathValue[1] == '/' {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
// The file is replaced atomically so a concurrent reader never sees a partial write.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := renameio.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
