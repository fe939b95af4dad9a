package manager

import (
	"fmt"
	"syscall"
	"time"

	"hotplugd/internal/config"
)

// Settings are the manager's tunables, resolved from the configuration file.
type Settings struct {
	ChildrenMax       int
	EventTimeout      time.Duration
	ExtraTimeout      time.Duration
	TimeoutSignal     syscall.Signal
	RetryInterval     time.Duration
	RetryTimeout      time.Duration
	ReloadDebounce    time.Duration
	IdleWorkerTimeout time.Duration
	ShutdownTimeout   time.Duration

	MarkerPath string
	SysfsRoot  string
	LogLevel   string
	LogFormat  string
}

// SettingsFromConfig extracts manager settings from a loaded configuration.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	sig, err := cfg.TimeoutSignalValue()
	if err != nil {
		return Settings{}, err
	}
	s := Settings{
		ChildrenMax:       cfg.Manager.ChildrenMax,
		EventTimeout:      cfg.EventTimeout(),
		ExtraTimeout:      cfg.ExtraTimeout(),
		TimeoutSignal:     sig,
		RetryInterval:     cfg.RetryInterval(),
		RetryTimeout:      cfg.RetryTimeout(),
		ReloadDebounce:    cfg.ReloadDebounce(),
		IdleWorkerTimeout: cfg.IdleWorkerTimeout(),
		ShutdownTimeout:   cfg.ShutdownTimeout(),
		MarkerPath:        cfg.QueueMarkerPath(),
		SysfsRoot:         cfg.Paths.SysfsRoot,
		LogLevel:          cfg.Logging.Level,
		LogFormat:         cfg.Logging.Format,
	}
	if s.ChildrenMax < 1 {
		return Settings{}, fmt.Errorf("manager.children_max must be positive, got %d", s.ChildrenMax)
	}
	return s, nil
}

// warnAfter is the delay before a slow event is reported: a third of the
// event timeout, rounded up.
func (s Settings) warnAfter() time.Duration {
	return (s.EventTimeout + 2) / 3
}

// killAfter is the delay before a worker stuck on an event is terminated.
func (s Settings) killAfter() time.Duration {
	return s.EventTimeout + s.ExtraTimeout
}
