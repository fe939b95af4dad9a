package config

import "runtime"

const (
	defaultConfigPath        = "/etc/hotplugd/config.toml"
	defaultRuntimeDir        = "/run/hotplugd"
	defaultStateDir          = "/var/lib/hotplugd"
	defaultLogDir            = "/var/log/hotplugd"
	defaultRulesDir          = "/etc/hotplugd/rules.d"
	defaultSysfsRoot         = "/sys"
	defaultEventTimeout      = 180
	defaultExtraTimeout      = 10
	defaultTimeoutSignal     = "SIGKILL"
	defaultRetryIntervalMS   = 200
	defaultRetryTimeout      = 180
	defaultReloadDebounce    = 3
	defaultIdleWorkerTimeout = 3
	defaultShutdownTimeout   = 30
	defaultHandoffTimeoutMS  = 1000
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"

	// maxExtraTimeout caps HOTPLUGD_EXTRA_TIMEOUT_SEC; larger values are ignored.
	maxExtraTimeout = 5 * 60 * 60
	// maxChildren is a sanity ceiling on the worker pool.
	maxChildren = 4096

	envConfigPath   = "HOTPLUGD_CONFIG"
	envChildrenMax  = "HOTPLUGD_CHILDREN_MAX"
	envExtraTimeout = "HOTPLUGD_EXTRA_TIMEOUT_SEC"
)

// DefaultChildrenMax mirrors the classic udev heuristic: a small floor plus two
// workers per CPU.
func DefaultChildrenMax() int {
	return 8 + 2*runtime.NumCPU()
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			RuntimeDir: defaultRuntimeDir,
			StateDir:   defaultStateDir,
			LogDir:     defaultLogDir,
			RulesDir:   defaultRulesDir,
			SysfsRoot:  defaultSysfsRoot,
		},
		Manager: Manager{
			ChildrenMax:       DefaultChildrenMax(),
			EventTimeout:      defaultEventTimeout,
			ExtraTimeout:      defaultExtraTimeout,
			TimeoutSignal:     defaultTimeoutSignal,
			RetryIntervalMS:   defaultRetryIntervalMS,
			RetryTimeout:      defaultRetryTimeout,
			ReloadDebounce:    defaultReloadDebounce,
			IdleWorkerTimeout: defaultIdleWorkerTimeout,
			ShutdownTimeout:   defaultShutdownTimeout,
			HandoffTimeoutMS:  defaultHandoffTimeoutMS,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
