// Package config loads, normalizes, and validates hotplugd configuration data.
//
// It supplies repository defaults, expands user paths, reads TOML files, and
// honours environment overrides such as HOTPLUGD_CHILDREN_MAX and
// HOTPLUGD_EXTRA_TIMEOUT_SEC. Durations are stored as integers in the file and
// exposed as time.Duration through accessor methods.
//
// Always obtain settings through this package so the manager receives
// normalized paths, a resolved timeout signal, and clear validation errors.
package config
