package testsupport

import (
	"path/filepath"
	"testing"

	"hotplugd/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.RuntimeDir = filepath.Join(base, "run")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.RulesDir = filepath.Join(base, "rules.d")
	cfgVal.Paths.SysfsRoot = filepath.Join(base, "sys")
	cfgVal.Metrics.Listen = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithChildrenMax overrides the worker ceiling.
func WithChildrenMax(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Manager.ChildrenMax = n
	}
}

// WithEventTimeout overrides the per-event timeout in seconds.
func WithEventTimeout(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Manager.EventTimeout = seconds
	}
}

// WithRules writes a rules file into the rules directory.
func WithRules(name, content string) ConfigOption {
	return func(b *configBuilder) {
		WriteFile(b.t, filepath.Join(b.cfg.Paths.RulesDir, name), []byte(content))
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.RuntimeDir)
}
