package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/pelletier/go-toml/v2"
	"github.com/pilebones/go-udev/netlink"

	"hotplugd/internal/device"
	"hotplugd/internal/logging"
)

// Rule is one entry of a rules file. Action and Env values are regular
// expressions matched against the uevent; Run lists command lines executed in
// order when the rule matches.
type Rule struct {
	Name   string            `toml:"name" json:"name"`
	Action string            `toml:"action" json:"action,omitempty"`
	Env    map[string]string `toml:"env" json:"env,omitempty"`
	Run    []string          `toml:"run" json:"run,omitempty"`
	Watch  bool              `toml:"watch" json:"watch,omitempty"`
	File   string            `toml:"-" json:"file,omitempty"`
}

type file struct {
	Rule []Rule `toml:"rule"`
}

// Load reads every *.toml file in dir in lexical order. A missing directory
// yields an empty rule list.
func Load(dir string) ([]Rule, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	sort.Strings(paths)

	var out []Rule
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rules %s: %w", path, err)
		}
		var f file
		if err := toml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse rules %s: %w", path, err)
		}
		for i := range f.Rule {
			f.Rule[i].File = filepath.Base(path)
			if strings.TrimSpace(f.Rule[i].Name) == "" {
				f.Rule[i].Name = fmt.Sprintf("%s#%d", filepath.Base(path), i+1)
			}
		}
		out = append(out, f.Rule...)
	}
	if _, err := Compile(out); err != nil {
		return nil, err
	}
	return out, nil
}

type compiled struct {
	rule    Rule
	matcher netlink.Matcher
}

// Set is a compiled rule list ready to be applied to devices.
type Set struct {
	rules []compiled
}

// Compile validates rules and builds their matchers.
func Compile(rules []Rule) (*Set, error) {
	set := &Set{rules: make([]compiled, 0, len(rules))}
	for _, r := range rules {
		def := netlink.RuleDefinition{Env: r.Env}
		if r.Action != "" {
			action := r.Action
			def.Action = &action
		}
		matcher := &netlink.RuleDefinitions{}
		matcher.AddRule(def)
		if err := matcher.Compile(); err != nil {
			return nil, fmt.Errorf("compile rule %q: %w", r.Name, err)
		}
		for _, line := range r.Run {
			if _, err := SplitCommand(line); err != nil {
				return nil, fmt.Errorf("rule %q: %w", r.Name, err)
			}
		}
		set.rules = append(set.rules, compiled{rule: r, matcher: matcher})
	}
	return set, nil
}

// Len returns the number of rules in the set.
func (s *Set) Len() int {
	return len(s.rules)
}

// Result summarizes what applying a rule set asked for.
type Result struct {
	Matched []string
	Watch   bool
}

// Apply runs every matching rule against dev. Program failures do not stop
// later rules; they are joined into the returned error.
func (s *Set) Apply(ctx context.Context, dev *device.Device, logger *slog.Logger) (Result, error) {
	var result Result
	ev := toUEvent(dev)
	env := dev.Env()
	lookup := envLookup(env)

	var errs []error
	for _, c := range s.rules {
		if !c.matcher.Evaluate(ev) {
			continue
		}
		result.Matched = append(result.Matched, c.rule.Name)
		if c.rule.Watch {
			result.Watch = true
		}
		for _, line := range c.rule.Run {
			argv, err := SplitCommand(line)
			if err != nil {
				continue
			}
			for i := range argv {
				argv[i] = os.Expand(argv[i], lookup)
			}
			if err := runProgram(ctx, argv, env); err != nil {
				errs = append(errs, fmt.Errorf("rule %q: %w", c.rule.Name, err))
				if logger != nil {
					logger.Warn("rule program failed",
						logging.String("rule", c.rule.Name),
						logging.String("program", argv[0]),
						logging.Error(err),
						logging.String(logging.FieldEventType, "rule_program_failed"),
						logging.String(logging.FieldErrorHint, "run the program by hand with the device environment"),
						logging.String(logging.FieldImpact, "device setup may be incomplete"),
					)
				}
			}
			if ctx.Err() != nil {
				return result, errors.Join(append(errs, ctx.Err())...)
			}
		}
	}
	return result, errors.Join(errs...)
}

// SplitCommand splits a run entry into words using shell quoting rules.
// Variable references are left for per-device expansion.
func SplitCommand(line string) ([]string, error) {
	argv, err := shellquote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("run entry %q: %w", line, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty run entry")
	}
	return argv, nil
}

func runProgram(ctx context.Context, argv []string, env []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	if out, err := cmd.CombinedOutput(); err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
}

func toUEvent(dev *device.Device) netlink.UEvent {
	env := make(map[string]string, len(dev.Properties)+4)
	for _, kv := range dev.Env() {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return netlink.UEvent{
		Action: netlink.KObjAction(dev.Action),
		KObj:   dev.DevPath,
		Env:    env,
	}
}

func envLookup(env []string) func(string) string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return func(key string) string { return m[key] }
}
