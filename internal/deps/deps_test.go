package deps

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"hotplugd/internal/rules"
)

func TestRuleRequirements(t *testing.T) {
	list := []rules.Rule{
		{Name: "net", File: "10-net.toml", Run: []string{"/sbin/ip link set $INTERFACE up", "logger added"}},
		{Name: "again", Run: []string{"logger again", "$PROGRAM --flag", "  "}},
	}
	want := []Requirement{
		{Rule: "net", File: "10-net.toml", Command: "/sbin/ip"},
		{Rule: "net", File: "10-net.toml", Command: "logger"},
	}
	if diff := cmp.Diff(want, RuleRequirements(list)); diff != "" {
		t.Fatalf("requirements mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckBinaries(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	if err := os.WriteFile(present, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	reqs := []Requirement{
		{Rule: "a", Command: present},
		{Rule: "b", Command: "clearly-not-present-binary"},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}
	if !results[0].Available || results[0].Path != present || results[0].Detail != "" {
		t.Fatalf("expected first requirement to resolve, got %#v", results[0])
	}
	if results[1].Available || results[1].Detail == "" {
		t.Fatalf("expected missing binary to be reported, got %#v", results[1])
	}

	missing := Missing(results)
	if len(missing) != 1 || missing[0].Rule != "b" {
		t.Fatalf("unexpected missing list: %#v", missing)
	}
}
