package rules_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"hotplugd/internal/device"
	"hotplugd/internal/rules"
	"hotplugd/internal/testsupport"
)

func TestLoadReadsFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(dir, "20-net.toml"), []byte(`
[[rule]]
name = "net"
action = "add"
env = { SUBSYSTEM = "net" }
`))
	testsupport.WriteFile(t, filepath.Join(dir, "10-block.toml"), []byte(`
[[rule]]
action = "add|change"
env = { SUBSYSTEM = "block" }
watch = true
`))
	testsupport.WriteFile(t, filepath.Join(dir, "notes.txt"), []byte("ignored"))

	list, err := rules.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var names []string
	for _, r := range list {
		names = append(names, r.Name)
	}
	if diff := cmp.Diff([]string{"10-block.toml#1", "net"}, names); diff != "" {
		t.Fatalf("rule names mismatch (-want +got):\n%s", diff)
	}
	if list[1].File != "20-net.toml" {
		t.Fatalf("expected file name recorded, got %q", list[1].File)
	}
}

func TestLoadMissingDirectoryIsEmpty(t *testing.T) {
	list, err := rules.Load(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no rules, got %d", len(list))
	}
}

func TestLoadRejectsInvalidRules(t *testing.T) {
	dir := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(dir, "bad.toml"), []byte(`
[[rule]]
name = "bad"
action = "add("
`))
	if _, err := rules.Load(dir); err == nil || !strings.Contains(err.Error(), `"bad"`) {
		t.Fatalf("expected compile error naming the rule, got %v", err)
	}
}

func TestCompileRejectsEmptyRunEntry(t *testing.T) {
	_, err := rules.Compile([]rules.Rule{{Name: "blank", Run: []string{"  "}}})
	if err == nil {
		t.Fatal("expected empty run entry error")
	}
}

func TestApplyRunsMatchingPrograms(t *testing.T) {
	out := filepath.Join(t.TempDir(), "touched")
	set, err := rules.Compile([]rules.Rule{
		{Name: "touch", Action: "add", Env: map[string]string{"SUBSYSTEM": "block"}, Run: []string{"touch ${OUT}"}, Watch: true},
		{Name: "net-only", Env: map[string]string{"SUBSYSTEM": "net"}, Run: []string{"false"}},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	dev := &device.Device{
		Seqnum:     7,
		Action:     device.ActionAdd,
		DevPath:    "/devices/virtual/block/loop0",
		Subsystem:  "block",
		Properties: map[string]string{"OUT": out},
	}
	result, err := set.Apply(context.Background(), dev, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if diff := cmp.Diff([]string{"touch"}, result.Matched); diff != "" {
		t.Fatalf("matched mismatch (-want +got):\n%s", diff)
	}
	if !result.Watch {
		t.Fatal("expected watch request")
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected program to run: %v", err)
	}
}

func TestApplyJoinsProgramFailures(t *testing.T) {
	set, err := rules.Compile([]rules.Rule{
		{Name: "first", Run: []string{"false"}},
		{Name: "second", Run: []string{"true"}},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	dev := &device.Device{Seqnum: 1, Action: device.ActionChange, DevPath: "/devices/virtual/net/lo"}

	result, err := set.Apply(context.Background(), dev, nil)
	if err == nil || !strings.Contains(err.Error(), `rule "first"`) {
		t.Fatalf("expected failure from first rule, got %v", err)
	}
	if len(result.Matched) != 2 {
		t.Fatalf("later rules should still run, matched %v", result.Matched)
	}
}

func TestChangeWatcherNoticesRuleFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := rules.NewChangeWatcher([]string{dir}, nil, nil)
	if err != nil {
		t.Fatalf("NewChangeWatcher: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	testsupport.WriteFile(t, filepath.Join(dir, "50-new.toml"), []byte("[[rule]]\nname = \"new\"\n"))

	deadline := time.Now().Add(5 * time.Second)
	for !w.Changed() {
		if time.Now().After(deadline) {
			t.Fatal("change was not noticed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestDirSourceWithoutWatcher(t *testing.T) {
	src := rules.DirSource{Dir: t.TempDir()}
	if src.Changed() {
		t.Fatal("source without watcher never reports changes")
	}
	list, err := src.Load()
	if err != nil || len(list) != 0 {
		t.Fatalf("unexpected load result %v, %v", list, err)
	}
}

func TestSplitCommandHonoursQuotes(t *testing.T) {
	argv, err := rules.SplitCommand(`logger -t hotplugd "device $DEVPATH added"`)
	if err != nil {
		t.Fatalf("SplitCommand: %v", err)
	}
	if diff := cmp.Diff([]string{"logger", "-t", "hotplugd", "device $DEVPATH added"}, argv); diff != "" {
		t.Fatalf("argv mismatch (-want +got):\n%s", diff)
	}
	if _, err := rules.SplitCommand(`echo "unterminated`); err == nil {
		t.Fatal("expected unbalanced quote error")
	}
}
