package worker_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"hotplugd/internal/device"
	"hotplugd/internal/rules"
	"hotplugd/internal/worker"
)

type sliceReceiver struct {
	devices []*device.Device
}

func (r *sliceReceiver) Receive() (*device.Device, error) {
	if len(r.devices) == 0 {
		return nil, io.EOF
	}
	d := r.devices[0]
	r.devices = r.devices[1:]
	return d, nil
}

type recordingReporter struct {
	kinds []string
}

func (r *recordingReporter) Notify(rep worker.Report) error {
	r.kinds = append(r.kinds, rep.Kind().String())
	return nil
}

func mustRules(t *testing.T, list ...rules.Rule) *rules.Set {
	t.Helper()
	set, err := rules.Compile(list)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return set
}

func TestRunnerReportsDoneForEveryDevice(t *testing.T) {
	reporter := &recordingReporter{}
	runner := &worker.Runner{
		Rules:    mustRules(t),
		Receiver: &sliceReceiver{devices: []*device.Device{{Seqnum: 2, Action: device.ActionChange, DevPath: "/devices/virtual/net/lo"}}},
		Reporter: reporter,
	}
	first := &device.Device{Seqnum: 1, Action: device.ActionAdd, DevPath: "/devices/virtual/net/lo"}
	if err := runner.Run(context.Background(), first); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"done", "done"}, reporter.kinds); diff != "" {
		t.Fatalf("reports mismatch (-want +got):\n%s", diff)
	}
}

func TestRunnerAsksForRetryWhenDiskLocked(t *testing.T) {
	reporter := &recordingReporter{}
	var locked []string
	runner := &worker.Runner{
		Rules:    mustRules(t, rules.Rule{Name: "all", Watch: true}),
		Reporter: reporter,
		Lock: func(node string) (*worker.DiskLock, error) {
			locked = append(locked, node)
			return nil, worker.ErrLocked
		},
	}
	part := &device.Device{
		Seqnum:    5,
		Action:    device.ActionAdd,
		DevPath:   "/devices/pci0000:00/block/sdb",
		Subsystem: "block",
		DevType:   "disk",
		DevNode:   "/dev/sdb",
	}
	if err := runner.Process(context.Background(), part); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if diff := cmp.Diff([]string{"try_again"}, reporter.kinds); diff != "" {
		t.Fatalf("reports mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"/dev/sdb"}, locked); diff != "" {
		t.Fatalf("lock target mismatch (-want +got):\n%s", diff)
	}
}

func TestRunnerWatchReports(t *testing.T) {
	set := mustRules(t, rules.Rule{Name: "watch-disks", Action: "add|change", Env: map[string]string{"SUBSYSTEM": "block"}, Watch: true})
	unlocked := func(string) (*worker.DiskLock, error) { return nil, nil }

	cases := []struct {
		name string
		dev  *device.Device
		want []string
	}{
		{
			name: "watch rule matched",
			dev:  &device.Device{Seqnum: 1, Action: device.ActionAdd, DevPath: "/devices/x/block/sdc", Subsystem: "block", DevType: "disk", DevNode: "/dev/sdc"},
			want: []string{"watch_add", "done"},
		},
		{
			name: "remove ends watch without locking",
			dev:  &device.Device{Seqnum: 2, Action: device.ActionRemove, DevPath: "/devices/x/block/sdc", Subsystem: "block", DevType: "disk", DevNode: "/dev/sdc"},
			want: []string{"watch_remove", "done"},
		},
		{
			name: "no node no watch",
			dev:  &device.Device{Seqnum: 3, Action: device.ActionAdd, DevPath: "/devices/virtual/block/ram0", Subsystem: "block"},
			want: []string{"done"},
		},
		{
			name: "rule not matched",
			dev:  &device.Device{Seqnum: 4, Action: device.ActionAdd, DevPath: "/devices/virtual/tty/tty1", Subsystem: "tty", DevNode: "/dev/tty1"},
			want: []string{"done"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reporter := &recordingReporter{}
			runner := &worker.Runner{Rules: set, Reporter: reporter, Lock: unlocked}
			if err := runner.Process(context.Background(), tc.dev); err != nil {
				t.Fatalf("Process: %v", err)
			}
			if diff := cmp.Diff(tc.want, reporter.kinds); diff != "" {
				t.Fatalf("reports mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunnerFinishesRulesWhenStoppedMidEvent(t *testing.T) {
	reporter := &recordingReporter{}
	runner := &worker.Runner{
		Rules: mustRules(t, rules.Rule{Name: "slow", Run: []string{"sleep 0.5"}}),
		Receiver: &sliceReceiver{devices: []*device.Device{
			{Seqnum: 2, Action: device.ActionChange, DevPath: "/devices/virtual/net/lo"},
		}},
		Reporter: reporter,
		Snapshot: worker.Snapshot{EventTimeout: 10 * time.Second},
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	defer cancel()

	start := time.Now()
	first := &device.Device{Seqnum: 1, Action: device.ActionAdd, DevPath: "/devices/virtual/net/lo"}
	if err := runner.Run(ctx, first); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("rule program was cut short after %s", elapsed)
	}
	if diff := cmp.Diff([]string{"done"}, reporter.kinds); diff != "" {
		t.Fatalf("reports mismatch (-want +got):\n%s", diff)
	}
}
