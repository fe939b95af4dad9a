package daemon

import (
	"errors"
	"testing"

	"github.com/pilebones/go-udev/netlink"

	"hotplugd/internal/device"
	"hotplugd/internal/logging"
)

func TestBuildMatcher(t *testing.T) {
	if m := buildMatcher(nil); m != nil {
		t.Fatal("expected match-all matcher without a filter")
	}

	matcher := buildMatcher([]string{"block", "net"})
	if err := matcher.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	cases := map[string]bool{
		"block":      true,
		"net":        true,
		"usb":        false,
		"blockdev":   false,
		"scsi_block": false,
	}
	for subsystem, want := range cases {
		ev := netlink.UEvent{
			Action: netlink.ADD,
			KObj:   "/devices/virtual/x",
			Env:    map[string]string{"SUBSYSTEM": subsystem},
		}
		if got := matcher.Evaluate(ev); got != want {
			t.Errorf("subsystem %q: got %v, want %v", subsystem, got, want)
		}
	}
}

func TestHandleEventEnqueuesDevice(t *testing.T) {
	var got []*device.Device
	m := NewUEventMonitor(func(d *device.Device) error {
		got = append(got, d)
		return nil
	}, nil, logging.NewNop())

	ok := m.handleEvent(netlink.UEvent{
		Action: netlink.ADD,
		KObj:   "/devices/pci0000:00/usb1",
		Env: map[string]string{
			"SEQNUM":    "42",
			"SUBSYSTEM": "usb",
		},
	})
	if !ok {
		t.Fatal("monitor should keep running")
	}
	if len(got) != 1 {
		t.Fatalf("expected one device, got %d", len(got))
	}
	if got[0].Seqnum != 42 || got[0].Action != "add" || got[0].DevPath != "/devices/pci0000:00/usb1" {
		t.Fatalf("unexpected device: %+v", got[0])
	}
}

func TestHandleEventSkipsMalformed(t *testing.T) {
	calls := 0
	m := NewUEventMonitor(func(*device.Device) error {
		calls++
		return nil
	}, nil, logging.NewNop())

	ok := m.handleEvent(netlink.UEvent{
		Action: netlink.ADD,
		KObj:   "/devices/x",
		Env:    map[string]string{"SEQNUM": "not-a-number"},
	})
	if !ok || calls != 0 {
		t.Fatalf("malformed event should be skipped, ok=%v calls=%d", ok, calls)
	}
}

func TestHandleEventStopsWhenManagerGone(t *testing.T) {
	m := NewUEventMonitor(func(*device.Device) error {
		return errors.New("stopped")
	}, nil, logging.NewNop())

	ok := m.handleEvent(netlink.UEvent{
		Action: netlink.REMOVE,
		KObj:   "/devices/x",
		Env:    map[string]string{"SEQNUM": "7"},
	})
	if ok {
		t.Fatal("monitor should stop once enqueue fails")
	}
}

func TestStopUnstartedMonitor(t *testing.T) {
	var nilMonitor *UEventMonitor
	nilMonitor.Stop()
	if nilMonitor.Running() {
		t.Fatal("nil monitor must not report running")
	}

	m := NewUEventMonitor(nil, nil, logging.NewNop())
	m.Stop()
	m.Stop()
	if m.Running() {
		t.Fatal("unstarted monitor must not report running")
	}
}
