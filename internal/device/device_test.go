package device_test

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pilebones/go-udev/netlink"

	"hotplugd/internal/device"
)

func TestPathConflict(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"/devices/pci0/usb1", "/devices/pci0/usb1", true},
		{"/devices/pci0/usb1", "/devices/pci0/usb1/ep1", true},
		{"/devices/pci0/usb1/ep1", "/devices/pci0/usb1", true},
		{"/devices/a", "/devices/ab", false},
		{"/devices/ab", "/devices/a", false},
		{"/a/b", "/a/bc", false},
		{"/a/b", "/a/c", false},
		{"", "/devices/a", false},
		{"/devices/a", "", false},
	}
	for _, tc := range cases {
		if got := device.PathConflict(tc.a, tc.b); got != tc.want {
			t.Errorf("PathConflict(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestFromUEvent(t *testing.T) {
	ev := netlink.UEvent{
		Action: netlink.ADD,
		KObj:   "/devices/pci0/block/sda/sda1",
		Env: map[string]string{
			"SEQNUM":    "42",
			"SUBSYSTEM": "block",
			"DEVTYPE":   "partition",
			"DEVNAME":   "sda1",
			"MAJOR":     "8",
			"MINOR":     "1",
		},
	}
	dev, err := device.FromUEvent(ev)
	if err != nil {
		t.Fatalf("FromUEvent: %v", err)
	}
	if dev.Seqnum != 42 || dev.Action != "add" {
		t.Fatalf("unexpected identity: seq=%d action=%q", dev.Seqnum, dev.Action)
	}
	if dev.DevPath != "/devices/pci0/block/sda/sda1" {
		t.Fatalf("devpath not taken from kobj: %q", dev.DevPath)
	}
	if dev.DevNode != "/dev/sda1" {
		t.Fatalf("unexpected devnode: %q", dev.DevNode)
	}
	if dev.ID() != "b8:1" {
		t.Fatalf("unexpected id: %q", dev.ID())
	}
}

func TestFromEnvRequiresSeqnum(t *testing.T) {
	if _, err := device.FromEnv(map[string]string{"ACTION": "add", "DEVPATH": "/devices/a"}); err == nil {
		t.Fatal("expected error without SEQNUM")
	}
	if _, err := device.FromEnv(map[string]string{"SEQNUM": "x"}); err == nil {
		t.Fatal("expected error for non-numeric SEQNUM")
	}
}

func TestID(t *testing.T) {
	cases := []struct {
		name string
		dev  device.Device
		want string
	}{
		{"char", device.Device{DevPath: "/devices/tty/ttyS0", Subsystem: "tty", Major: 4, Minor: 64}, "c4:64"},
		{"net", device.Device{DevPath: "/devices/net/eth0", Subsystem: "net", IfIndex: 2}, "n2"},
		{"other", device.Device{DevPath: "/devices/pci0/0000:00:01.0", Subsystem: "pci"}, "+pci:0000:00:01.0"},
		{"none", device.Device{DevPath: "/devices/virtual/x"}, ""},
	}
	for _, tc := range cases {
		if got := tc.dev.ID(); got != tc.want {
			t.Errorf("%s: ID() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestWholeDisk(t *testing.T) {
	root := t.TempDir()
	diskDir := filepath.Join(root, "devices", "pci0", "block", "sda")
	if err := os.MkdirAll(diskDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(diskDir, "uevent"), []byte("MAJOR=8\nMINOR=0\nDEVNAME=sda\nDEVTYPE=disk\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	partition := device.Device{Subsystem: "block", DevType: "partition", DevPath: "/devices/pci0/block/sda/sda1", DevNode: "/dev/sda1"}
	got, err := partition.WholeDisk(root)
	if err != nil || got != "/dev/sda" {
		t.Fatalf("partition whole disk = %q, %v", got, err)
	}

	disk := device.Device{Subsystem: "block", DevType: "disk", DevPath: "/devices/pci0/block/sda", DevNode: "/dev/sda"}
	if got, _ := disk.WholeDisk(root); got != "/dev/sda" {
		t.Fatalf("disk whole disk = %q", got)
	}

	dm := device.Device{Subsystem: "block", DevType: "disk", DevPath: "/devices/virtual/block/dm-0"}
	if got, _ := dm.WholeDisk(root); got != "" {
		t.Fatalf("dm devices must not be locked, got %q", got)
	}

	tty := device.Device{Subsystem: "tty", DevPath: "/devices/tty/ttyS0"}
	if got, _ := tty.WholeDisk(root); got != "" {
		t.Fatalf("non-block device returned %q", got)
	}
}

func TestTriggerWritesAction(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "devices", "a")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "uevent"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := device.Trigger(root, "/devices/a", device.ActionChange); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "uevent"))
	if string(data) != "change" {
		t.Fatalf("unexpected uevent contents %q", data)
	}
}

func TestAnnotationsAndEnv(t *testing.T) {
	dev := &device.Device{Seqnum: 5, Action: "add", DevPath: "/devices/a", Properties: map[string]string{"ID_FS": "ext4"}}
	cp := dev.Clone()
	cp.AddSignal(syscall.SIGKILL)
	cp.AddExitStatus(3)
	cp.Properties["ID_FS"] = "xfs"

	if dev.Signal != "" || dev.Properties["ID_FS"] != "ext4" {
		t.Fatal("Clone shares state with the original")
	}
	if cp.Signal != "SIGKILL" || cp.ExitStatus != 3 {
		t.Fatalf("unexpected annotations: %+v", cp)
	}

	want := []string{"ACTION=add", "DEVPATH=/devices/a", "ID_FS=ext4", "SEQNUM=5"}
	if diff := cmp.Diff(want, dev.Env()); diff != "" {
		t.Fatalf("Env mismatch (-want +got):\n%s", diff)
	}
}
