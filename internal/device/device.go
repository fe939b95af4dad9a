package device

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/pilebones/go-udev/netlink"
	"golang.org/x/sys/unix"
)

// Action values as delivered by the kernel.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionChange = "change"
	ActionMove   = "move"
	ActionOnline = "online"
	ActionBind   = "bind"
	ActionUnbind = "unbind"
)

// Device is the opaque handle passed between the event source, the manager
// and workers. The manager reads only the identifying fields; everything else
// is carried through untouched.
type Device struct {
	Seqnum     uint64            `json:"seqnum"`
	Action     string            `json:"action"`
	DevPath    string            `json:"devpath"`
	DevPathOld string            `json:"devpath_old,omitempty"`
	Subsystem  string            `json:"subsystem,omitempty"`
	DevType    string            `json:"devtype,omitempty"`
	DevNode    string            `json:"devnode,omitempty"`
	Driver     string            `json:"driver,omitempty"`
	Major      int               `json:"major,omitempty"`
	Minor      int               `json:"minor,omitempty"`
	IfIndex    int               `json:"ifindex,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`

	// Failure annotations added by the manager before broadcasting.
	ExitStatus int    `json:"exit_status,omitempty"`
	Signal     string `json:"signal,omitempty"`
	Error      string `json:"error,omitempty"`
}

var errMissingKey = errors.New("missing uevent key")

// FromEnv builds a device from uevent key/value pairs.
func FromEnv(env map[string]string) (*Device, error) {
	props := make(map[string]string, len(env))
	for k, v := range env {
		props[k] = v
	}

	dev := &Device{
		Action:     props["ACTION"],
		DevPath:    props["DEVPATH"],
		DevPathOld: props["DEVPATH_OLD"],
		Subsystem:  props["SUBSYSTEM"],
		DevType:    props["DEVTYPE"],
		Driver:     props["DRIVER"],
		Properties: props,
	}
	seq := props["SEQNUM"]
	if seq == "" {
		return nil, fmt.Errorf("%w: SEQNUM", errMissingKey)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse SEQNUM %q: %w", seq, err)
	}
	dev.Seqnum = n

	if name := props["DEVNAME"]; name != "" {
		if strings.HasPrefix(name, "/") {
			dev.DevNode = name
		} else {
			dev.DevNode = "/dev/" + name
		}
	}
	if v := props["MAJOR"]; v != "" {
		if dev.Major, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("parse MAJOR %q: %w", v, err)
		}
	}
	if v := props["MINOR"]; v != "" {
		if dev.Minor, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("parse MINOR %q: %w", v, err)
		}
	}
	if v := props["IFINDEX"]; v != "" {
		if dev.IfIndex, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("parse IFINDEX %q: %w", v, err)
		}
	}
	return dev, nil
}

// FromUEvent converts a netlink uevent into a device.
func FromUEvent(ev netlink.UEvent) (*Device, error) {
	env := make(map[string]string, len(ev.Env)+2)
	for k, v := range ev.Env {
		env[k] = v
	}
	if env["ACTION"] == "" {
		env["ACTION"] = string(ev.Action)
	}
	if env["DEVPATH"] == "" {
		env["DEVPATH"] = ev.KObj
	}
	return FromEnv(env)
}

// SysName is the last component of the device path.
func (d *Device) SysName() string {
	if d.DevPath == "" {
		return ""
	}
	return path.Base(d.DevPath)
}

// IsBlock reports whether the device belongs to the block subsystem.
func (d *Device) IsBlock() bool {
	return d.Subsystem == "block"
}

// ID returns a stable identifier for the device: the device number for
// character and block devices, the interface index for network devices, and
// subsystem plus sysname otherwise. An empty string means no identifier.
func (d *Device) ID() string {
	switch {
	case d.Major > 0 || d.Minor > 0:
		kind := "c"
		if d.IsBlock() {
			kind = "b"
		}
		return fmt.Sprintf("%s%d:%d", kind, d.Major, d.Minor)
	case d.IfIndex > 0:
		return "n" + strconv.Itoa(d.IfIndex)
	case d.Subsystem != "" && d.SysName() != "":
		if d.Subsystem == "drivers" {
			return "+drivers:" + d.DevType + ":" + d.SysName()
		}
		return "+" + d.Subsystem + ":" + d.SysName()
	default:
		return ""
	}
}

// Env returns the uevent-style environment handed to rule programs.
func (d *Device) Env() []string {
	env := make(map[string]string, len(d.Properties)+4)
	for k, v := range d.Properties {
		env[k] = v
	}
	env["SEQNUM"] = strconv.FormatUint(d.Seqnum, 10)
	env["ACTION"] = d.Action
	env["DEVPATH"] = d.DevPath
	if d.Subsystem != "" {
		env["SUBSYSTEM"] = d.Subsystem
	}
	if d.DevNode != "" {
		env["DEVNAME"] = d.DevNode
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	cp := *d
	if d.Properties != nil {
		cp.Properties = make(map[string]string, len(d.Properties))
		for k, v := range d.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}

// AddExitStatus records the exit code of the worker that failed on this device.
func (d *Device) AddExitStatus(code int) {
	d.ExitStatus = code
}

// AddSignal records the signal that terminated the worker handling this device.
func (d *Device) AddSignal(sig syscall.Signal) {
	name := unix.SignalName(sig)
	if name == "" {
		name = strconv.Itoa(int(sig))
	}
	d.Signal = name
}

// AddError records a terminal processing error.
func (d *Device) AddError(err error) {
	if err == nil {
		return
	}
	d.Error = err.Error()
}

// PathConflict reports whether two device paths are equal or one is an
// ancestor of the other. The prefix must end on a path separator, so
// "/devices/a" does not conflict with "/devices/ab". Empty paths never conflict.
func PathConflict(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	if !strings.HasPrefix(b, a) {
		return false
	}
	return len(a) == len(b) || b[len(a)] == '/'
}
