package device

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// WholeDisk returns the device node of the disk that owns this block device,
// or "" when locking does not apply: non-block devices and device-mapper,
// md and drbd devices, whose nodes are routinely held open by their owners.
func (d *Device) WholeDisk(sysfsRoot string) (string, error) {
	if !d.IsBlock() {
		return "", nil
	}
	name := d.SysName()
	for _, prefix := range []string{"dm-", "md", "drbd"} {
		if strings.HasPrefix(name, prefix) {
			return "", nil
		}
	}

	if d.DevType != "partition" {
		if d.DevNode != "" {
			return d.DevNode, nil
		}
		return nodeFromSysName(name), nil
	}

	parent := path.Dir(d.DevPath)
	props, err := ReadUEvent(sysfsRoot, parent)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if devname := props["DEVNAME"]; devname != "" {
		if strings.HasPrefix(devname, "/") {
			return devname, nil
		}
		return "/dev/" + devname, nil
	}
	return nodeFromSysName(path.Base(parent)), nil
}

func nodeFromSysName(name string) string {
	return "/dev/" + strings.ReplaceAll(name, "!", "/")
}

// ReadUEvent parses the uevent attribute of a device in sysfs.
func ReadUEvent(sysfsRoot, devpath string) (map[string]string, error) {
	file, err := os.Open(filepath.Join(sysfsRoot, devpath, "uevent"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	props := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		props[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read uevent for %s: %w", devpath, err)
	}
	return props, nil
}

// Trigger asks the kernel to emit a synthetic uevent for devpath by writing
// the action to its uevent attribute.
func Trigger(sysfsRoot, devpath, action string) error {
	target := filepath.Join(sysfsRoot, devpath, "uevent")
	file, err := os.OpenFile(target, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", target, err)
	}
	if _, err := file.WriteString(action); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	return file.Close()
}
