// Package device models a kernel device event as the manager sees it: the
// identifying fields used for ordering (sequence number, device path, device
// id, device node) plus an opaque property bag passed through to workers.
//
// It also owns the small amount of sysfs access the manager and workers need:
// resolving the whole-disk node for block-device locking and writing synthetic
// actions to a device's uevent attribute.
package device
