// Package daemon coordinates the long-running hotplugd process.
//
// It enforces single-instance execution with a flock on the lock file, feeds
// kernel uevents from the netlink socket into the manager, and exposes the
// control surface (status, history, reload, exit, worker limits) that the IPC
// server forwards to.
package daemon
