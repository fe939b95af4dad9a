// Command hotplugd is the device event manager and its control client.
//
// `hotplugd daemon` runs the manager in the foreground; `start`, `stop` and
// `restart` manage a detached instance. The remaining commands talk to a
// running daemon over its control socket. Workers are this same binary
// started with the hidden `worker` subcommand.
package main
