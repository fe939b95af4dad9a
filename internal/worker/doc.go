// Package worker covers both ends of the worker protocol.
//
// On the manager side, Pool tracks worker processes and their states and
// hands devices to them through a Spawner. On the worker side, Runner applies
// rules to each device under a shared whole-disk lock and reports back over
// the notify socket, whose datagrams carry the sender pid via SO_PASSCRED.
package worker
