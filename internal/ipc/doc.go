// Package ipc exposes the daemon over JSON-RPC on a Unix socket and ships the
// matching client used by the CLI.
//
// The server forwards each request to a Backend with a bounded timeout so a
// wedged manager loop surfaces as an error instead of a hung client. Reuse the
// request and response types when adding endpoints to keep the protocol
// stable.
package ipc
