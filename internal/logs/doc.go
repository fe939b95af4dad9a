// Package logs tails the daemon's JSON log file for the CLI.
//
// Negative offsets mean "the last N lines"; follow mode polls for new lines
// until the caller's deadline. A Match function filters lines, and
// MatchFields builds one that selects JSON records by field value, so
// `hotplugd logs --seqnum 1234` shows one event's trail across manager and
// workers.
package logs
