// Package logging assembles structured slog loggers and formatting helpers used
// across hotplugd.
//
// It owns the configurable console/JSON handlers, the tee that mirrors the
// console stream into a JSON journal, and the field names every component uses
// (seqnum, devpath, worker_pid, event_type, error_hint, impact). The level is
// held in a slog.LevelVar supplied by the caller so a running daemon can
// re-apply it without rebuilding handlers.
//
// Prefer these constructors over hand-rolled slog setup so manager, worker and
// CLI output share one shape.
package logging
