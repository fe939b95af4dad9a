package ipc

import (
	"hotplugd/internal/daemon"
	"hotplugd/internal/history"
)

// ServiceName is the RPC receiver name registered by the server.
const ServiceName = "Hotplugd"

// PingRequest checks that the daemon answers.
type PingRequest struct{}

// PingResponse echoes the daemon pid.
type PingResponse struct {
	PID int `json:"pid"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse carries the daemon status snapshot.
type StatusResponse struct {
	daemon.Status
}

// ReloadRequest asks for a configuration and rules reload.
type ReloadRequest struct {
	// Force skips the debounce interval and the change check.
	Force bool `json:"force"`
}

// ReloadResponse acknowledges a reload.
type ReloadResponse struct {
	Reloaded bool `json:"reloaded"`
}

// ExitRequest asks the daemon to shut down.
type ExitRequest struct{}

// ExitResponse acknowledges the shutdown request.
type ExitResponse struct {
	Exiting bool `json:"exiting"`
}

// ExecQueueRequest pauses or resumes event dispatching.
type ExecQueueRequest struct {
	Stop bool `json:"stop"`
}

// ExecQueueResponse reports the resulting dispatch state.
type ExecQueueResponse struct {
	Stopped bool `json:"stopped"`
}

// ChildrenMaxRequest changes the worker ceiling.
type ChildrenMaxRequest struct {
	Max int `json:"max"`
}

// ChildrenMaxResponse reports the applied ceiling.
type ChildrenMaxResponse struct {
	Max int `json:"max"`
}

// HistoryRequest lists recorded event outcomes.
type HistoryRequest struct {
	Limit    int      `json:"limit"`
	Outcomes []string `json:"outcomes"`
}

// HistoryResponse holds outcome records, newest first, plus totals.
type HistoryResponse struct {
	Records []history.Record `json:"records"`
	Totals  map[string]int   `json:"totals"`
}

// LogTailRequest reads daemon log lines.
type LogTailRequest struct {
	Offset     int64             `json:"offset"`
	Limit      int               `json:"limit"`
	Follow     bool              `json:"follow"`
	WaitMillis int               `json:"wait_millis"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// LogTailResponse returns log lines and the offset to continue from.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}
