package device

// Outcome is the terminal result of an event, as broadcast to listeners.
type Outcome string

const (
	// OutcomeProcessed means a worker finished the event.
	OutcomeProcessed Outcome = "processed"
	// OutcomeWorkerFailed means the worker exited non-zero or was killed while
	// holding the event. Not retried.
	OutcomeWorkerFailed Outcome = "worker_failed"
	// OutcomeRetryTimeout means the device stayed locked for the whole retry window.
	OutcomeRetryTimeout Outcome = "retry_timeout"
	// OutcomeDropped means the event was discarded unprocessed during shutdown.
	OutcomeDropped Outcome = "dropped"
)
