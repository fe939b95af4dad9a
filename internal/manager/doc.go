// Package manager is the event loop of hotplugd.
//
// A Manager owns the event queue and the worker pool and runs on a reactor:
// device notifications, worker reports, worker exits, and control requests
// are posted into the loop, and after each batch the manager dispatches every
// queued event that nothing blocks. Events whose disk is locked are retried
// with a fixed backoff until the retry window closes. Terminal outcomes are
// broadcast to Listeners such as the history recorder and metrics.
package manager
