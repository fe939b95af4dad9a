// Package reactor is the single-threaded event loop behind the manager.
//
// Every input source (kernel uevents, worker reports, process exits, signals,
// control requests) posts a closure; timers live in a heap driven by an
// injectable clockwork.Clock so timeouts can be tested without sleeping.
package reactor
