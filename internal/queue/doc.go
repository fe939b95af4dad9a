// Package queue keeps pending and running device events in sequence order
// and decides which of them may start.
//
// An event is blocked while an earlier event that has not finished touches the
// same device: an identical or ancestor/descendant device path (current or
// previous), the same device id, or the same device node. Blocker lookups are
// memoized per event so repeated dispatch passes do not rescan the queue.
package queue
