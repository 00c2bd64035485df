// Package shutdown provides lock-free graceful-termination signaling
// between an OS signal handler and the server's single event-loop
// goroutine, adapted from the hot/stop coordination flags used to halt
// pinned consumer threads.
//
// The activity/cooldown half of that coordination scheme is
// domain-specific to a trading ingestion pipeline and has no
// counterpart here; only the stop flag survives.
package shutdown

import "sync/atomic"

var stop atomic.Uint32

// Request sets the stop flag. Safe to call from a signal handler.
func Request() {
	stop.Store(1)
}

// Requested reports whether Request has been called. The event loop
// polls this once per iteration and returns from loop() with a clean
// exit status when it flips true.
func Requested() bool {
	return stop.Load() == 1
}

// Reset clears the flag. Exists for tests that spin up a server,
// request shutdown, then reuse the same process-wide flag for another.
func Reset() {
	stop.Store(0)
}
