// Package wslog is a cold-path logging helper for the event loop's
// diagnostics: parse failures while Connected, poller-level failures,
// accept and listener errors, and calls made outside the Connected
// state. It writes directly to stderr, avoiding
// fmt's reflection-driven formatting for messages that occur, at most,
// a handful of times per connection lifetime.
package wslog

import "os"

// DropError logs prefix followed by err's message, or just prefix if
// err is nil (used for state-change traces that carry no error).
func DropError(prefix string, err error) {
	if err != nil {
		os.Stderr.WriteString(prefix + ": " + err.Error() + "\n")
		return
	}
	os.Stderr.WriteString(prefix + "\n")
}

// DropMessage logs a prefix/message pair for cold-path diagnostics:
// close_connection/queue_frame calls outside the Connected state, heap
// guardrail triggers, and the demo binary's startup and signal notices.
func DropMessage(prefix, message string) {
	os.Stderr.WriteString(prefix + ": " + message + "\n")
}
