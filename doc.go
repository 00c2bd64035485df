// Package wsserver implements a single-process, event-driven WebSocket
// server. Connections are multiplexed through one readiness-based event
// loop; each connection advances through a small state machine as it is
// accepted, handshaken, opened, and eventually torn down.
//
// The loop is single-threaded and cooperative: every callback in this
// package runs on the goroutine that calls Loop or LoopOnce. Application
// callbacks registered via SetOpenCallback, SetMessageCallback, and
// SetCloseCallback must return promptly — nothing else in the loop can
// make progress while one is running.
package wsserver
