// Package eventlog writes newline-delimited JSON connection lifecycle
// events to an io.Writer, wired from a Server's open and close
// callbacks. It exists purely as an observer: nothing in the core event
// loop depends on it running.
package eventlog

import (
	"io"
	"sync"

	"github.com/sugawarayuuta/sonnet"
)

// Kind identifies what happened to a connection.
type Kind string

const (
	KindOpen  Kind = "open"
	KindClose Kind = "close"
)

// Event is one lifecycle record.
type Event struct {
	Kind         Kind   `json:"kind"`
	ConnectionID uint64 `json:"connection_id"`
	PeerAddr     string `json:"peer_addr,omitempty"`
	TimestampNs  int64  `json:"ts_ns"`
}

// Logger serializes Events with sonnet, the fast encoding/json
// drop-in, and writes each as its own line.
type Logger struct {
	mu sync.Mutex
	w  io.Writer
}

func New(w io.Writer) *Logger {
	return &Logger{w: w}
}

func (l *Logger) Write(ev Event) error {
	b, err := sonnet.Marshal(ev)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(b); err != nil {
		return err
	}
	_, err = l.w.Write([]byte{'\n'})
	return err
}
