package wsserver

import "errors"

// State is a connection's position in the lifecycle state machine
// described in §3. Transitions are enforced by transitionTo; any
// attempted transition not present in the table is a programming error.
type State uint8

const (
	NotConnected State = iota
	Connecting
	Connected
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "not_connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var errIllegalTransition = errors.New("wsserver: illegal connection state transition")

// validTransitions enumerates every legal edge in the state machine.
// NotConnected is the state a freshly-accepted socket starts in before
// its handshake request has even been read; Connecting covers the
// window between a valid 101 response being queued and every byte of
// it reaching the wire (for TLSTransport: every byte of it being taken
// off the transport's internal queue by its writer goroutine).
var validTransitions = map[State]map[State]bool{
	NotConnected: {Connecting: true, Closed: true},
	Connecting:   {Connected: true, Closed: true},
	Connected:    {Closing: true, Closed: true},
	Closing:      {Closed: true},
	Closed:       {},
}

// ID is a connection's identity. It is monotonically increasing and
// never reused for the lifetime of a Server, per §3.
type ID uint64

// Connection is one accepted socket's full mutable state: its
// transport, its incremental parsers, its outbound frame queue, and its
// position in the lifecycle state machine (§3, §4.2).
type Connection struct {
	id        ID
	transport Transport
	state     State

	handshake *HandshakeParser
	messages  *MessageParser

	sendBuffer [][]byte

	// partialHead is the unwritten suffix of sendBuffer's former head
	// entry, for transports where a short write must resume exactly
	// where it left off (§4.2's "write() replaces the head send_buffer
	// entry with its unwritten suffix").
	partialHead []byte
}

func newConnection(id ID, t Transport) *Connection {
	return &Connection{
		id:        id,
		transport: t,
		state:     NotConnected,
		handshake: &HandshakeParser{},
		messages:  &MessageParser{},
	}
}

func (c *Connection) ID() ID         { return c.id }
func (c *Connection) State() State   { return c.state }
func (c *Connection) PeerAddr() string { return c.transport.PeerAddr() }

// transitionTo enforces the state machine's edge table. Callers never
// bypass it with a bare assignment.
func (c *Connection) transitionTo(next State) error {
	if !validTransitions[c.state][next] {
		return errIllegalTransition
	}
	c.state = next
	return nil
}

// readActive reports whether the read direction's activation predicate
// (I3) currently holds: the connection accepts inbound bytes in every
// state except Connecting (mid-handshake-response-flush) and Closed.
func (c *Connection) readActive() bool {
	return c.state != Connecting && c.state != Closed
}

// writeActive reports whether the write direction's activation
// predicate (I3) currently holds: either the handshake response is
// still draining (Connecting), or there is application data queued, or
// the transport itself has internally-buffered bytes not yet on the
// wire.
func (c *Connection) writeActive() bool {
	switch c.state {
	case Connecting:
		return true
	case Connected, Closing, Closed:
		return c.dataToSend()
	default:
		return false
	}
}

func (c *Connection) dataToSend() bool {
	if len(c.partialHead) > 0 || len(c.sendBuffer) > 0 {
		return true
	}
	return c.transport.BufferedBytes() > 0
}

// bufferBytes reports total unflushed outbound bytes, across both the
// in-memory send_buffer and any transport-internal buffering (§4.6's
// buffer_bytes()).
func (c *Connection) bufferBytes() int {
	n := len(c.partialHead)
	for _, b := range c.sendBuffer {
		n += len(b)
	}
	return n + c.transport.BufferedBytes()
}

// queueFrame appends a wire-ready frame to the send buffer. It is
// valid in every state but Closed (§4.6's queue_frame precondition).
func (c *Connection) queueFrame(wire []byte) bool {
	if c.state == Closed {
		return false
	}
	c.sendBuffer = append(c.sendBuffer, wire)
	return true
}

// clearBuffer discards all unflushed outbound bytes, including any
// transport-internal buffering for transports that implement
// bufferClearer (§6's clear_buffer()).
func (c *Connection) clearBuffer() {
	c.sendBuffer = nil
	c.partialHead = nil
	if bc, ok := c.transport.(bufferClearer); ok {
		bc.ClearBuffer()
	}
}

// read pulls currently-available bytes from the transport without
// blocking. A nil slice with a nil error means nothing is available
// yet; errPeerClosed (or any other non-nil error) means the connection
// must be dropped.
func (c *Connection) read() ([]byte, error) {
	return c.transport.Read()
}

// write drains as much of the send buffer as the transport will accept
// right now. For PlainTransport a short write leaves the unwritten
// suffix in partialHead so the next call resumes exactly where it left
// off; TLSTransport's Write always accepts the whole buffer (§4.2), so
// partialHead never holds anything for it.
func (c *Connection) write() error {
	for {
		var head []byte
		fromQueue := false
		switch {
		case len(c.partialHead) > 0:
			head = c.partialHead
		case len(c.sendBuffer) > 0:
			head = c.sendBuffer[0]
			fromQueue = true
		default:
			return nil
		}

		n, err := c.transport.Write(head)
		if err != nil {
			return err
		}
		if fromQueue {
			c.sendBuffer = c.sendBuffer[1:]
		}
		if n == len(head) {
			c.partialHead = nil
			continue
		}
		// Partial write: stash the unwritten suffix and stop, the
		// transport's send path is not ready for more right now.
		rem := make([]byte, len(head)-n)
		copy(rem, head[n:])
		c.partialHead = rem
		return nil
	}
}
