package wsserver

import "testing"

// fakeTransport is a hand-rolled in-memory Transport, in the style of a
// mock net.Conn: no real fds, just byte slices and counters, enough to
// drive Connection's state machine and send buffer logic deterministically.
type fakeTransport struct {
	writes      [][]byte
	writeLimit  int // max bytes accepted per Write call, 0 means unlimited
	writeErr    error
	buffered    int
	closed      bool
}

func (f *fakeTransport) Read() ([]byte, error) { return nil, nil }

func (f *fakeTransport) Write(b []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	n := len(b)
	if f.writeLimit > 0 && n > f.writeLimit {
		n = f.writeLimit
	}
	f.writes = append(f.writes, append([]byte(nil), b[:n]...))
	return n, nil
}

func (f *fakeTransport) BufferedBytes() int             { return f.buffered }
func (f *fakeTransport) PeerAddr() string               { return "127.0.0.1:1234" }
func (f *fakeTransport) ReadHandle() (int, Direction)   { return 1, DirIn }
func (f *fakeTransport) WriteHandle() (int, Direction)  { return 1, DirOut }
func (f *fakeTransport) Close() error                   { f.closed = true; return nil }

func TestConnectionTransitionTable(t *testing.T) {
	c := newConnection(1, &fakeTransport{})
	if c.State() != NotConnected {
		t.Fatalf("initial state = %v, want NotConnected", c.State())
	}
	if err := c.transitionTo(Connecting); err != nil {
		t.Fatalf("NotConnected->Connecting: %v", err)
	}
	if err := c.transitionTo(Connected); err != nil {
		t.Fatalf("Connecting->Connected: %v", err)
	}
	if err := c.transitionTo(Connecting); err != errIllegalTransition {
		t.Fatalf("Connected->Connecting should be illegal, got %v", err)
	}
	if err := c.transitionTo(Closing); err != nil {
		t.Fatalf("Connected->Closing: %v", err)
	}
	if err := c.transitionTo(Closed); err != nil {
		t.Fatalf("Closing->Closed: %v", err)
	}
	if err := c.transitionTo(Connected); err != errIllegalTransition {
		t.Fatalf("Closed is terminal, got %v", err)
	}
}

func TestConnectionTransitionTableRejectsUnspecifiedEdges(t *testing.T) {
	// NotConnected and Connecting may only ever reach Closed directly;
	// neither has a path to Closing, which is reserved for an
	// already-Connected application-initiated close_connection call.
	cases := []struct {
		from, to State
	}{
		{NotConnected, Closing},
		{Connecting, Closing},
	}
	for _, tc := range cases {
		c := &Connection{state: tc.from, transport: &fakeTransport{}}
		if err := c.transitionTo(tc.to); err != errIllegalTransition {
			t.Errorf("%v->%v: err = %v, want errIllegalTransition", tc.from, tc.to, err)
		}
	}
}

func TestConnectionReadActivePredicate(t *testing.T) {
	cases := []struct {
		state State
		want  bool
	}{
		{NotConnected, true},
		{Connecting, false},
		{Connected, true},
		{Closing, true},
		{Closed, false},
	}
	for _, tc := range cases {
		c := &Connection{state: tc.state, transport: &fakeTransport{}}
		if got := c.readActive(); got != tc.want {
			t.Errorf("state %v: readActive() = %v, want %v", tc.state, got, tc.want)
		}
	}
}

func TestConnectionWriteActivePredicate(t *testing.T) {
	// Connecting is always write-active regardless of queued data: the
	// handshake response itself is what must drain.
	c := &Connection{state: Connecting, transport: &fakeTransport{}}
	if !c.writeActive() {
		t.Fatalf("Connecting must be write-active")
	}

	// Connected with nothing queued and no transport-internal buffering
	// is not write-active.
	c = &Connection{state: Connected, transport: &fakeTransport{}}
	if c.writeActive() {
		t.Fatalf("Connected with no pending data should not be write-active")
	}

	// Connected with a queued frame is write-active.
	c = &Connection{state: Connected, transport: &fakeTransport{}}
	c.queueFrame([]byte("x"))
	if !c.writeActive() {
		t.Fatalf("Connected with queued data must be write-active")
	}

	// Closed with the transport still draining internally-buffered bytes
	// (TLS's own send buffer) is still write-active, so the echo Close
	// frame can finish flushing before the connection is actually torn
	// down by dropConnection.
	c = &Connection{state: Closed, transport: &fakeTransport{buffered: 3}}
	if !c.writeActive() {
		t.Fatalf("Closed with transport-buffered bytes must remain write-active")
	}

	// Closed with nothing left to send is not write-active.
	c = &Connection{state: Closed, transport: &fakeTransport{}}
	if c.writeActive() {
		t.Fatalf("Closed with nothing queued should not be write-active")
	}

	// NotConnected is never write-active.
	c = &Connection{state: NotConnected, transport: &fakeTransport{}}
	if c.writeActive() {
		t.Fatalf("NotConnected should not be write-active")
	}
}

func TestConnectionQueueFrameRejectedWhenClosed(t *testing.T) {
	c := &Connection{state: Closed, transport: &fakeTransport{}}
	if c.queueFrame([]byte("x")) {
		t.Fatalf("queueFrame should fail once Closed")
	}
}

func TestConnectionWritePartialThenResume(t *testing.T) {
	ft := &fakeTransport{writeLimit: 3}
	c := &Connection{state: Connected, transport: ft}
	c.queueFrame([]byte("hello"))

	if err := c.write(); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(ft.writes) != 1 || string(ft.writes[0]) != "hel" {
		t.Fatalf("writes = %v, want one write of \"hel\"", ft.writes)
	}
	if string(c.partialHead) != "lo" {
		t.Fatalf("partialHead = %q, want %q", c.partialHead, "lo")
	}
	if !c.dataToSend() {
		t.Fatalf("dataToSend should still be true with an unflushed partial head")
	}

	// Lift the limit and let the rest drain.
	ft.writeLimit = 0
	if err := c.write(); err != nil {
		t.Fatalf("write (resume): %v", err)
	}
	if len(ft.writes) != 2 || string(ft.writes[1]) != "lo" {
		t.Fatalf("writes = %v, want second write of \"lo\"", ft.writes)
	}
	if c.partialHead != nil {
		t.Fatalf("partialHead should be drained, got %q", c.partialHead)
	}
	if c.dataToSend() {
		t.Fatalf("dataToSend should be false once fully flushed")
	}
}

func TestConnectionBufferBytesCountsQueueAndTransport(t *testing.T) {
	ft := &fakeTransport{buffered: 7}
	c := &Connection{state: Connected, transport: ft}
	c.queueFrame([]byte("abc"))
	c.queueFrame([]byte("de"))
	if got, want := c.bufferBytes(), 3+2+7; got != want {
		t.Fatalf("bufferBytes = %d, want %d", got, want)
	}
}

func TestConnectionClearBufferDropsQueueAndPartialHead(t *testing.T) {
	c := &Connection{state: Connected, transport: &fakeTransport{}}
	c.queueFrame([]byte("abc"))
	c.partialHead = []byte("leftover")
	c.clearBuffer()
	if c.dataToSend() {
		t.Fatalf("dataToSend should be false after clearBuffer")
	}
	if c.partialHead != nil {
		t.Fatalf("partialHead should be nil after clearBuffer")
	}
}
