package wsserver

import (
	"crypto/tls"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"wsserver/internal/shutdown"
	"wsserver/internal/wslog"
)

// OpenCallback, MessageCallback and CloseCallback are the three upcalls
// described in §2 component 6.
type (
	OpenCallback    func(id ID)
	MessageCallback func(id ID, msg Message)
	CloseCallback   func(id ID)
)

type actionKey struct {
	handle int
	dir    Direction
}

// Server is a single readiness-based event loop multiplexing an
// arbitrary number of WebSocket connections, per §2 component 5.
// Every exported method except Shutdown and the three SetXxxCallback
// setters must only be called from the goroutine running Loop.
type Server struct {
	cfg       Config
	tlsConfig *tls.Config

	pollr    poller
	listenFD int
	active   bool

	connections map[ID]*Connection
	closedSet   map[ID]struct{}
	nextID      uint64

	actions       map[actionKey]*Action
	armed         map[actionKey]bool
	handleActions map[int][]*Action

	onOpen    OpenCallback
	onMessage MessageCallback
	onClose   CloseCallback

	// shutdownR/shutdownW are a self-pipe: Shutdown must be callable
	// from a signal handler running on another goroutine, and the
	// reactor otherwise blocks indefinitely in Wait(-1, ...); writing a
	// byte here is what actually wakes it up to notice the request.
	shutdownR, shutdownW *os.File

	lastErr error
}

// NewServer constructs a Server bound to cfg.ListenAddr. If cfg.TLS is
// non-nil every accepted connection is wrapped in a TLS session built
// from it (see TLSConfig.Build); otherwise connections use the plain
// TCP transport.
func NewServer(cfg Config) (*Server, error) {
	cfg.setDefaults()
	var tlsConfig *tls.Config
	if cfg.TLS != nil {
		tc, err := cfg.TLS.Build()
		if err != nil {
			return nil, err
		}
		tlsConfig = tc
	}
	return newServer(cfg, tlsConfig)
}

func newServer(cfg Config, tlsConfig *tls.Config) (*Server, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	fd, err := bindListener(cfg.ListenAddr)
	if err != nil {
		p.Close()
		return nil, err
	}
	s := &Server{
		cfg:           cfg,
		tlsConfig:     tlsConfig,
		pollr:         p,
		listenFD:      fd,
		active:        true,
		connections:   make(map[ID]*Connection),
		closedSet:     make(map[ID]struct{}),
		actions:       make(map[actionKey]*Action),
		armed:         make(map[actionKey]bool),
		handleActions: make(map[int][]*Action),
	}
	s.registerAction(&Action{
		Handle:    fd,
		Direction: DirIn,
		Active:    func() bool { return s.active },
		Fire:      s.acceptFire,
	})

	shutdownR, shutdownW, err := os.Pipe()
	if err != nil {
		p.Close()
		unix.Close(fd)
		return nil, err
	}
	if err := setNonblock(int(shutdownR.Fd())); err != nil {
		p.Close()
		unix.Close(fd)
		return nil, err
	}
	s.shutdownR, s.shutdownW = shutdownR, shutdownW
	s.registerAction(&Action{
		Handle:    int(shutdownR.Fd()),
		Direction: DirIn,
		Active:    func() bool { return true },
		Fire: func() Result {
			var scratch [8]byte
			unix.Read(int(s.shutdownR.Fd()), scratch[:])
			if shutdown.Requested() {
				return Result{Type: ResultExit, ExitStatus: 0}
			}
			return Result{Type: ResultContinue}
		},
	})

	return s, nil
}

func (s *Server) SetOpenCallback(cb OpenCallback)       { s.onOpen = cb }
func (s *Server) SetMessageCallback(cb MessageCallback) { s.onMessage = cb }
func (s *Server) SetCloseCallback(cb CloseCallback)     { s.onClose = cb }

// Shutdown requests a graceful stop. Safe to call from a signal
// handler: it wakes the reactor immediately even if it is currently
// blocked waiting for readiness with nothing pending.
func (s *Server) Shutdown() {
	shutdown.Request()
	if s.shutdownW != nil {
		s.shutdownW.Write([]byte{0})
	}
}

func (s *Server) registerAction(a *Action) {
	key := actionKey{a.Handle, a.Direction}
	s.actions[key] = a
	s.handleActions[a.Handle] = append(s.handleActions[a.Handle], a)
}

func (s *Server) cancelAllForHandle(handle int) {
	for _, a := range s.handleActions[handle] {
		key := actionKey{a.Handle, a.Direction}
		if s.armed[key] {
			s.pollr.Remove(a.Handle, a.Direction)
			delete(s.armed, key)
		}
		delete(s.actions, key)
	}
	delete(s.handleActions, handle)
}

// registerConnectionActions installs the two per-connection actions of
// §4.4 against the transport's read and write handles.
func (s *Server) registerConnectionActions(id ID, conn *Connection) {
	rh, rdir := conn.transport.ReadHandle()
	wh, wdir := conn.transport.WriteHandle()

	s.registerAction(&Action{
		Handle:    rh,
		Direction: rdir,
		Active:    conn.readActive,
		Fire:      func() Result { return s.fireReadAction(id) },
	})
	s.registerAction(&Action{
		Handle:    wh,
		Direction: wdir,
		Active:    conn.writeActive,
		Fire:      func() Result { return s.fireWriteAction(id) },
	})
}

// syncActions evaluates every action's activation predicate and
// arms/disarms the poller accordingly (§4.5 step 1).
func (s *Server) syncActions() {
	for key, a := range s.actions {
		want := a.Active()
		if want && !s.armed[key] {
			if err := s.pollr.Add(key.handle, key.dir); err == nil {
				s.armed[key] = true
			}
		} else if !want && s.armed[key] {
			s.pollr.Remove(key.handle, key.dir)
			delete(s.armed, key)
		}
	}
}

// LoopOnce runs a single reactor iteration: §4.5 steps 1-5.
func (s *Server) LoopOnce() Result {
	s.syncActions()

	var result = Result{Type: ResultContinue}
	err := s.pollr.Wait(-1, func(handle int, dir Direction) {
		a, ok := s.actions[actionKey{handle, dir}]
		if !ok {
			return
		}
		r := a.Fire()
		switch r.Type {
		case ResultCancelAll:
			s.cancelAllForHandle(handle)
		case ResultExit:
			result = r
		}
	})
	if err != nil {
		s.lastErr = fmt.Errorf("%w: %v", ErrPollerFailure, err)
		wslog.DropError("poller wait", err)
		return Result{Type: ResultExit, ExitStatus: 1}
	}

	// Step 4: post-iteration garbage collection.
	for id := range s.closedSet {
		delete(s.connections, id)
	}
	s.closedSet = make(map[ID]struct{})

	// Step 5: re-arm the listener once the population drops below cap.
	if !s.active && len(s.connections) < s.cfg.MaxConnections {
		if err := s.reopenListener(); err != nil {
			wslog.DropError("listener reopen", err)
		}
	}

	return result
}

// Loop runs LoopOnce until a callback requests Exit, the poller fails,
// or Shutdown is called, returning the resulting exit status.
func (s *Server) Loop() int {
	for {
		if shutdown.Requested() {
			return 0
		}
		r := s.LoopOnce()
		if r.Type == ResultExit {
			return r.ExitStatus
		}
	}
}

func (s *Server) reopenListener() error {
	fd, err := bindListener(s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listenFD = fd
	s.active = true
	s.registerAction(&Action{
		Handle:    fd,
		Direction: DirIn,
		Active:    func() bool { return s.active },
		Fire:      s.acceptFire,
	})
	return nil
}

// acceptFire implements §4.3's listener read action.
func (s *Server) acceptFire() Result {
	fd, peer, err := acceptOne(s.listenFD)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return Result{Type: ResultContinue}
		}
		wslog.DropError("accept", err)
		return Result{Type: ResultContinue}
	}

	var t Transport
	if s.tlsConfig != nil {
		rawConn, cerr := connFromFD(fd, peer)
		if cerr != nil {
			wslog.DropError("tls conn wrap", cerr)
			unix.Close(fd)
			return Result{Type: ResultContinue}
		}
		tt, terr := NewTLSTransport(rawConn, s.tlsConfig)
		if terr != nil {
			wslog.DropError("tls transport init", terr)
			rawConn.Close()
			return Result{Type: ResultContinue}
		}
		t = tt
	} else {
		t = NewPlainTransport(fd, addrPortFromNetAddr(peer))
	}

	return s.admitConnection(t)
}

// admitConnection registers a freshly accepted transport as a new
// connection and applies §4.3's admission-control cap. Split out of
// acceptFire so it can be driven directly with a fake Transport in
// tests instead of a real accepted socket.
func (s *Server) admitConnection(t Transport) Result {
	id := ID(s.nextID)
	s.nextID++

	conn := newConnection(id, t)
	s.connections[id] = conn
	s.registerConnectionActions(id, conn)

	if len(s.connections) >= s.cfg.MaxConnections {
		s.active = false
		unix.Close(s.listenFD)
		// CancelAll below removes the listener's own action; the
		// dispatcher in LoopOnce applies it for us.
		return Result{Type: ResultCancelAll}
	}
	return Result{Type: ResultContinue}
}

// fireReadAction implements §4.4's read action.
func (s *Server) fireReadAction(id ID) Result {
	conn, ok := s.connections[id]
	if !ok {
		return Result{Type: ResultContinue}
	}

	data, err := conn.read()
	if err != nil {
		// dropConnection deregisters both of the connection's actions
		// itself (§4.6), so no CancelAll is needed here.
		s.dropConnection(id)
		return Result{Type: ResultContinue}
	}
	if len(data) == 0 {
		return Result{Type: ResultContinue}
	}

	switch conn.state {
	case NotConnected:
		s.handleNotConnectedRead(id, conn, data)
	case Connected:
		s.handleConnectedRead(id, conn, data)
	case Closing:
		s.handleClosingRead(id, conn, data)
	}

	// The NotConnected-reject and Closing-on-Close branches above call
	// dropConnection synchronously, which already deregisters both of
	// the connection's actions. The Connected-on-Close branch merely
	// transitions to Closed and leaves the write action armed (its
	// predicate now tracks data_to_send()) so the queued echo frame
	// still drains; syncActions naturally stops arming this read
	// direction next iteration since readActive() excludes Closed.
	return Result{Type: ResultContinue}
}

func (s *Server) handleNotConnectedRead(id ID, conn *Connection, data []byte) {
	conn.handshake.Parse(data)
	if conn.handshake.Empty() {
		return
	}
	req := conn.handshake.Front()
	conn.handshake.Pop()

	resp := createHandshakeResponse(req)
	conn.sendBuffer = append(conn.sendBuffer, resp.write())

	if resp.statusCode == 101 {
		_ = conn.transitionTo(Connecting)
		return
	}
	// Q1: the rejection response is queued, then we drop immediately
	// in the same dispatch; it usually never reaches the wire. Source
	// behavior, preserved deliberately (see DESIGN.md).
	s.dropConnection(id)
}

func (s *Server) handleConnectedRead(id ID, conn *Connection, data []byte) {
	if err := conn.messages.Parse(data); err != nil {
		wslog.DropError("message parse", err)
		s.closeConnection(id)
		return
	}
	for !conn.messages.Empty() {
		msg := conn.messages.Front()
		conn.messages.Pop()

		switch msg.Type {
		case MessageText, MessageBinary:
			if s.onMessage != nil {
				s.onMessage(id, msg)
			}
		case MessageClose:
			conn.sendBuffer = append(conn.sendBuffer, Frame{Fin: true, OpCode: OpClose, Payload: msg.Payload}.ToWire())
			_ = conn.transitionTo(Closed)
		case MessagePing:
			conn.sendBuffer = append(conn.sendBuffer, Frame{Fin: true, OpCode: OpPong, Payload: nil}.ToWire())
		case MessagePong:
			// ignored
		}
		if conn.state == Closed {
			return
		}
	}
}

func (s *Server) handleClosingRead(id ID, conn *Connection, data []byte) {
	if err := conn.messages.Parse(data); err != nil {
		return // silently absorbed while tearing down
	}
	for !conn.messages.Empty() {
		msg := conn.messages.Front()
		conn.messages.Pop()
		if msg.Type == MessageClose {
			conn.clearBuffer()
			s.dropConnection(id)
			return
		}
	}
}

// fireWriteAction implements §4.4's write action.
func (s *Server) fireWriteAction(id ID) Result {
	conn, ok := s.connections[id]
	if !ok {
		return Result{Type: ResultContinue}
	}

	wasConnecting := conn.state == Connecting
	if err := conn.write(); err != nil {
		s.dropConnection(id)
		return Result{Type: ResultContinue}
	}

	if wasConnecting && !conn.dataToSend() {
		_ = conn.transitionTo(Connected)
		if s.onOpen != nil {
			s.onOpen(id)
		}
	}

	if conn.state == Closed && !conn.dataToSend() {
		s.dropConnection(id)
	}
	return Result{Type: ResultContinue}
}

// dropConnection implements §4.6: idempotent, marks Closed, fires
// close_callback exactly once, defers table removal to GC.
//
// Idempotency is keyed on closedSet membership, not on conn.state ==
// Closed: a peer-initiated Close frame already transitions the
// connection to Closed the moment it's parsed (handleConnectedRead),
// well before the echo Close frame finishes draining and this function
// actually runs. Guarding on state alone would make this a no-op for
// that path and close_callback would never fire.
//
// It also deregisters both of the connection's poller actions itself,
// rather than leaving that to the caller's CancelAll return. For
// PlainTransport the read and write handles are the same fd, so a
// single CancelAll on whichever handle fired would suffice, but
// TLSTransport's read and write handles are two distinct self-pipe
// fds; cancelling only the one that happened to fire would leak the
// other action forever, still referencing an fd that Close is about
// to invalidate.
func (s *Server) dropConnection(id ID) {
	conn, ok := s.connections[id]
	if !ok {
		return
	}
	if _, already := s.closedSet[id]; already {
		return
	}
	_ = conn.transitionTo(Closed)
	if s.onClose != nil {
		s.onClose(id)
	}
	s.closedSet[id] = struct{}{}

	rh, _ := conn.transport.ReadHandle()
	wh, _ := conn.transport.WriteHandle()
	s.cancelAllForHandle(rh)
	if wh != rh {
		s.cancelAllForHandle(wh)
	}

	conn.transport.Close()
}

// closeConnection implements §4.7.
func (s *Server) closeConnection(id ID) {
	conn, ok := s.connections[id]
	if !ok {
		return
	}
	if conn.state != Connected {
		wslog.DropMessage("close_connection", "called outside Connected state")
		return
	}
	conn.sendBuffer = append(conn.sendBuffer, Frame{Fin: true, OpCode: OpClose, Payload: nil}.ToWire())
	_ = conn.transitionTo(Closing)
}

// QueueFrame implements §4.8.
func (s *Server) QueueFrame(id ID, f Frame) bool {
	conn, ok := s.connections[id]
	if !ok || conn.state != Connected {
		wslog.DropMessage("queue_frame", "called outside Connected state")
		return false
	}
	return conn.queueFrame(f.ToWire())
}

// CloseConnection is the application-facing wrapper around §4.7.
func (s *Server) CloseConnection(id ID) { s.closeConnection(id) }

// ClearBuffer implements the clear_buffer application method.
func (s *Server) ClearBuffer(id ID) {
	if conn, ok := s.connections[id]; ok {
		conn.clearBuffer()
	}
}

// PeerAddr implements the peer_addr application method.
func (s *Server) PeerAddr(id ID) string {
	conn, ok := s.connections[id]
	if !ok {
		return ""
	}
	return conn.PeerAddr()
}

// BufferBytes implements the buffer_bytes application method.
func (s *Server) BufferBytes(id ID) int {
	conn, ok := s.connections[id]
	if !ok {
		return 0
	}
	return conn.bufferBytes()
}

// ConnectionCount reports the current population, for tests and
// admission-control observability.
func (s *Server) ConnectionCount() int { return len(s.connections) }

// LastError returns the error that caused Loop or LoopOnce to return a
// non-zero/Exit result because of a poller-level failure, or nil if
// none has occurred. It wraps ErrPollerFailure (§7: "a poller-level
// failure is the only thing that terminates the loop").
func (s *Server) LastError() error { return s.lastErr }

