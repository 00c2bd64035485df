package wsserver

import (
	"errors"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Transport is the capability abstraction described in §4 component 1:
// a non-blocking socket that can be read, written, and interrogated for
// buffered bytes and peer address. PlainTransport and TLSTransport are
// its two implementations; both are driven exclusively by the single
// event loop and must never block the calling goroutine.
type Transport interface {
	// Read returns currently-available bytes without blocking. A nil
	// slice with a nil error means nothing is available yet.
	// errPeerClosed means the peer has closed the connection.
	Read() ([]byte, error)

	// Write attempts to send b without blocking and returns how many
	// leading bytes of b were actually accepted by the transport.
	Write(b []byte) (int, error)

	// BufferedBytes reports bytes the transport itself is holding that
	// have not yet reached the wire (only ever non-zero for TLS).
	BufferedBytes() int

	// PeerAddr returns the remote address of the underlying socket.
	PeerAddr() string

	// ReadHandle returns the file descriptor and readiness direction
	// the poller must watch to know when Read may return new data.
	// For a plain socket this is its own fd in the In direction; for a
	// bridged transport it may be a synthetic wakeup handle instead.
	ReadHandle() (fd int, dir Direction)

	// WriteHandle returns the file descriptor and readiness direction
	// the poller must watch to know when Write's acceptance state (or
	// data_to_send()) may have changed.
	WriteHandle() (fd int, dir Direction)

	// Close releases the underlying socket.
	Close() error
}

// bufferClearer is implemented by transports that hold internal,
// clearable write buffers (§6: "for buffered transports a
// clear_buffer()"). PlainTransport does not implement it.
type bufferClearer interface {
	ClearBuffer()
}

// PlainTransport is a non-blocking TCP transport. It performs raw
// syscall reads/writes on the connection's file descriptor instead of
// going through net.Conn's blocking Read/Write, so that I/O is driven
// entirely by this package's own poller rather than the Go runtime's
// netpoller (§9: "Transport polymorphism").
type PlainTransport struct {
	fd   int
	peer string
	buf  [64 * 1024]byte
}

// NewPlainTransport wraps an already-accepted, already-non-blocking TCP
// connection's file descriptor.
func NewPlainTransport(fd int, peer netip.AddrPort) *PlainTransport {
	return &PlainTransport{fd: fd, peer: peer.String()}
}

func (t *PlainTransport) PeerAddr() string { return t.peer }
func (t *PlainTransport) Close() error     { return unix.Close(t.fd) }

func (t *PlainTransport) ReadHandle() (int, Direction)  { return t.fd, DirIn }
func (t *PlainTransport) WriteHandle() (int, Direction) { return t.fd, DirOut }

// BufferedBytes is always zero for the plain transport: it never
// internally buffers unwritten bytes (§4.2's write() replaces the head
// send_buffer entry with its unwritten suffix instead).
func (t *PlainTransport) BufferedBytes() int { return 0 }

func (t *PlainTransport) Read() ([]byte, error) {
	n, err := unix.Read(t.fd, t.buf[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, errPeerClosed
	}
	out := make([]byte, n)
	copy(out, t.buf[:n])
	return out, nil
}

func (t *PlainTransport) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	n, err := unix.Write(t.fd, b)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// errPeerClosed is the sentinel PlainTransport.Read returns for a
// zero-byte read (§4.2: "empty result signalling peer close").
var errPeerClosed = errors.New("wsserver: peer closed")

// setNonblock puts fd into non-blocking mode. Used both for accepted
// plain-TCP sockets and for the TLSTransport's self-pipe handles.
func setNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
