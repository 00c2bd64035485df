package wsserver

import (
	"net"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

const listenBacklog = 1024

// bindListener opens a non-blocking TCP listening socket with address
// and port reuse flags set, per §4.3. Raw syscalls are used instead of
// net.Listen so the resulting fd can be registered directly with this
// package's own poller, the same way PlainTransport bypasses net.Conn
// for accepted connections.
func bindListener(addr string) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, err
	}

	domain := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)

	var sa unix.Sockaddr
	if domain == unix.AF_INET6 {
		sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		if tcpAddr.IP != nil {
			copy(sa6.Addr[:], tcpAddr.IP.To16())
		}
		sa = sa6
	} else {
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 := tcpAddr.IP.To4(); ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		sa = sa4
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := setNonblock(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func acceptOne(listenFD int) (fd int, peer net.Addr, err error) {
	nfd, sa, err := unix.Accept(listenFD)
	if err != nil {
		return -1, nil, err
	}
	if err := setNonblock(nfd); err != nil {
		unix.Close(nfd)
		return -1, nil, err
	}
	return nfd, sockaddrToAddr(sa), nil
}

// addrPortFromNetAddr converts an accepted peer's net.Addr into the
// netip.AddrPort PlainTransport keeps for its PeerAddr() accessor.
func addrPortFromNetAddr(a net.Addr) netip.AddrPort {
	t, ok := a.(*net.TCPAddr)
	if !ok || t == nil {
		return netip.AddrPort{}
	}
	addr, ok := netip.AddrFromSlice(t.IP)
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(t.Port))
}

// connFromFD adopts an already-accepted, already-non-blocking fd as a
// net.Conn, purely so it can be handed to crypto/tls.Server, which
// requires the net.Conn interface. PlainTransport never goes through
// this path; only the TLS branch needs a real net.Conn to bridge into.
func connFromFD(fd int, peer net.Addr) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), peer.String())
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	default:
		return nil
	}
}
