//go:build linux
// +build linux

package wsserver

import "golang.org/x/sys/unix"

// epollPoller is the Linux readiness backend, grounded on the epoll ISR
// loop in main_linux.go but generalized from one fixed socket to an
// arbitrary, dynamically changing set of registered handles. It uses
// golang.org/x/sys/unix rather than the standard syscall package, the
// same choice the rest of the pack makes for raw platform syscalls.
type epollPoller struct {
	fd     int
	events []unix.EpollEvent
	// dirs tracks which directions are currently armed per handle so
	// Add can upgrade IN-only registrations to IN|OUT without losing
	// the other direction's interest.
	dirs map[int]uint32
}

func newPoller() (poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		fd:     fd,
		events: make([]unix.EpollEvent, 256),
		dirs:   make(map[int]uint32),
	}, nil
}

const (
	dirInBit  uint32 = unix.EPOLLIN
	dirOutBit uint32 = unix.EPOLLOUT
)

func (p *epollPoller) Add(handle int, dir Direction) error {
	bit := dirInBit
	if dir == DirOut {
		bit = dirOutBit
	}
	cur, known := p.dirs[handle]
	op := unix.EPOLL_CTL_ADD
	if known {
		op = unix.EPOLL_CTL_MOD
	}
	want := cur | bit
	ev := unix.EpollEvent{Events: want, Fd: int32(handle)}
	if err := unix.EpollCtl(p.fd, op, handle, &ev); err != nil {
		return err
	}
	p.dirs[handle] = want
	return nil
}

func (p *epollPoller) Remove(handle int, dir Direction) error {
	cur, known := p.dirs[handle]
	if !known {
		return nil
	}
	bit := dirInBit
	if dir == DirOut {
		bit = dirOutBit
	}
	want := cur &^ bit
	if want == 0 {
		delete(p.dirs, handle)
		ev := unix.EpollEvent{}
		err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, handle, &ev)
		if err == unix.ENOENT || err == unix.EBADF {
			return nil
		}
		return err
	}
	p.dirs[handle] = want
	ev := unix.EpollEvent{Events: want, Fd: int32(handle)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, handle, &ev)
}

func (p *epollPoller) Wait(timeoutMillis int, visit func(handle int, dir Direction)) error {
	n, err := unix.EpollWait(p.fd, p.events, timeoutMillis)
	if err == unix.EINTR {
		return nil
	}
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		handle := int(ev.Fd)
		if ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			visit(handle, DirIn)
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			visit(handle, DirOut)
		}
	}
	return nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.fd)
}
