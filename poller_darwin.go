//go:build darwin
// +build darwin

package wsserver

import "golang.org/x/sys/unix"

// kqueuePoller is the Darwin/BSD readiness backend, grounded on the
// kqueue ISR loop in main_darwin.go but generalized to a dynamic set of
// registered handles instead of one fixed socket. It uses
// golang.org/x/sys/unix rather than the standard syscall package, the
// same choice the rest of the pack makes for raw platform syscalls.
type kqueuePoller struct {
	fd     int
	events []unix.Kevent_t
}

func newPoller() (poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueuePoller{fd: fd, events: make([]unix.Kevent_t, 256)}, nil
}

func kqueueFilter(dir Direction) int16 {
	if dir == DirOut {
		return unix.EVFILT_WRITE
	}
	return unix.EVFILT_READ
}

func (p *kqueuePoller) Add(handle int, dir Direction) error {
	change := unix.Kevent_t{
		Ident:  uint64(handle),
		Filter: kqueueFilter(dir),
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
	}
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{change}, nil, nil)
	return err
}

func (p *kqueuePoller) Remove(handle int, dir Direction) error {
	change := unix.Kevent_t{
		Ident:  uint64(handle),
		Filter: kqueueFilter(dir),
		Flags:  unix.EV_DELETE,
	}
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{change}, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *kqueuePoller) Wait(timeoutMillis int, visit func(handle int, dir Direction)) error {
	var ts *unix.Timespec
	if timeoutMillis >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMillis) * int64(1_000_000))
		ts = &t
	}
	n, err := unix.Kevent(p.fd, nil, p.events, ts)
	if err == unix.EINTR {
		return nil
	}
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		dir := DirIn
		if ev.Filter == unix.EVFILT_WRITE {
			dir = DirOut
		}
		visit(int(ev.Ident), dir)
	}
	return nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.fd)
}
