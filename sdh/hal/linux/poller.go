//go:build linux

package linux

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// poller waits for a single file descriptor to become readable. A wake
// eventfd lets another goroutine interrupt the wait.
type poller struct {
	epfd   int
	wakefd int
	fd     int

	mu     sync.Mutex
	closed bool
}

// newPoller creates a poller watching fd for input.
func newPoller(fd int) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	p := &poller{epfd: epfd, wakefd: wakefd, fd: fd}
	for _, f := range []int{fd, wakefd} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(f)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, f, &ev); err != nil {
			unix.Close(wakefd)
			unix.Close(epfd)
			return nil, err
		}
	}
	return p, nil
}

// wait blocks until the watched descriptor is readable or wake is called.
// It reports whether the descriptor is readable.
func (p *poller) wait(timeout int) (bool, error) {
	var events [MaxEpollEvents]unix.EpollEvent

	n, err := unix.EpollWait(p.epfd, events[:], timeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, err
	}

	ready := false
	for i := 0; i < n; i++ {
		switch int(events[i].Fd) {
		case p.wakefd:
			var buf [8]byte
			unix.Read(p.wakefd, buf[:])
		case p.fd:
			ready = true
		}
	}
	return ready, nil
}

// wake interrupts a blocked wait.
func (p *poller) wake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	var one = [8]byte{1}
	unix.Write(p.wakefd, one[:])
}

// close releases the epoll instance and the wake eventfd. The watched
// descriptor is left open.
func (p *poller) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Join(unix.Close(p.wakefd), unix.Close(p.epfd))
}
