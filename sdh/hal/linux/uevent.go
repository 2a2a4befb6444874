//go:build linux

package linux

import (
	"bytes"
	"errors"
	"path"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softsdh/pkg"
)

// =============================================================================
// UEvent Types
// =============================================================================

// ueventAction represents a kernel uevent action.
type ueventAction uint8

const (
	ueventUnknown ueventAction = iota
	ueventAdd
	ueventRemove
	ueventChange
)

// String returns the action name.
func (a ueventAction) String() string {
	switch a {
	case ueventAdd:
		return "add"
	case ueventRemove:
		return "remove"
	case ueventChange:
		return "change"
	default:
		return "unknown"
	}
}

// uevent represents a parsed netlink uevent.
type uevent struct {
	action    ueventAction
	devpath   string // DEVPATH value
	subsystem string // SUBSYSTEM value
	devtype   string // DEVTYPE value
	devname   string // DEVNAME value
	diskMedia bool   // DISK_MEDIA_CHANGE=1
}

// name returns the kernel device name the event refers to.
func (e uevent) name() string {
	if e.devname != "" {
		return path.Base(e.devname)
	}
	return path.Base(e.devpath)
}

// isDisk reports whether the event describes a whole block device.
func (e uevent) isDisk() bool {
	return e.subsystem == "block" && e.devtype == "disk"
}

// =============================================================================
// UEvent Parsing
// =============================================================================

// parseAction maps an action word to its value.
func parseAction(s string) ueventAction {
	switch s {
	case "add":
		return ueventAdd
	case "remove":
		return ueventRemove
	case "change":
		return ueventChange
	default:
		return ueventUnknown
	}
}

// parseUEvent parses a netlink uevent message.
func parseUEvent(data []byte) uevent {
	evt := uevent{}

	for _, line := range bytes.Split(data, []byte{0}) {
		if len(line) == 0 {
			continue
		}
		s := string(line)

		idx := strings.IndexByte(s, '=')
		if idx < 0 {
			// Header line: action@devpath
			if at := strings.IndexByte(s, '@'); at > 0 {
				evt.action = parseAction(s[:at])
				evt.devpath = s[at+1:]
			}
			continue
		}

		key, value := s[:idx], s[idx+1:]
		switch key {
		case "ACTION":
			evt.action = parseAction(value)
		case "DEVPATH":
			evt.devpath = value
		case "SUBSYSTEM":
			evt.subsystem = value
		case "DEVTYPE":
			evt.devtype = value
		case "DEVNAME":
			evt.devname = value
		case "DISK_MEDIA_CHANGE":
			evt.diskMedia = value == "1"
		}
	}

	return evt
}

// =============================================================================
// UEvent Monitor
// =============================================================================

// ueventMonitor receives kernel uevents for block disks and hands them to a
// callback from its own goroutine.
type ueventMonitor struct {
	fd      int
	poll    *poller
	buf     [UEventBufferSize]byte
	handler func(uevent)

	done chan struct{}
	wg   sync.WaitGroup
}

// newUEventMonitor opens the kernel uevent socket and starts delivering
// disk events to handler.
func newUEventMonitor(handler func(uevent)) (*ueventMonitor, error) {
	fd, err := unix.Socket(
		unix.AF_NETLINK,
		unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK,
		unix.NETLINK_KOBJECT_UEVENT,
	)
	if err != nil {
		return nil, err
	}

	addr := unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: UEventGroupKernel,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, err
	}

	p, err := newPoller(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	m := &ueventMonitor{
		fd:      fd,
		poll:    p,
		handler: handler,
		done:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func (m *ueventMonitor) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		default:
		}

		ready, err := m.poll.wait(-1)
		if err != nil {
			pkg.LogError(pkg.ComponentHAL, "uevent poll failed", "error", err)
			return
		}
		if !ready {
			continue
		}
		for {
			ok, err := m.processEvent()
			if err != nil {
				pkg.LogWarn(pkg.ComponentHAL, "uevent read failed", "error", err)
				break
			}
			if !ok {
				break
			}
		}
	}
}

// processEvent reads and dispatches one uevent. It returns false when no
// data is available.
func (m *ueventMonitor) processEvent() (bool, error) {
	n, err := unix.Read(m.fd, m.buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return false, nil
		}
		return false, err
	}
	if n <= 0 {
		return false, nil
	}

	evt := parseUEvent(m.buf[:n])
	if evt.isDisk() {
		m.handler(evt)
	}
	return true, nil
}

// close stops the monitor and waits for its goroutine.
func (m *ueventMonitor) close() error {
	close(m.done)
	m.poll.wake()
	m.wg.Wait()
	return errors.Join(m.poll.close(), unix.Close(m.fd))
}
