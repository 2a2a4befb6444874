//go:build linux

package linux

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softsdh/pkg"
	"github.com/ardnew/softsdh/sdh/hal"
)

// Controller implements hal.Controller on a Linux block device such as
// /dev/mmcblk0 or a USB card reader's /dev/sdb.
//
// Transfers use O_DIRECT, so buffers must be aligned to the card's logical
// block size, which Alignment reports. Kernel uevents for the device are
// turned into card-detect interrupts.
type Controller struct {
	name      string // Kernel name, e.g. "mmcblk0"
	devPath   string
	sysfsRoot string

	mutex     sync.RWMutex
	fd        int
	openFlags int // Flags besides the access mode for opening the node
	closed    bool
	info      blockInfo
	present   bool
	alignment int
	mode      hal.DetectMode

	status hal.StatusRegister
	global atomic.Uint32
	irq    hal.InterruptLine

	monitor *ueventMonitor
}

// New creates a controller for the kernel block device name.
func New(name string) *Controller {
	return &Controller{
		name:      name,
		devPath:   filepath.Join(DevfsPath, name),
		sysfsRoot: SysfsBlockPath,
		fd:        -1,
		openFlags: unix.O_DIRECT | unix.O_CLOEXEC,
		alignment: DefaultAlignment,
	}
}

// Name returns the kernel device name.
func (c *Controller) Name() string {
	return c.name
}

// DevPath returns the device node path.
func (c *Controller) DevPath() string {
	return c.devPath
}

// =============================================================================
// Card Detect
// =============================================================================

// sample reads the device's sysfs state.
func (c *Controller) sample() (blockInfo, bool) {
	info, err := readBlockInfo(c.sysfsRoot, c.name)
	if err != nil {
		return blockInfo{}, false
	}
	return info, info.present()
}

// handleUEvent updates presence from a kernel event and raises a
// card-detect interrupt on change.
func (c *Controller) handleUEvent(evt uevent) {
	if evt.name() != c.name {
		return
	}
	pkg.LogDebug(pkg.ComponentHAL, "uevent",
		"device", c.name,
		"action", evt.action.String(),
		"media_change", evt.diskMedia)

	switch evt.action {
	case ueventAdd, ueventRemove, ueventChange:
		c.Rescan()
	}
}

// Rescan samples the device and raises a card-detect interrupt if its
// presence changed. It reports whether a card is present.
func (c *Controller) Rescan() bool {
	info, ok := c.sample()

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return false
	}
	changed := ok != c.present
	c.present = ok
	if ok {
		c.info = info
	} else {
		c.closeFD()
	}
	c.mutex.Unlock()

	c.status.SetLevel(hal.IntCardDetectLevel, !ok)
	if changed {
		c.status.Set(hal.IntCardDetect)
		c.irq.Raise()
	}
	return ok
}

// closeFD closes the device node. The caller holds the mutex.
func (c *Controller) closeFD() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

// =============================================================================
// hal.Controller Implementation
// =============================================================================

// Open records the detect mode, starts the uevent monitor and samples the
// initial presence. It never raises an interrupt.
func (c *Controller) Open(mode hal.DetectMode) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return pkg.ErrClosed
	}
	c.mode = mode
	if c.monitor != nil {
		return nil
	}

	m, err := newUEventMonitor(c.handleUEvent)
	if err != nil {
		return fmt.Errorf("uevent monitor: %w", err)
	}
	c.monitor = m

	info, ok := c.sample()
	c.info, c.present = info, ok
	c.status.SetLevel(hal.IntCardDetectLevel, !ok)
	return nil
}

// Probe opens the device node for direct I/O and reports the geometry.
func (c *Controller) Probe() (hal.CardInfo, error) {
	info, ok := c.sample()
	if !ok {
		return hal.CardInfo{}, pkg.ErrNoCard
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return hal.CardInfo{}, pkg.ErrClosed
	}
	if c.fd < 0 {
		flags := c.openFlags | unix.O_RDWR
		if info.readOnly {
			flags = c.openFlags | unix.O_RDONLY
		}
		fd, err := unix.Open(c.devPath, flags, 0)
		if err != nil {
			return hal.CardInfo{}, fmt.Errorf("%w: open %s: %w", pkg.ErrProbe, c.devPath, err)
		}
		c.fd = fd
	}
	c.info = info
	c.alignment = int(info.logicalBlock)

	return hal.CardInfo{
		SectorSize:   info.logicalBlock,
		TotalSectors: info.blockSectors(),
		Inserted:     true,
	}, nil
}

// ReadSectors reads count sectors at pos with pread(2).
func (c *Controller) ReadSectors(pos uint64, buf []byte, count uint32) pkg.TransferStatus {
	return c.transfer(pos, buf, count, false)
}

// WriteSectors writes count sectors at pos with pwrite(2).
func (c *Controller) WriteSectors(pos uint64, buf []byte, count uint32) pkg.TransferStatus {
	return c.transfer(pos, buf, count, true)
}

func (c *Controller) transfer(pos uint64, buf []byte, count uint32, write bool) pkg.TransferStatus {
	// The descriptor must stay open for the whole syscall, so the read
	// lock is held across it. Rescan and Close take the write lock to
	// close it.
	c.mutex.RLock()
	status := c.transferLocked(pos, buf, count, write)
	c.mutex.RUnlock()

	if status == pkg.TransferSuccessful {
		c.status.Set(hal.IntBlockDone)
		c.irq.Raise()
	}
	return status
}

// transferLocked runs one pread(2) or pwrite(2). The caller holds the read
// lock.
func (c *Controller) transferLocked(pos uint64, buf []byte, count uint32, write bool) pkg.TransferStatus {
	if c.fd < 0 {
		return pkg.TransferNoCard
	}
	if !hal.IsAligned(buf, c.alignment) {
		return pkg.TransferError
	}

	info := c.info
	size := uint64(info.logicalBlock)
	offset := pos * size
	length := uint64(count) * size
	if offset+length > info.capacity() {
		return pkg.TransferOutOfRange
	}
	if uint64(len(buf)) < length {
		return pkg.TransferError
	}
	if write && info.readOnly {
		return pkg.TransferReadOnly
	}

	var (
		n   int
		err error
	)
	if write {
		n, err = unix.Pwrite(c.fd, buf[:length], int64(offset))
	} else {
		n, err = unix.Pread(c.fd, buf[:length], int64(offset))
	}
	if err != nil {
		status := errnoStatus(err)
		pkg.LogDebug(pkg.ComponentHAL, "block transfer failed",
			"device", c.name,
			"pos", pos,
			"status", status.String(),
			"error", err)
		return status
	}
	if uint64(n) != length {
		return pkg.TransferError
	}
	return pkg.TransferSuccessful
}

// errnoStatus maps a syscall error to a transfer completion code.
func errnoStatus(err error) pkg.TransferStatus {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return pkg.TransferError
	}
	switch errno {
	case unix.ENOMEDIUM, unix.ENODEV, unix.ENXIO, unix.EBADF:
		return pkg.TransferNoCard
	case unix.ETIMEDOUT, unix.ETIME:
		return pkg.TransferTimeout
	case unix.EILSEQ, unix.EBADMSG:
		return pkg.TransferCRC
	case unix.EROFS, unix.EPERM, unix.EACCES:
		return pkg.TransferReadOnly
	case unix.ENOSPC:
		return pkg.TransferOutOfRange
	default:
		return pkg.TransferError
	}
}

// IsPresent reports whether media is in the device.
func (c *Controller) IsPresent() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.present
}

// ResetEngine acknowledges a data abort.
func (c *Controller) ResetEngine() {
	c.global.And(^uint32(hal.GlobalDataAbort))
}

// Alignment returns the direct I/O alignment: the card's logical block
// size once probed.
func (c *Controller) Alignment() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.alignment
}

// IntStatus reads the interrupt status word.
func (c *Controller) IntStatus() hal.IntStatus {
	return c.status.Load()
}

// ClearInt acknowledges flag bits.
func (c *Controller) ClearInt(mask hal.IntStatus) {
	c.status.Clear(mask)
}

// GlobalStatus reads the global engine status.
func (c *Controller) GlobalStatus() hal.GlobalStatus {
	return hal.GlobalStatus(c.global.Load())
}

// AttachInterrupt installs the interrupt handler.
func (c *Controller) AttachInterrupt(handler func()) {
	c.irq.Attach(handler)
}

// Close stops the uevent monitor and closes the device node. A closed
// controller cannot be reopened.
func (c *Controller) Close() error {
	c.mutex.Lock()
	m := c.monitor
	c.monitor = nil
	c.mutex.Unlock()

	var errs []error
	if m != nil {
		errs = append(errs, m.close())
	}

	c.mutex.Lock()
	c.closed = true
	c.present = false
	errs = append(errs, c.closeFD())
	c.mutex.Unlock()

	c.irq.Attach(nil)
	return errors.Join(errs...)
}
