package image

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/ardnew/softsdh/pkg"
	"github.com/ardnew/softsdh/sdh/hal"
)

// DefaultAlignment is the buffer alignment the simulated engine requires.
const DefaultAlignment = 4

// Controller implements hal.Controller over a disk image file.
//
// The card is present while the image file exists and holds at least one
// sector. The image's directory is watched; creating, growing, removing or
// renaming the file raises a card-detect interrupt with the detect level
// set accordingly.
type Controller struct {
	path       string
	sectorSize uint32
	alignment  int
	readOnly   bool

	mutex   sync.RWMutex
	file    *os.File
	size    uint64
	present bool
	closed  bool
	mode    hal.DetectMode

	status hal.StatusRegister
	global atomic.Uint32
	irq    hal.InterruptLine

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a controller for the image at path. Nothing is opened until
// Open is called.
func New(path string, sectorSize uint32, readOnly bool) *Controller {
	return &Controller{
		path:       filepath.Clean(path),
		sectorSize: sectorSize,
		alignment:  DefaultAlignment,
		readOnly:   readOnly,
	}
}

// CreateImage creates a zero-filled image of the given geometry at path,
// replacing any existing file.
func CreateImage(path string, sectors uint64, sectorSize uint32) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(sectors * uint64(sectorSize))); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	// The rename makes the image appear complete in one event.
	return os.Rename(tmp, path)
}

// Path returns the image file path.
func (c *Controller) Path() string {
	return c.path
}

// SetAlignment sets the buffer alignment the simulated engine requires.
func (c *Controller) SetAlignment(align int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.alignment = align
}

// Abort latches a data abort and raises the interrupt line.
func (c *Controller) Abort() {
	c.global.Or(uint32(hal.GlobalDataAbort))
	c.irq.Raise()
}

// =============================================================================
// Card Detect
// =============================================================================

// watch starts the directory watcher and samples the initial presence
// without raising an interrupt. It is a no-op once running.
func (c *Controller) watch() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return pkg.ErrClosed
	}
	if c.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("image watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(c.path), err)
	}

	size, ok := c.stat()
	c.present, c.size = ok, size
	c.status.SetLevel(hal.IntCardDetectLevel, !ok)

	c.watcher = w
	c.done = make(chan struct{})
	c.wg.Add(1)
	go c.loop(w, c.done)
	return nil
}

func (c *Controller) loop(w *fsnotify.Watcher, done <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != c.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				c.Rescan()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			pkg.LogWarn(pkg.ComponentHAL, "image watcher error",
				"path", c.path,
				"error", err)
		}
	}
}

// Rescan samples the image file and raises a card-detect interrupt if its
// presence changed. It reports whether the card is present.
func (c *Controller) Rescan() bool {
	size, ok := c.stat()

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return false
	}
	changed := ok != c.present
	c.present = ok
	if ok {
		c.size = size
	} else if c.file != nil {
		c.file.Close()
		c.file = nil
	}
	c.mutex.Unlock()

	c.status.SetLevel(hal.IntCardDetectLevel, !ok)
	if changed {
		pkg.LogDebug(pkg.ComponentHAL, "image presence changed",
			"path", c.path,
			"present", ok)
		c.status.Set(hal.IntCardDetect)
		c.irq.Raise()
	}
	return ok
}

// stat reports the image size and whether it can serve as a card.
func (c *Controller) stat() (uint64, bool) {
	info, err := os.Stat(c.path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	size := uint64(info.Size())
	return size, size >= uint64(c.sectorSize)
}

// =============================================================================
// hal.Controller Implementation
// =============================================================================

// Open records the detect mode and starts watching the image. It never
// raises an interrupt, so it is safe to call from the interrupt handler.
func (c *Controller) Open(mode hal.DetectMode) error {
	if err := c.watch(); err != nil {
		return err
	}
	c.mutex.Lock()
	c.mode = mode
	c.mutex.Unlock()
	return nil
}

// Mode returns the card-detect source configured by the last Open.
func (c *Controller) Mode() hal.DetectMode {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.mode
}

// Probe opens the image and reports its geometry.
func (c *Controller) Probe() (hal.CardInfo, error) {
	size, ok := c.stat()
	if !ok {
		return hal.CardInfo{}, pkg.ErrNoCard
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return hal.CardInfo{}, pkg.ErrClosed
	}
	if c.file == nil {
		flags := os.O_RDWR
		if c.readOnly {
			flags = os.O_RDONLY
		}
		f, err := os.OpenFile(c.path, flags, 0)
		if err != nil {
			return hal.CardInfo{}, fmt.Errorf("%w: %w", pkg.ErrProbe, err)
		}
		c.file = f
	}
	c.size = size

	return hal.CardInfo{
		SectorSize:   c.sectorSize,
		TotalSectors: size / uint64(c.sectorSize),
		Inserted:     true,
	}, nil
}

// ReadSectors reads count sectors at pos from the image.
func (c *Controller) ReadSectors(pos uint64, buf []byte, count uint32) pkg.TransferStatus {
	c.mutex.RLock()
	status := c.transfer(pos, buf, count, false)
	c.mutex.RUnlock()
	return c.complete(status)
}

// WriteSectors writes count sectors at pos to the image.
func (c *Controller) WriteSectors(pos uint64, buf []byte, count uint32) pkg.TransferStatus {
	c.mutex.Lock()
	status := c.transfer(pos, buf, count, true)
	c.mutex.Unlock()
	return c.complete(status)
}

// complete raises block done for a successful transfer.
func (c *Controller) complete(status pkg.TransferStatus) pkg.TransferStatus {
	if status == pkg.TransferSuccessful {
		c.status.Set(hal.IntBlockDone)
		c.irq.Raise()
	}
	return status
}

func (c *Controller) transfer(pos uint64, buf []byte, count uint32, write bool) pkg.TransferStatus {
	if c.file == nil || !c.present {
		return pkg.TransferNoCard
	}
	if !hal.IsAligned(buf, c.alignment) {
		return pkg.TransferError
	}

	size := uint64(c.sectorSize)
	offset := pos * size
	length := uint64(count) * size
	if offset+length > c.size {
		return pkg.TransferOutOfRange
	}
	if uint64(len(buf)) < length {
		return pkg.TransferError
	}

	var err error
	if write {
		if c.readOnly {
			return pkg.TransferReadOnly
		}
		_, err = c.file.WriteAt(buf[:length], int64(offset))
	} else {
		_, err = c.file.ReadAt(buf[:length], int64(offset))
		if errors.Is(err, io.EOF) {
			return pkg.TransferOutOfRange
		}
	}
	if err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, os.ErrNotExist) {
			return pkg.TransferNoCard
		}
		pkg.LogDebug(pkg.ComponentHAL, "image transfer failed",
			"path", c.path,
			"pos", pos,
			"error", err)
		return pkg.TransferError
	}
	return pkg.TransferSuccessful
}

// IsPresent reports whether the image currently serves as a card.
func (c *Controller) IsPresent() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.present
}

// ResetEngine acknowledges a data abort.
func (c *Controller) ResetEngine() {
	c.global.And(^uint32(hal.GlobalDataAbort))
}

// Alignment returns the simulated engine's alignment requirement.
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

// Close stops the watcher and closes the image. A closed controller
// cannot be reopened.
func (c *Controller) Close() error {
	c.mutex.Lock()
	w, done := c.watcher, c.done
	c.watcher, c.done = nil, nil
	c.mutex.Unlock()

	var errs []error
	if w != nil {
		close(done)
		errs = append(errs, w.Close())
		c.wg.Wait()
	}

	c.mutex.Lock()
	c.closed = true
	c.present = false
	if c.file != nil {
		errs = append(errs, c.file.Close())
		c.file = nil
	}
	c.mutex.Unlock()

	c.irq.Attach(nil)
	return errors.Join(errs...)
}
