//go:build linux

package linux

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softsdh/pkg"
	"github.com/ardnew/softsdh/sdh"
	"github.com/ardnew/softsdh/sdh/hal"
)

var _ hal.Controller = (*Controller)(nil)

// newFixtureController returns a controller whose sysfs lookups go to a
// temporary tree. No uevent monitor is started.
func newFixtureController(t *testing.T, name, size string) *Controller {
	t.Helper()
	root := t.TempDir()
	writeBlockFixture(t, root, name, map[string]string{
		"size":                     size,
		"queue/logical_block_size": "512",
	})
	c := New(name)
	c.sysfsRoot = root
	return c
}

func TestNew(t *testing.T) {
	c := New("mmcblk0")
	if c.Name() != "mmcblk0" {
		t.Errorf("Name() = %q", c.Name())
	}
	if c.DevPath() != "/dev/mmcblk0" {
		t.Errorf("DevPath() = %q", c.DevPath())
	}
	if c.Alignment() != DefaultAlignment {
		t.Errorf("Alignment() = %d, want %d", c.Alignment(), DefaultAlignment)
	}
	if c.IsPresent() {
		t.Error("IsPresent() = true before Open")
	}
}

func TestErrnoStatus(t *testing.T) {
	tests := []struct {
		err  error
		want pkg.TransferStatus
	}{
		{unix.ENOMEDIUM, pkg.TransferNoCard},
		{unix.ENODEV, pkg.TransferNoCard},
		{unix.ENXIO, pkg.TransferNoCard},
		{unix.ETIMEDOUT, pkg.TransferTimeout},
		{unix.EILSEQ, pkg.TransferCRC},
		{unix.EBADMSG, pkg.TransferCRC},
		{unix.EROFS, pkg.TransferReadOnly},
		{unix.ENOSPC, pkg.TransferOutOfRange},
		{unix.EIO, pkg.TransferError},
		{fmt.Errorf("pread: %w", unix.ETIMEDOUT), pkg.TransferTimeout},
		{errors.New("other"), pkg.TransferError},
	}

	for _, tt := range tests {
		if got := errnoStatus(tt.err); got != tt.want {
			t.Errorf("errnoStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestController_Rescan(t *testing.T) {
	c := newFixtureController(t, "mmcblk1", "1024")

	var raised int
	c.AttachInterrupt(func() {
		raised++
		c.ClearInt(hal.IntFlags)
	})

	if !c.Rescan() {
		t.Fatal("Rescan() = false with media")
	}
	if raised != 1 {
		t.Errorf("interrupts = %d, want 1", raised)
	}
	if c.IntStatus().Has(hal.IntCardDetectLevel) {
		t.Error("detect level high with media")
	}

	// No change, no interrupt.
	c.Rescan()
	if raised != 1 {
		t.Errorf("interrupts = %d after unchanged rescan, want 1", raised)
	}

	writeBlockFixture(t, c.sysfsRoot, "mmcblk1", map[string]string{"size": "0"})
	if c.Rescan() {
		t.Error("Rescan() = true without media")
	}
	if raised != 2 {
		t.Errorf("interrupts = %d, want 2", raised)
	}
	if !c.IntStatus().Has(hal.IntCardDetectLevel) {
		t.Error("detect level low without media")
	}
}

func TestController_HandleUEvent(t *testing.T) {
	c := newFixtureController(t, "mmcblk1", "2048")

	var raised int
	c.AttachInterrupt(func() { raised++ })

	c.handleUEvent(uevent{action: ueventAdd, devname: "mmcblk2", subsystem: "block", devtype: "disk"})
	if raised != 0 {
		t.Error("event for another device raised an interrupt")
	}

	c.handleUEvent(uevent{action: ueventAdd, devname: "mmcblk1", subsystem: "block", devtype: "disk"})
	if raised != 1 || !c.IsPresent() {
		t.Errorf("interrupts = %d, present = %v; want 1, true", raised, c.IsPresent())
	}
}

func TestController_NoCard(t *testing.T) {
	c := newFixtureController(t, "mmcblk1", "0")

	if _, err := c.Probe(); !errors.Is(err, pkg.ErrNoCard) {
		t.Errorf("Probe() error = %v, want ErrNoCard", err)
	}
	buf := make([]byte, 512)
	if got := c.ReadSectors(0, buf, 1); got != pkg.TransferNoCard {
		t.Errorf("ReadSectors() = %v, want %v", got, pkg.TransferNoCard)
	}
}

func TestController_Abort(t *testing.T) {
	c := New("mmcblk0")
	c.global.Or(uint32(hal.GlobalDataAbort))
	c.ResetEngine()
	if c.GlobalStatus()&hal.GlobalDataAbort != 0 {
		t.Error("data abort not acknowledged")
	}
}

// newFileController returns a fixture controller whose device node is a
// regular file of the given number of 512-byte sectors, opened without
// O_DIRECT.
func newFileController(t *testing.T, name string, sectors int) *Controller {
	t.Helper()
	c := newFixtureController(t, name, fmt.Sprint(sectors))
	c.devPath = filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(c.devPath, make([]byte, sectors*512), 0o644); err != nil {
		t.Fatal(err)
	}
	c.openFlags = unix.O_CLOEXEC
	t.Cleanup(func() { c.Close() })
	return c
}

// alignedBuffer returns n bytes filled with fill, aligned for the device's
// logical block size.
func alignedBuffer(t *testing.T, n int, fill byte) []byte {
	t.Helper()
	buf, err := sdh.HeapAllocator{}.Alloc(n, KernelSectorSize)
	if err != nil {
		t.Fatal(err)
	}
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

func TestController_ReadWriteFile(t *testing.T) {
	c := newFileController(t, "mmcblk1", 8)
	if _, err := c.Probe(); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}

	var done int
	c.AttachInterrupt(func() {
		if c.IntStatus().Has(hal.IntBlockDone) {
			done++
			c.ClearInt(hal.IntBlockDone)
		}
	})

	out := alignedBuffer(t, 1024, 0x5a)
	if got := c.WriteSectors(2, out, 2); got != pkg.TransferSuccessful {
		t.Fatalf("WriteSectors() = %v", got)
	}
	in := alignedBuffer(t, 1024, 0)
	if got := c.ReadSectors(2, in, 2); got != pkg.TransferSuccessful {
		t.Fatalf("ReadSectors() = %v", got)
	}
	if !bytes.Equal(in, out) {
		t.Error("read back differs from written data")
	}
	if done != 2 {
		t.Errorf("block done interrupts = %d, want 2", done)
	}
	if got := c.ReadSectors(7, in, 2); got != pkg.TransferOutOfRange {
		t.Errorf("ReadSectors() past end = %v, want %v", got, pkg.TransferOutOfRange)
	}
}

// A card pulled mid-transfer closes the device node. The descriptor number
// is then free for reuse, and a transfer still in flight must never reach
// whatever file takes it over.
func TestController_RemovalDuringTransfer(t *testing.T) {
	c := newFileController(t, "mmcblk1", 8)
	if _, err := c.Probe(); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	c.Rescan()

	data := alignedBuffer(t, 512, 0xa5)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			c.WriteSectors(0, data, 1)
		}
	}()

	others := t.TempDir()
	var files []*os.File
	for i := 0; i < 200; i++ {
		writeBlockFixture(t, c.sysfsRoot, "mmcblk1", map[string]string{"size": "0"})
		c.Rescan()

		// Take over the freed descriptor number.
		f, err := os.Create(filepath.Join(others, fmt.Sprintf("file%d", i)))
		if err != nil {
			t.Fatal(err)
		}
		files = append(files, f)

		writeBlockFixture(t, c.sysfsRoot, "mmcblk1", map[string]string{"size": "8"})
		c.Rescan()
		if _, err := c.Probe(); err != nil {
			t.Fatalf("Probe() error = %v", err)
		}
	}
	close(stop)
	wg.Wait()

	for _, f := range files {
		info, err := f.Stat()
		f.Close()
		if err != nil {
			t.Fatal(err)
		}
		if info.Size() != 0 {
			t.Errorf("%s received %d bytes of card data", info.Name(), info.Size())
		}
	}
}

func TestController_Closed(t *testing.T) {
	c := newFileController(t, "mmcblk1", 8)
	if _, err := c.Probe(); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := c.Open(hal.DetectGPIO); !errors.Is(err, pkg.ErrClosed) {
		t.Errorf("Open() after Close error = %v, want ErrClosed", err)
	}
	if _, err := c.Probe(); !errors.Is(err, pkg.ErrClosed) {
		t.Errorf("Probe() after Close error = %v, want ErrClosed", err)
	}
	if c.Rescan() || c.IsPresent() {
		t.Error("closed controller reports a card")
	}
	buf := alignedBuffer(t, 512, 0)
	if got := c.WriteSectors(0, buf, 1); got != pkg.TransferNoCard {
		t.Errorf("WriteSectors() after Close = %v, want %v", got, pkg.TransferNoCard)
	}
}
