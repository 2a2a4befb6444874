package sdh

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softsdh/pkg"
	"github.com/ardnew/softsdh/sdh/hal"
)

// BlockDevice is the block device capability a Device exposes to the
// surrounding system.
type BlockDevice interface {
	Init() error
	Open() error
	Close() error
	Read(pos uint64, buf []byte, count uint32) (int, error)
	Write(pos uint64, buf []byte, count uint32) (int, error)
	Control(cmd Command) error
}

// Stats holds per-device fault and event counters.
type Stats struct {
	CRC7Errors       uint64 // Response CRC failures
	CRC16Errors      uint64 // Data CRC failures
	DataTimeouts     uint64 // Data-in timeouts
	ResponseTimeouts uint64 // Response timeouts
	Aborts           uint64 // Engine resets after data abort
	BlocksDone       uint64 // Block-transfer-done interrupts
	Inserts          uint64 // Cards probed after insertion
	Removes          uint64 // Card removals
	TransferErrors   uint64 // Failed Read/Write calls
}

type counters struct {
	crc7, crc16      atomic.Uint64
	dataTimeouts     atomic.Uint64
	responseTimeouts atomic.Uint64
	aborts           atomic.Uint64
	blocksDone       atomic.Uint64
	inserts, removes atomic.Uint64
	transferErrors   atomic.Uint64
}

// Device is the per-slot driver record.
//
// Read and Write are serialized by the device lock; at most one transfer is
// in flight per Device. CardInfo has its own lock so the interrupt
// classifier can reset it without waiting for a transfer to finish.
type Device struct {
	name       string
	slot       int
	mountPoint string
	mode       hal.DetectMode
	ctrl       hal.Controller
	events     *EventSet // nil unless hotplug is enabled for the slot
	alloc      Allocator

	// lock serializes block I/O. bounce is only touched while it is held.
	lock   sync.Mutex
	bounce []byte

	infoMu sync.RWMutex
	info   hal.CardInfo

	dataReady atomic.Bool
	stats     counters

	errMu   sync.Mutex
	lastErr error
}

// newDevice creates the record for one slot.
func newDevice(sc SlotConfig, ctrl hal.Controller, events *EventSet, alloc Allocator) *Device {
	if alloc == nil {
		alloc = HeapAllocator{}
	}
	return &Device{
		name:       sc.Name,
		slot:       sc.Slot,
		mountPoint: sc.MountPoint,
		mode:       sc.DetectMode,
		ctrl:       ctrl,
		events:     events,
		alloc:      alloc,
	}
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Slot returns the physical slot index.
func (d *Device) Slot() int { return d.slot }

// MountPoint returns the configured mount point, or "" if none.
func (d *Device) MountPoint() string { return d.mountPoint }

// Hotplug reports whether card-detect interrupts post hotplug events.
func (d *Device) Hotplug() bool { return d.events != nil }

// Controller returns the slot's controller.
func (d *Device) Controller() hal.Controller { return d.ctrl }

// CardInfo returns a snapshot of the card state.
func (d *Device) CardInfo() hal.CardInfo {
	d.infoMu.RLock()
	defer d.infoMu.RUnlock()
	return d.info
}

// IsPresent reports whether a probed card is in the slot.
func (d *Device) IsPresent() bool {
	return d.CardInfo().Inserted
}

// DataReady reports whether a block-transfer-done interrupt arrived since
// the last transfer started.
func (d *Device) DataReady() bool {
	return d.dataReady.Load()
}

// ConsumeDataReady reports and clears the data-ready flag.
func (d *Device) ConsumeDataReady() bool {
	return d.dataReady.Swap(false)
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	return Stats{
		CRC7Errors:       d.stats.crc7.Load(),
		CRC16Errors:      d.stats.crc16.Load(),
		DataTimeouts:     d.stats.dataTimeouts.Load(),
		ResponseTimeouts: d.stats.responseTimeouts.Load(),
		Aborts:           d.stats.aborts.Load(),
		BlocksDone:       d.stats.blocksDone.Load(),
		Inserts:          d.stats.inserts.Load(),
		Removes:          d.stats.removes.Load(),
		TransferErrors:   d.stats.transferErrors.Load(),
	}
}

// LastError returns the error of the most recent Read or Write, or nil if
// it succeeded.
func (d *Device) LastError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.lastErr
}

func (d *Device) setLastError(err error) {
	d.errMu.Lock()
	d.lastErr = err
	d.errMu.Unlock()
}

// setCardInfo replaces the card state.
func (d *Device) setCardInfo(info hal.CardInfo) {
	d.infoMu.Lock()
	d.info = info
	d.infoMu.Unlock()
}

// resetCardInfo zeroes the card state. Geometry read afterwards reports
// no card.
func (d *Device) resetCardInfo() {
	d.infoMu.Lock()
	d.info = hal.CardInfo{}
	d.infoMu.Unlock()
}

// noteTransfer records the completion code of a transfer in the card's
// transient error flags. A removed card stays zeroed.
func (d *Device) noteTransfer(status pkg.TransferStatus) {
	d.infoMu.Lock()
	defer d.infoMu.Unlock()
	if !d.info.Inserted {
		return
	}
	if status == pkg.TransferSuccessful {
		d.info.ErrorFlags = 0
	} else {
		d.info.ErrorFlags |= 1 << uint(status)
	}
}

// =============================================================================
// Block Device Lifecycle
// =============================================================================

// Init configures the controller's card-detect source and probes a card
// that is already seated.
func (d *Device) Init() error {
	if err := d.ctrl.Open(d.mode); err != nil {
		return fmt.Errorf("%s: open controller: %w", d.name, err)
	}
	if !d.ctrl.IsPresent() {
		pkg.LogDebug(pkg.ComponentSDH, "no card at init", "device", d.name)
		return nil
	}
	info, err := d.ctrl.Probe()
	if err != nil {
		pkg.LogWarn(pkg.ComponentSDH, "probe failed at init",
			"device", d.name,
			"error", err)
		return nil
	}
	d.setCardInfo(info)
	pkg.LogInfo(pkg.ComponentSDH, "card ready",
		"device", d.name,
		"sector_size", info.SectorSize,
		"sectors", info.TotalSectors)
	return nil
}

// Open probes the card. It fails with pkg.ErrNoCard when no card answers.
func (d *Device) Open() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	info, err := d.ctrl.Probe()
	if err != nil {
		return fmt.Errorf("%s: %w: %w", d.name, pkg.ErrNoCard, err)
	}
	d.setCardInfo(info)
	return nil
}

// Close releases nothing; the record lives as long as the registry.
func (d *Device) Close() error {
	return nil
}
