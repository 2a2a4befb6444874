package hal

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ardnew/softsdh/pkg"
)

// DetectMode selects the source of the card-detect signal.
type DetectMode uint8

// Card-detect sources.
const (
	DetectGPIO DetectMode = iota // Dedicated card-detect pin
	DetectDAT3                   // Pull-up on the DAT3 line
)

// String returns a human-readable detect mode name.
func (m DetectMode) String() string {
	switch m {
	case DetectGPIO:
		return "gpio"
	case DetectDAT3:
		return "dat3"
	default:
		return "unknown"
	}
}

// IntStatus is the controller's interrupt status word.
//
// Flag bits latch until cleared with [Controller.ClearInt]. Level bits
// reflect live line state and are not affected by clearing.
type IntStatus uint32

// Interrupt status bits.
const (
	IntBlockDone       IntStatus = 1 << 0  // Block transfer done (flag)
	IntCRC             IntStatus = 1 << 1  // CRC error (flag)
	IntCRC7Ok          IntStatus = 1 << 2  // Last response passed CRC7 (level)
	IntCRC16Ok         IntStatus = 1 << 3  // Last data block passed CRC16 (level)
	IntCardDetect      IntStatus = 1 << 8  // Card-detect line changed (flag)
	IntResponseTimeout IntStatus = 1 << 12 // Response-in timeout (flag)
	IntDataTimeout     IntStatus = 1 << 13 // Data-in timeout (flag)
	IntCardDetectLevel IntStatus = 1 << 16 // Detect line high: no card (level)

	// IntFlags are the bits cleared by ClearInt.
	IntFlags = IntBlockDone | IntCRC | IntCardDetect | IntResponseTimeout | IntDataTimeout
)

// Has reports whether any bit in mask is set.
func (s IntStatus) Has(mask IntStatus) bool {
	return s&mask != 0
}

// GlobalStatus is the controller's global (engine) interrupt status.
type GlobalStatus uint32

// Global status bits.
const (
	GlobalDataAbort GlobalStatus = 1 << 0 // Transfer engine aborted
)

// CardInfo is the geometry and response state reported by a card probe.
type CardInfo struct {
	SectorSize   uint32 // Bytes per sector
	TotalSectors uint64 // Number of addressable sectors
	Inserted     bool   // Card is inserted and probed
	R3Response   bool   // Last response was R3 (carries no CRC7)
	ErrorFlags   uint32 // Transient per-transfer error flags
}

// Capacity returns the card capacity in bytes.
func (c CardInfo) Capacity() uint64 {
	return c.TotalSectors * uint64(c.SectorSize)
}

// IsZero reports whether the info describes no card at all.
func (c CardInfo) IsZero() bool {
	return c == CardInfo{}
}

// Controller defines the card host controller capability consumed by the
// driver core.
//
// The transfer methods are synchronous: they return once the engine has
// finished or failed. Implementations must tolerate concurrent calls from
// interrupt context (IntStatus, ClearInt, GlobalStatus, ResetEngine,
// Open, Probe) while a transfer is in flight.
type Controller interface {
	// Open configures the controller and the card-detect source.
	Open(mode DetectMode) error

	// Probe runs the card identification sequence and returns the card
	// geometry. It returns [pkg.ErrNoCard] or [pkg.ErrProbe] on failure.
	Probe() (CardInfo, error)

	// ReadSectors reads count sectors starting at pos into buf.
	ReadSectors(pos uint64, buf []byte, count uint32) pkg.TransferStatus

	// WriteSectors writes count sectors from buf starting at pos.
	WriteSectors(pos uint64, buf []byte, count uint32) pkg.TransferStatus

	// IsPresent reports the live card-detect state.
	IsPresent() bool

	// ResetEngine resets the transfer engine after a data abort.
	ResetEngine()

	// Alignment returns the buffer address alignment, in bytes, the
	// transfer engine requires.
	Alignment() int

	// IntStatus reads the interrupt status word.
	IntStatus() IntStatus

	// ClearInt acknowledges the flag bits in mask.
	ClearInt(mask IntStatus)

	// GlobalStatus reads the global engine status.
	GlobalStatus() GlobalStatus

	// AttachInterrupt installs the handler invoked on every interrupt.
	AttachInterrupt(handler func())

	// Close releases all resources associated with the controller.
	Close() error
}

// IsAligned reports whether the first byte of buf sits on an address that
// is a multiple of align. Empty buffers and align <= 1 are always aligned.
func IsAligned(buf []byte, align int) bool {
	if len(buf) == 0 || align <= 1 {
		return true
	}
	return uintptr(unsafe.Pointer(&buf[0]))%uintptr(align) == 0
}

// StatusRegister emulates a write-one-to-clear interrupt status register.
// The zero value is ready to use.
type StatusRegister struct {
	v atomic.Uint32
}

// Load returns the current status word.
func (r *StatusRegister) Load() IntStatus {
	return IntStatus(r.v.Load())
}

// Set latches the bits in mask.
func (r *StatusRegister) Set(mask IntStatus) {
	r.v.Or(uint32(mask))
}

// Clear acknowledges the flag bits in mask. Level bits are left untouched.
func (r *StatusRegister) Clear(mask IntStatus) {
	r.v.And(^uint32(mask & IntFlags))
}

// SetLevel drives the level bits in mask high or low.
func (r *StatusRegister) SetLevel(mask IntStatus, high bool) {
	if high {
		r.v.Or(uint32(mask))
	} else {
		r.v.And(^uint32(mask))
	}
}

// InterruptLine delivers interrupts to an attached handler. Raise calls are
// serialized, so a handler is never re-entered for the same line.
type InterruptLine struct {
	mu      sync.Mutex
	handler func()
}

// Attach installs the handler. A nil handler masks the line.
func (l *InterruptLine) Attach(handler func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

// Raise invokes the handler, if any, and reports whether one ran.
func (l *InterruptLine) Raise() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handler == nil {
		return false
	}
	l.handler()
	return true
}
