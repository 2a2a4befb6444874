package mem

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softsdh/pkg"
	"github.com/ardnew/softsdh/sdh/hal"
)

// DefaultAlignment matches the 4-byte DMA constraint of common SD host
// controllers.
const DefaultAlignment = 4

// Op identifies a recorded controller operation.
type Op uint8

// Recorded operations.
const (
	OpRead Op = iota
	OpWrite
)

// String returns the operation name.
func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// Call records one sector transfer issued to the controller.
type Call struct {
	Op     Op
	Pos    uint64
	Count  uint32
	Status pkg.TransferStatus
}

// Controller implements hal.Controller with an in-memory card.
//
// The card can be inserted and removed at runtime, transfers can be made to
// fail at chosen sectors, and every transfer is recorded so tests can check
// ordering and serialization.
type Controller struct {
	data       []byte
	sectorSize uint32
	alignment  int
	readOnly   bool
	present    bool
	r3         bool
	probeErr   error
	openErr    error
	latency    time.Duration
	faults     map[uint64]pkg.TransferStatus
	mode       hal.DetectMode
	mutex      sync.RWMutex

	status hal.StatusRegister
	global atomic.Uint32
	irq    hal.InterruptLine

	// Instrumentation
	callMu      sync.Mutex
	calls       []Call
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	opens       atomic.Int32
	closes      atomic.Int32
	probes      atomic.Int32
	resets      atomic.Int32
}

// New creates a controller holding a card of the given geometry. The card
// starts inserted.
func New(sectors uint64, sectorSize uint32) *Controller {
	return &Controller{
		data:       make([]byte, sectors*uint64(sectorSize)),
		sectorSize: sectorSize,
		alignment:  DefaultAlignment,
		present:    true,
		faults:     make(map[uint64]pkg.TransferStatus),
	}
}

// SetAlignment sets the buffer alignment the simulated engine requires.
func (c *Controller) SetAlignment(align int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.alignment = align
}

// SetReadOnly sets the write-protect switch.
func (c *Controller) SetReadOnly(readOnly bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.readOnly = readOnly
}

// SetR3 marks the card's last response as R3.
func (c *Controller) SetR3(r3 bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.r3 = r3
}

// SetProbeError makes subsequent probes fail with err. A nil err restores
// normal probing.
func (c *Controller) SetProbeError(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.probeErr = err
}

// SetOpenError makes Open fail with err. A nil err restores normal
// opening.
func (c *Controller) SetOpenError(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.openErr = err
}

// SetLatency adds a fixed delay to every transfer.
func (c *Controller) SetLatency(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.latency = d
}

// FailSector makes any transfer touching pos complete with status.
func (c *Controller) FailSector(pos uint64, status pkg.TransferStatus) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.faults[pos] = status
}

// ClearFaults removes all injected sector faults.
func (c *Controller) ClearFaults() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	clear(c.faults)
}

// Data returns the raw card contents. The slice aliases controller memory.
func (c *Controller) Data() []byte {
	return c.data
}

// Mode returns the card-detect source configured by the last Open.
func (c *Controller) Mode() hal.DetectMode {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.mode
}

// =============================================================================
// Hardware Simulation
// =============================================================================

// Insert seats the card and raises a card-detect interrupt.
func (c *Controller) Insert() {
	c.mutex.Lock()
	c.present = true
	c.mutex.Unlock()

	c.status.SetLevel(hal.IntCardDetectLevel, false)
	c.Interrupt(hal.IntCardDetect)
}

// Remove pulls the card and raises a card-detect interrupt.
func (c *Controller) Remove() {
	c.mutex.Lock()
	c.present = false
	c.mutex.Unlock()

	c.status.SetLevel(hal.IntCardDetectLevel, true)
	c.Interrupt(hal.IntCardDetect)
}

// Interrupt latches bits in the status word and raises the interrupt line.
func (c *Controller) Interrupt(bits hal.IntStatus) {
	c.status.Set(bits)
	c.irq.Raise()
}

// Latch sets status bits without raising the interrupt line.
func (c *Controller) Latch(bits hal.IntStatus) {
	c.status.Set(bits)
}

// SetLevel drives status level bits without raising an interrupt.
func (c *Controller) SetLevel(bits hal.IntStatus, high bool) {
	c.status.SetLevel(bits, high)
}

// Abort latches a data abort in the global status and raises the line.
func (c *Controller) Abort() {
	c.global.Or(uint32(hal.GlobalDataAbort))
	c.irq.Raise()
}

// =============================================================================
// Instrumentation
// =============================================================================

// Calls returns a copy of the recorded transfers.
func (c *Controller) Calls() []Call {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	return append([]Call(nil), c.calls...)
}

// ResetCalls discards the recorded transfers.
func (c *Controller) ResetCalls() {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	c.calls = c.calls[:0]
	c.maxInFlight.Store(0)
}

// MaxInFlight returns the highest number of transfers observed running at
// the same time.
func (c *Controller) MaxInFlight() int {
	return int(c.maxInFlight.Load())
}

// Opens returns the number of Open calls.
func (c *Controller) Opens() int { return int(c.opens.Load()) }

// Closes returns the number of Close calls.
func (c *Controller) Closes() int { return int(c.closes.Load()) }

// Probes returns the number of Probe calls.
func (c *Controller) Probes() int { return int(c.probes.Load()) }

// Resets returns the number of ResetEngine calls.
func (c *Controller) Resets() int { return int(c.resets.Load()) }

// =============================================================================
// hal.Controller Implementation
// =============================================================================

// Open configures the card-detect source.
func (c *Controller) Open(mode hal.DetectMode) error {
	c.opens.Add(1)
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	c.mode = mode
	return nil
}

// Probe reports the card geometry.
func (c *Controller) Probe() (hal.CardInfo, error) {
	c.probes.Add(1)
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if !c.present {
		return hal.CardInfo{}, pkg.ErrNoCard
	}
	if c.probeErr != nil {
		return hal.CardInfo{}, c.probeErr
	}
	return hal.CardInfo{
		SectorSize:   c.sectorSize,
		TotalSectors: uint64(len(c.data)) / uint64(c.sectorSize),
		Inserted:     true,
		R3Response:   c.r3,
	}, nil
}

// ReadSectors copies sectors from the card into buf.
func (c *Controller) ReadSectors(pos uint64, buf []byte, count uint32) pkg.TransferStatus {
	return c.transfer(OpRead, pos, buf, count)
}

// WriteSectors copies sectors from buf onto the card.
func (c *Controller) WriteSectors(pos uint64, buf []byte, count uint32) pkg.TransferStatus {
	return c.transfer(OpWrite, pos, buf, count)
}

// IsPresent reports whether the card is seated.
func (c *Controller) IsPresent() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.present
}

// ResetEngine acknowledges a data abort.
func (c *Controller) ResetEngine() {
	c.resets.Add(1)
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

// Close detaches the interrupt handler.
func (c *Controller) Close() error {
	c.closes.Add(1)
	c.irq.Attach(nil)
	return nil
}

// transfer runs one engine operation. The block-done interrupt is raised
// after the controller lock is dropped, as the handler reads controller
// state.
func (c *Controller) transfer(op Op, pos uint64, buf []byte, count uint32) pkg.TransferStatus {
	n := c.inFlight.Add(1)
	for {
		peak := c.maxInFlight.Load()
		if n <= peak || c.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	status := c.run(op, pos, buf, count)
	c.inFlight.Add(-1)

	c.callMu.Lock()
	c.calls = append(c.calls, Call{Op: op, Pos: pos, Count: count, Status: status})
	c.callMu.Unlock()

	if status == pkg.TransferSuccessful {
		c.Interrupt(hal.IntBlockDone)
	}
	return status
}

func (c *Controller) run(op Op, pos uint64, buf []byte, count uint32) pkg.TransferStatus {
	if op == OpWrite {
		c.mutex.Lock()
		defer c.mutex.Unlock()
	} else {
		c.mutex.RLock()
		defer c.mutex.RUnlock()
	}

	if c.latency > 0 {
		time.Sleep(c.latency)
	}

	if !c.present {
		return pkg.TransferNoCard
	}
	if !hal.IsAligned(buf, c.alignment) {
		return pkg.TransferError
	}

	size := uint64(c.sectorSize)
	offset := pos * size
	length := uint64(count) * size
	if offset+length > uint64(len(c.data)) {
		return pkg.TransferOutOfRange
	}
	if uint64(len(buf)) < length {
		return pkg.TransferError
	}
	for s := pos; s < pos+uint64(count); s++ {
		if status, ok := c.faults[s]; ok {
			return status
		}
	}

	if op == OpWrite {
		if c.readOnly {
			return pkg.TransferReadOnly
		}
		copy(c.data[offset:offset+length], buf)
	} else {
		copy(buf, c.data[offset:offset+length])
	}
	return pkg.TransferSuccessful
}
