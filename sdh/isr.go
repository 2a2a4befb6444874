package sdh

import (
	"runtime"
	"time"

	"github.com/ardnew/softsdh/pkg"
	"github.com/ardnew/softsdh/sdh/hal"
)

// HandleInterrupt classifies and acknowledges the controller's pending
// interrupt conditions. It is the slot's interrupt entry point: it never
// blocks apart from the fixed card-detect settle wait, and every status bit
// it inspects is cleared before it returns.
func (d *Device) HandleInterrupt() {
	ctrl := d.ctrl

	// A data abort resets the engine but does not end classification.
	if ctrl.GlobalStatus()&hal.GlobalDataAbort != 0 {
		ctrl.ResetEngine()
		d.stats.aborts.Add(1)
		pkg.LogWarn(pkg.ComponentISR, "data abort, engine reset", "device", d.name)
	}

	status := ctrl.IntStatus()

	if status.Has(hal.IntBlockDone) {
		d.dataReady.Store(true)
		d.stats.blocksDone.Add(1)
		ctrl.ClearInt(hal.IntBlockDone)
	}

	if status.Has(hal.IntCardDetect) {
		spinWait(CardDetectSettle)
		status = ctrl.IntStatus()

		if status.Has(hal.IntCardDetectLevel) {
			d.cardRemoved()
		} else {
			d.cardInserted()
		}
		ctrl.ClearInt(hal.IntCardDetect)
	}

	if status.Has(hal.IntCRC) {
		d.classifyCRC(status)
		ctrl.ClearInt(hal.IntCRC)
	}

	if status.Has(hal.IntDataTimeout) {
		d.stats.dataTimeouts.Add(1)
		ctrl.ClearInt(hal.IntDataTimeout)
	}

	if status.Has(hal.IntResponseTimeout) {
		d.stats.responseTimeouts.Add(1)
		ctrl.ClearInt(hal.IntResponseTimeout)
	}
}

// cardRemoved zeroes the card state before notifying the hotplug task, so
// the task and any block I/O caller observe "no card" from then on.
func (d *Device) cardRemoved() {
	d.resetCardInfo()
	d.stats.removes.Add(1)
	if d.events != nil {
		d.events.Post(Removed(d.slot))
	}
	pkg.LogInfo(pkg.ComponentISR, "card removed", "device", d.name)
}

// cardInserted reopens the controller and probes the new card. Only a
// successful probe is reported to the hotplug task.
func (d *Device) cardInserted() {
	if err := d.ctrl.Open(d.mode); err != nil {
		pkg.LogWarn(pkg.ComponentISR, "controller reopen failed",
			"device", d.name,
			"error", err)
		return
	}
	info, err := d.ctrl.Probe()
	if err != nil {
		pkg.LogWarn(pkg.ComponentISR, "card probe failed",
			"device", d.name,
			"error", err)
		return
	}

	d.setCardInfo(info)
	d.stats.inserts.Add(1)
	if d.events != nil {
		d.events.Post(Inserted(d.slot))
	}
	pkg.LogInfo(pkg.ComponentISR, "card inserted",
		"device", d.name,
		"sectors", info.TotalSectors)
}

// classifyCRC counts a CRC failure as a data (CRC16) or response (CRC7)
// fault. R3 responses carry no CRC7, so a failed CRC7 check after one is
// not a fault. Recovery is left to the caller retrying the transfer.
func (d *Device) classifyCRC(status hal.IntStatus) {
	switch {
	case !status.Has(hal.IntCRC16Ok):
		d.stats.crc16.Add(1)
		pkg.LogDebug(pkg.ComponentISR, "crc16 error", "device", d.name)
	case !status.Has(hal.IntCRC7Ok):
		if d.CardInfo().R3Response {
			return
		}
		d.stats.crc7.Add(1)
		pkg.LogDebug(pkg.ComponentISR, "crc7 error", "device", d.name)
	}
}

// spinWait busy-waits for d without parking the calling goroutine.
func spinWait(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		runtime.Gosched()
	}
}
