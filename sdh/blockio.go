package sdh

import (
	"fmt"

	"github.com/ardnew/softsdh/pkg"
	"github.com/ardnew/softsdh/sdh/hal"
)

// direction selects the transfer direction.
type direction uint8

const (
	dirRead direction = iota
	dirWrite
)

func (dir direction) String() string {
	if dir == dirWrite {
		return "write"
	}
	return "read"
}

// Read reads count sectors starting at sector pos into buf, which must hold
// at least count sectors. It returns count on success. On failure it
// returns 0 and the error; sectors transferred before the failure are not
// reported.
func (d *Device) Read(pos uint64, buf []byte, count uint32) (int, error) {
	return d.transfer(dirRead, pos, buf, count)
}

// Write writes count sectors from buf starting at sector pos. Results follow
// the same all-or-nothing contract as Read.
func (d *Device) Write(pos uint64, buf []byte, count uint32) (int, error) {
	return d.transfer(dirWrite, pos, buf, count)
}

func (d *Device) transfer(dir direction, pos uint64, buf []byte, count uint32) (int, error) {
	d.lock.Lock()
	err := d.transferLocked(dir, pos, buf, count)
	d.lock.Unlock()

	d.setLastError(err)
	if err != nil {
		d.stats.transferErrors.Add(1)
		pkg.LogWarn(pkg.ComponentBlockIO, dir.String()+" failed",
			"device", d.name,
			"pos", pos,
			"count", count,
			"error", err)
		return 0, err
	}
	return int(count), nil
}

// transferLocked runs a transfer with the device lock held. Aligned caller
// buffers go to the engine in one call; misaligned ones are staged one
// sector at a time through a bounce buffer that is released before return.
func (d *Device) transferLocked(dir direction, pos uint64, buf []byte, count uint32) error {
	if count == 0 {
		return nil
	}

	info := d.CardInfo()
	if !info.Inserted || info.SectorSize == 0 {
		return pkg.ErrNoCard
	}

	size := int(info.SectorSize)
	need := int(count) * size
	if len(buf) < need {
		return fmt.Errorf("%w: have %d bytes, need %d", pkg.ErrBufferTooSmall, len(buf), need)
	}

	align := d.ctrl.Alignment()
	if hal.IsAligned(buf, align) {
		return d.engine(dir, pos, buf[:need], count)
	}

	bounce, err := d.alloc.Alloc(size, align)
	if err != nil {
		return fmt.Errorf("bounce buffer: %w", err)
	}
	d.bounce = bounce
	defer func() {
		d.alloc.Free(d.bounce)
		d.bounce = nil
	}()

	for off := 0; off < need; off += size {
		chunk := buf[off : off+size]
		if dir == dirWrite {
			copy(bounce, chunk)
		}
		if err := d.engine(dir, pos, bounce, 1); err != nil {
			return err
		}
		if dir == dirRead {
			copy(chunk, bounce)
		}
		pos++
	}
	return nil
}

// engine issues one controller transfer and maps its completion code.
func (d *Device) engine(dir direction, pos uint64, buf []byte, count uint32) error {
	d.dataReady.Store(false)

	var status pkg.TransferStatus
	if dir == dirWrite {
		status = d.ctrl.WriteSectors(pos, buf, count)
	} else {
		status = d.ctrl.ReadSectors(pos, buf, count)
	}
	d.noteTransfer(status)

	if status != pkg.TransferSuccessful {
		return fmt.Errorf("sector %d: %s: %w", pos, status, status.Error())
	}
	return nil
}
