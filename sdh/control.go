package sdh

import (
	"github.com/ardnew/softsdh/pkg"
	"github.com/ardnew/softsdh/sdh/hal"
)

// Command is a device control operation. The set is closed: only the types
// in this package implement it.
type Command interface {
	command()
}

// Geometry describes the addressable layout of the card. An all-zero
// Geometry means no card is ready.
type Geometry struct {
	BytesPerSector uint32
	BlockSize      uint32
	SectorCount    uint64
}

// Ready reports whether the geometry describes a usable card.
func (g Geometry) Ready() bool {
	return g.BytesPerSector != 0 && g.SectorCount != 0
}

// GetGeometry fills Out with the live card geometry.
type GetGeometry struct {
	Out *Geometry
}

// GetCardInfo fills Out with a snapshot of the card state.
type GetCardInfo struct {
	Out *hal.CardInfo
}

// GetStats fills Out with the device counters.
type GetStats struct {
	Out *Stats
}

func (GetGeometry) command() {}
func (GetCardInfo) command() {}
func (GetStats) command()    {}

// Control executes cmd against the device.
func (d *Device) Control(cmd Command) error {
	switch c := cmd.(type) {
	case GetGeometry:
		if c.Out == nil {
			return pkg.ErrInvalidParameter
		}
		*c.Out = d.Geometry()
		return nil

	case GetCardInfo:
		if c.Out == nil {
			return pkg.ErrInvalidParameter
		}
		*c.Out = d.CardInfo()
		return nil

	case GetStats:
		if c.Out == nil {
			return pkg.ErrInvalidParameter
		}
		*c.Out = d.Stats()
		return nil

	default:
		return pkg.ErrNotSupported
	}
}

// Geometry returns the live card geometry. The block size equals the sector
// size.
func (d *Device) Geometry() Geometry {
	info := d.CardInfo()
	return Geometry{
		BytesPerSector: info.SectorSize,
		BlockSize:      info.SectorSize,
		SectorCount:    info.TotalSectors,
	}
}
