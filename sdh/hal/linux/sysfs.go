//go:build linux

package linux

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// =============================================================================
// Block Device Information
// =============================================================================

// blockInfo holds the sysfs attributes of a block device.
type blockInfo struct {
	name         string // Kernel name, e.g. "mmcblk0"
	sectors      uint64 // Capacity in 512-byte units
	logicalBlock uint32 // queue/logical_block_size
	readOnly     bool   // ro
	removable    bool   // removable
}

// capacity returns the device size in bytes.
func (b blockInfo) capacity() uint64 {
	return b.sectors * KernelSectorSize
}

// blockSectors returns the number of logical blocks.
func (b blockInfo) blockSectors() uint64 {
	if b.logicalBlock == 0 {
		return 0
	}
	return b.capacity() / uint64(b.logicalBlock)
}

// present reports whether media is in the device. Card readers keep their
// node when the card is pulled and report zero capacity instead.
func (b blockInfo) present() bool {
	return b.sectors > 0
}

// =============================================================================
// Sysfs Parsing
// =============================================================================

// readBlockInfo reads the attributes of block device name under root.
func readBlockInfo(root, name string) (blockInfo, error) {
	dir := filepath.Join(root, name)
	info := blockInfo{name: name, logicalBlock: KernelSectorSize}

	sectors, err := readSysfsUint(filepath.Join(dir, "size"), 64)
	if err != nil {
		return info, err
	}
	info.sectors = sectors

	if lbs, err := readSysfsUint(filepath.Join(dir, "queue", "logical_block_size"), 32); err == nil && lbs > 0 {
		info.logicalBlock = uint32(lbs)
	}
	if ro, err := readSysfsUint(filepath.Join(dir, "ro"), 8); err == nil {
		info.readOnly = ro != 0
	}
	if rm, err := readSysfsUint(filepath.Join(dir, "removable"), 8); err == nil {
		info.removable = rm != 0
	}
	return info, nil
}

// readSysfsString reads a sysfs attribute and trims whitespace.
func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSysfsUint reads a decimal unsigned integer attribute.
func readSysfsUint(path string, bitSize int) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, bitSize)
}
