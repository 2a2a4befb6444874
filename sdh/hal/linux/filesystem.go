//go:build linux

package linux

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softsdh/pkg"
)

// Filesystem implements sdh.Filesystem with mount(2) and umount(2).
//
// Device names handed to Mount are driver names such as "sdh0"; Devices
// maps them to device nodes. Unmapped names are looked up under /dev.
type Filesystem struct {
	FSType    string            // Filesystem type; empty selects DefaultFSType
	Flags     uintptr           // mount(2) flags, e.g. unix.MS_NOATIME
	Data      string            // Filesystem-specific options
	Devices   map[string]string // Driver name -> device node
	MountInfo string            // Mount table; empty selects ProcMountInfo
}

// NewFilesystem creates a Filesystem mounting fstype. devices maps driver
// names to device nodes.
func NewFilesystem(fstype string, devices map[string]string) *Filesystem {
	return &Filesystem{FSType: fstype, Devices: devices}
}

// source returns the device node for a driver name.
func (f *Filesystem) source(device string) string {
	if node, ok := f.Devices[device]; ok {
		return node
	}
	return filepath.Join(DevfsPath, device)
}

func (f *Filesystem) fstype() string {
	if f.FSType == "" {
		return DefaultFSType
	}
	return f.FSType
}

// IsMounted reports whether a filesystem is mounted exactly at path.
func (f *Filesystem) IsMounted(path string) bool {
	name := f.MountInfo
	if name == "" {
		name = ProcMountInfo
	}
	file, err := os.Open(name)
	if err != nil {
		pkg.LogWarn(pkg.ComponentMount, "cannot read mount table",
			"path", name,
			"error", err)
		return false
	}
	defer file.Close()

	entries, err := parseMountInfo(file)
	if err != nil {
		pkg.LogWarn(pkg.ComponentMount, "cannot parse mount table",
			"path", name,
			"error", err)
		return false
	}

	target := filepath.Clean(path)
	for _, e := range entries {
		if e.mountPoint == target {
			return true
		}
	}
	return false
}

// Mount mounts the device node for device at path.
func (f *Filesystem) Mount(device, path string) error {
	source := f.source(device)
	if err := unix.Mount(source, path, f.fstype(), f.Flags, f.Data); err != nil {
		return fmt.Errorf("mount %s: %w", source, err)
	}
	return nil
}

// Unmount unmounts the filesystem at path.
func (f *Filesystem) Unmount(path string) error {
	if err := unix.Unmount(path, 0); err != nil {
		if errors.Is(err, unix.EINVAL) {
			return fmt.Errorf("%s: %w", path, pkg.ErrNotMounted)
		}
		return err
	}
	return nil
}

// EnsureDirectory creates path and any missing parents.
func (f *Filesystem) EnsureDirectory(path string) error {
	return os.MkdirAll(path, 0o755)
}

// =============================================================================
// Mount Table Parsing
// =============================================================================

// mountEntry is one line of /proc/self/mountinfo.
type mountEntry struct {
	mountPoint string
	fstype     string
	source     string
}

// parseMountInfo parses the mountinfo format described in proc(5):
//
//	36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw
func parseMountInfo(r io.Reader) ([]mountEntry, error) {
	var entries []mountEntry

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 5 {
			return nil, fmt.Errorf("short mountinfo line %q", sc.Text())
		}

		e := mountEntry{mountPoint: unescapeOctal(fields[4])}
		for i := 5; i < len(fields); i++ {
			if fields[i] != "-" {
				continue
			}
			if i+1 < len(fields) {
				e.fstype = fields[i+1]
			}
			if i+2 < len(fields) {
				e.source = unescapeOctal(fields[i+2])
			}
			break
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// unescapeOctal decodes the \NNN escapes the kernel uses for whitespace and
// backslashes in mount paths.
func unescapeOctal(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
