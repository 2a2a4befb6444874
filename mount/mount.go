package mount

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ardnew/softsdh/pkg"
)

// DefaultFSType is the filesystem type recorded for mounts when none is
// given.
const DefaultFSType = "vfat"

// Entry describes one mounted filesystem.
type Entry struct {
	Device  string    // Block device name, e.g. "sdh0"
	Path    string    // Mount point in the table's namespace
	FSType  string    // Filesystem type
	Mounted time.Time // When the mount was made
}

// Table is an in-process mount table. Mount points are slash-separated
// absolute paths; the directories backing them live under a host root
// directory.
//
// Table implements the sdh.Filesystem capability. It records mounts only
// and never reads the device.
type Table struct {
	root    string
	fstype  string
	mutex   sync.RWMutex
	entries map[string]Entry
	devices map[string]string // device -> mount point
}

// New creates an empty table backed by the host directory root. An empty
// fstype selects DefaultFSType.
func New(root, fstype string) *Table {
	if fstype == "" {
		fstype = DefaultFSType
	}
	return &Table{
		root:    root,
		fstype:  fstype,
		entries: make(map[string]Entry),
		devices: make(map[string]string),
	}
}

// Root returns the host directory backing the table.
func (t *Table) Root() string {
	return t.root
}

// HostPath maps a mount point to its host directory.
func (t *Table) HostPath(p string) string {
	return filepath.Join(t.root, filepath.FromSlash(clean(p)))
}

// clean normalizes p to an absolute slash path.
func clean(p string) string {
	return path.Clean("/" + p)
}

// covers reports whether mount point m contains p.
func covers(m, p string) bool {
	if m == "/" || m == p {
		return true
	}
	return strings.HasPrefix(p, m+"/")
}

// Lookup returns the mount whose mount point contains p, preferring the
// longest match.
func (t *Table) Lookup(p string) (Entry, bool) {
	p = clean(p)

	t.mutex.RLock()
	defer t.mutex.RUnlock()

	var (
		best  Entry
		found bool
	)
	for m, e := range t.entries {
		if covers(m, p) && (!found || len(m) > len(best.Path)) {
			best, found = e, true
		}
	}
	return best, found
}

// IsMounted reports whether a filesystem is mounted exactly at p. A path
// that merely lies inside another mount is not mounted.
func (t *Table) IsMounted(p string) bool {
	e, ok := t.Lookup(p)
	return ok && e.Path == clean(p)
}

// Mount records device as mounted at p. The mount point directory must
// already exist.
func (t *Table) Mount(device, p string) error {
	p = clean(p)

	info, err := os.Stat(t.HostPath(p))
	if err != nil {
		return fmt.Errorf("mount point %s: %w", p, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point %s: %w", p, fs.ErrInvalid)
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, ok := t.entries[p]; ok {
		return fmt.Errorf("%s: %w", p, pkg.ErrAlreadyMounted)
	}
	if other, ok := t.devices[device]; ok {
		return fmt.Errorf("%s on %s: %w", device, other, pkg.ErrAlreadyMounted)
	}

	t.entries[p] = Entry{
		Device:  device,
		Path:    p,
		FSType:  t.fstype,
		Mounted: time.Now(),
	}
	t.devices[device] = p

	pkg.LogDebug(pkg.ComponentMount, "mounted",
		"device", device,
		"path", p,
		"fstype", t.fstype)
	return nil
}

// Unmount removes the mount at p. Mounts nested below p must be removed
// first.
func (t *Table) Unmount(p string) error {
	p = clean(p)

	t.mutex.Lock()
	defer t.mutex.Unlock()

	e, ok := t.entries[p]
	if !ok {
		return fmt.Errorf("%s: %w", p, pkg.ErrNotMounted)
	}
	for m := range t.entries {
		if m != p && covers(p, m) {
			return fmt.Errorf("%s: busy, %s mounted below", p, m)
		}
	}

	delete(t.entries, p)
	delete(t.devices, e.Device)

	pkg.LogDebug(pkg.ComponentMount, "unmounted",
		"device", e.Device,
		"path", p)
	return nil
}

// EnsureDirectory creates the host directory for p and any missing parents.
func (t *Table) EnsureDirectory(p string) error {
	dir := t.HostPath(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", clean(p), err)
	}
	return nil
}

// Entries returns the current mounts sorted by mount point.
func (t *Table) Entries() []Entry {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	result := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Path < result[j].Path
	})
	return result
}
