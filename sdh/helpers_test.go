package sdh

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/softsdh/pkg"
	"github.com/ardnew/softsdh/sdh/hal"
	"github.com/ardnew/softsdh/sdh/hal/mem"
)

// =============================================================================
// Test Fixtures
// =============================================================================

const (
	testSectorSize = 512
	testSectors    = 64
)

// testConfig returns a configuration for n hotplug slots with a short
// debounce interval.
func testConfig(n int) Config {
	cfg := DefaultConfig(n)
	cfg.Debounce = 20 * time.Millisecond
	return cfg
}

// newTestRegistry builds and initializes a registry over fresh in-memory
// controllers, one per configured slot.
func newTestRegistry(t *testing.T, cfg Config) (*Registry, map[int]*mem.Controller) {
	t.Helper()

	ctrls := make(map[int]*mem.Controller)
	halCtrls := make(map[int]hal.Controller)
	for _, sc := range cfg.Slots {
		c := mem.New(testSectors, testSectorSize)
		ctrls[sc.Slot] = c
		halCtrls[sc.Slot] = c
	}

	reg, err := NewRegistry(cfg, halCtrls)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if err := reg.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg, ctrls
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// misaligned returns an n-byte buffer whose address is off bytes past a
// multiple of align.
func misaligned(n, align, off int) []byte {
	raw := make([]byte, n+2*align)
	for i := 0; i < align; i++ {
		if hal.IsAligned(raw[i:], align) {
			return raw[i+off : i+off+n]
		}
	}
	panic("no aligned offset found")
}

// aligned returns an n-byte buffer aligned to align.
func aligned(n, align int) []byte {
	return misaligned(n, align, 0)
}

// pattern fills an n-byte buffer with a recognizable sequence.
func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i) ^ seed
	}
	return buf
}

// =============================================================================
// Fake Filesystem
// =============================================================================

// fakeFS implements Filesystem with an in-memory mount table and call
// counters.
type fakeFS struct {
	mu        sync.Mutex
	mounted   map[string]string
	dirs      map[string]bool
	mounts    int
	unmounts  int
	mountErr  error
	umountErr error
	dirErr    error
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		mounted: make(map[string]string),
		dirs:    make(map[string]bool),
	}
}

func (f *fakeFS) IsMounted(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.mounted[path]
	return ok
}

func (f *fakeFS) Mount(device, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounts++
	if f.mountErr != nil {
		return f.mountErr
	}
	if !f.dirs[path] {
		return errors.New("mount point missing")
	}
	f.mounted[path] = device
	return nil
}

func (f *fakeFS) Unmount(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmounts++
	if f.umountErr != nil {
		return f.umountErr
	}
	if _, ok := f.mounted[path]; !ok {
		return pkg.ErrNotMounted
	}
	delete(f.mounted, path)
	return nil
}

func (f *fakeFS) EnsureDirectory(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirErr != nil {
		return f.dirErr
	}
	f.dirs[path] = true
	return nil
}

func (f *fakeFS) counts() (mounts, unmounts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mounts, f.unmounts
}

// =============================================================================
// Counting Allocator
// =============================================================================

// countingAllocator wraps HeapAllocator and records every call.
type countingAllocator struct {
	mu     sync.Mutex
	allocs int
	frees  int
	fail   bool
	sizes  []int
}

func (a *countingAllocator) Alloc(size, align int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocs++
	a.sizes = append(a.sizes, size)
	if a.fail {
		return nil, pkg.ErrNoMemory
	}
	return HeapAllocator{}.Alloc(size, align)
}

func (a *countingAllocator) Free([]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frees++
}

func (a *countingAllocator) counts() (allocs, frees int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs, a.frees
}

// logBuffer collects log output from any goroutine.
type logBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.String()
}

// captureLogs routes driver logging at info level and above into a buffer
// until the test ends.
func captureLogs(t *testing.T) *logBuffer {
	t.Helper()
	logs := &logBuffer{}
	prev := pkg.Logger()
	pkg.SetLogger(pkg.NewLogger(logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	t.Cleanup(func() { pkg.SetLogger(prev) })
	return logs
}
