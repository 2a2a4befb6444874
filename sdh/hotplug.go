package sdh

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ardnew/softsdh/pkg"
)

// Filesystem is the mount capability the hotplug task drives.
type Filesystem interface {
	// IsMounted reports whether a filesystem is mounted at path.
	IsMounted(path string) bool

	// Mount mounts the named block device at path.
	Mount(device, path string) error

	// Unmount unmounts the filesystem at path.
	Unmount(path string) error

	// EnsureDirectory creates path, and any missing parents, if it does
	// not exist.
	EnsureDirectory(path string) error
}

// State is the hotplug task's state.
type State uint32

// Hotplug task states.
const (
	StateStopped State = iota
	StateStartup
	StateIdle
	StateDebouncing
	StateReconciling
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStartup:
		return "startup"
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateReconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

// Hotplugger is the hotplug task. It mounts cards already present at
// startup, then waits on the registry's event set and mounts or unmounts
// slots as cards come and go.
type Hotplugger struct {
	reg      *Registry
	fs       Filesystem
	debounce time.Duration

	state   atomic.Uint32
	running atomic.Bool
	cycles  atomic.Uint64
}

// NewHotplugger creates the hotplug task for reg. The debounce interval is
// taken from the registry configuration.
func NewHotplugger(reg *Registry, fs Filesystem) *Hotplugger {
	return &Hotplugger{
		reg:      reg,
		fs:       fs,
		debounce: reg.cfg.debounce(),
	}
}

// State returns the current task state.
func (h *Hotplugger) State() State {
	return State(h.state.Load())
}

// Cycles returns the number of completed reconciliations.
func (h *Hotplugger) Cycles() uint64 {
	return h.cycles.Load()
}

func (h *Hotplugger) setState(s State) {
	h.state.Store(uint32(s))
}

// Run executes the task until ctx is done. It returns nil on cancellation
// and pkg.ErrAlreadyRunning if the task is already running.
func (h *Hotplugger) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return pkg.ErrAlreadyRunning
	}
	defer func() {
		h.setState(StateStopped)
		h.running.Store(false)
	}()

	h.startup()

	events := h.reg.events
	for {
		h.setState(StateIdle)
		pending, err := events.WaitAny(ctx, EventAll)
		if err != nil {
			return nil
		}

		h.setState(StateDebouncing)
		if !sleep(ctx, h.debounce) {
			return nil
		}
		// Events posted while settling belong to the same burst.
		pending |= events.TakeAny(EventAll)

		h.setState(StateReconciling)
		pkg.LogDebug(pkg.ComponentHotplug, "reconciling", "events", pending.String())
		h.reconcile(pending)
		h.cycles.Add(1)
	}
}

// startup mounts every slot whose controller already reports a card.
func (h *Hotplugger) startup() {
	h.setState(StateStartup)
	if root := h.reg.cfg.MountRoot; root != "" {
		if err := h.fs.EnsureDirectory(root); err != nil {
			pkg.LogWarn(pkg.ComponentHotplug, "failed to create mount root",
				"path", root,
				"error", err)
		}
	}
	for _, dev := range h.reg.Devices() {
		if dev.mountPoint == "" || !dev.ctrl.IsPresent() {
			continue
		}
		_ = h.Mount(dev)
	}
}

// reconcile dispatches every set bit to its slot's handler. When a slot has
// both bits set, the handler that matches the current card-detect state
// runs last.
func (h *Hotplugger) reconcile(pending Event) {
	for slot := 0; slot < MaxSlots; slot++ {
		inserted := pending.Has(Inserted(slot))
		removed := pending.Has(Removed(slot))
		if !inserted && !removed {
			continue
		}

		dev := h.reg.Get(Handle(slot))
		if dev == nil {
			pkg.LogWarn(pkg.ComponentHotplug, "event for unregistered slot", "slot", slot)
			continue
		}
		if dev.mountPoint == "" {
			pkg.LogInfo(pkg.ComponentHotplug, "event ignored, no mount point",
				"device", dev.name,
				"inserted", inserted,
				"removed", removed)
			continue
		}

		switch {
		case inserted && removed:
			if dev.ctrl.IsPresent() {
				_ = h.Unmount(dev)
				_ = h.Mount(dev)
			} else {
				_ = h.Mount(dev)
				_ = h.Unmount(dev)
			}
		case inserted:
			_ = h.Mount(dev)
		case removed:
			_ = h.Unmount(dev)
		}
	}
}

// Mount mounts dev at its mount point. An existing mount is left alone.
// Failures are logged and returned; the task never retries them.
func (h *Hotplugger) Mount(dev *Device) error {
	path := dev.mountPoint
	if path == "" {
		return fmt.Errorf("%s: %w", dev.name, pkg.ErrNoMountPoint)
	}
	if h.fs.IsMounted(path) {
		return nil
	}

	if err := h.fs.EnsureDirectory(path); err != nil {
		pkg.LogError(pkg.ComponentHotplug, "failed to create mount point",
			"device", dev.name,
			"path", path,
			"error", err)
		return fmt.Errorf("create %s: %w", path, err)
	}

	if err := h.fs.Mount(dev.name, path); err != nil {
		pkg.LogError(pkg.ComponentHotplug, "failed to mount",
			"device", dev.name,
			"path", path,
			"error", err)
		return fmt.Errorf("mount %s on %s: %w", dev.name, path, err)
	}

	pkg.LogInfo(pkg.ComponentHotplug, "mounted",
		"device", dev.name,
		"path", path)
	return nil
}

// Unmount unmounts dev's mount point. A path with nothing mounted is left
// alone.
func (h *Hotplugger) Unmount(dev *Device) error {
	path := dev.mountPoint
	if path == "" {
		return fmt.Errorf("%s: %w", dev.name, pkg.ErrNoMountPoint)
	}
	if !h.fs.IsMounted(path) {
		return nil
	}

	if err := h.fs.Unmount(path); err != nil {
		pkg.LogError(pkg.ComponentHotplug, "failed to unmount",
			"device", dev.name,
			"path", path,
			"error", err)
		return fmt.Errorf("unmount %s: %w", path, err)
	}

	pkg.LogInfo(pkg.ComponentHotplug, "unmounted",
		"device", dev.name,
		"path", path)
	return nil
}

// sleep waits for d and reports whether it elapsed before ctx was done.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
