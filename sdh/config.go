package sdh

import (
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/ardnew/softsdh/pkg"
	"github.com/ardnew/softsdh/sdh/hal"
)

// SlotConfig configures one controller slot.
type SlotConfig struct {
	Slot       int            // Physical slot index (0 to MaxSlots-1)
	Name       string         // Device name, e.g. "sdh0"
	Enabled    bool           // Slot is registered at all
	MountPoint string         // Where the card is mounted; empty disables mounting
	Hotplug    bool           // Card-detect interrupts post hotplug events
	DetectMode hal.DetectMode // Card-detect source
}

// Config is the driver configuration. It is resolved once when the registry
// is built and never changes afterwards.
type Config struct {
	// Hotplug enables hotplug event posting for slots that request it.
	Hotplug bool

	// Debounce is the hotplug task's settle time. Zero selects
	// DefaultDebounce.
	Debounce time.Duration

	// MountRoot is the parent directory of the default mount points.
	MountRoot string

	// Allocator provides bounce buffers. Nil selects HeapAllocator.
	Allocator Allocator

	// Slots lists the controller slots.
	Slots []SlotConfig
}

// DefaultConfig returns a configuration with n enabled, hotplug-capable
// slots named sdh0..sdh<n-1>, mounted at <root>/sd0..sd<n-1>.
func DefaultConfig(n int) Config {
	cfg := Config{
		Hotplug:   true,
		Debounce:  DefaultDebounce,
		MountRoot: DefaultMountRoot,
	}
	for i := 0; i < n; i++ {
		cfg.Slots = append(cfg.Slots, SlotConfig{
			Slot:       i,
			Name:       fmt.Sprintf("%s%d", DefaultNamePrefix, i),
			Enabled:    true,
			MountPoint: path.Join(DefaultMountRoot, fmt.Sprintf("sd%d", i)),
			Hotplug:    true,
			DetectMode: hal.DetectGPIO,
		})
	}
	return cfg
}

// Validate reports every problem in the configuration. The returned error
// wraps pkg.ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	if c.Debounce < 0 {
		errs = append(errs, fmt.Errorf("negative debounce %v", c.Debounce))
	}
	if len(c.Slots) > MaxSlots {
		errs = append(errs, fmt.Errorf("%d slots exceeds maximum %d", len(c.Slots), MaxSlots))
	}

	slots := make(map[int]bool)
	names := make(map[string]bool)
	mounts := make(map[string]bool)
	for _, s := range c.Slots {
		if s.Slot < 0 || s.Slot >= MaxSlots {
			errs = append(errs, fmt.Errorf("slot %d out of range", s.Slot))
			continue
		}
		if slots[s.Slot] {
			errs = append(errs, fmt.Errorf("slot %d configured twice", s.Slot))
		}
		slots[s.Slot] = true

		if s.Name == "" {
			errs = append(errs, fmt.Errorf("slot %d has no name", s.Slot))
		} else if names[s.Name] {
			errs = append(errs, fmt.Errorf("device name %q used twice", s.Name))
		}
		names[s.Name] = true

		if s.MountPoint != "" {
			if mounts[s.MountPoint] {
				errs = append(errs, fmt.Errorf("mount point %q used twice", s.MountPoint))
			}
			mounts[s.MountPoint] = true
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", pkg.ErrInvalidConfig, errors.Join(errs...))
}

// debounce returns the effective debounce interval.
func (c Config) debounce() time.Duration {
	if c.Debounce == 0 {
		return DefaultDebounce
	}
	return c.Debounce
}

// hotplugFor reports whether card-detect interrupts on s post events.
func (c Config) hotplugFor(s SlotConfig) bool {
	return c.Hotplug && s.Hotplug
}
