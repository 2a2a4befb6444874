package sdh

import (
	"errors"
	"fmt"

	"github.com/ardnew/softsdh/pkg"
	"github.com/ardnew/softsdh/sdh/hal"
)

// Handle is a stable reference to a registered device: its slot index.
type Handle int

// Registry holds the device records of every configured slot in a fixed
// arena indexed by slot. It is built once and never resized.
type Registry struct {
	cfg     Config
	devices [MaxSlots]*Device
	count   int
	events  *EventSet
}

// NewRegistry validates cfg and creates a device record for every enabled
// slot. ctrls maps slot index to the controller serving that slot.
func NewRegistry(cfg Config, ctrls map[int]hal.Controller) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		cfg:    cfg,
		events: NewEventSet(),
	}
	for _, sc := range cfg.Slots {
		if !sc.Enabled {
			continue
		}
		ctrl, ok := ctrls[sc.Slot]
		if !ok || ctrl == nil {
			return nil, fmt.Errorf("%w: no controller for slot %d", pkg.ErrInvalidConfig, sc.Slot)
		}
		var events *EventSet
		if cfg.hotplugFor(sc) {
			events = r.events
		}
		r.devices[sc.Slot] = newDevice(sc, ctrl, events, cfg.Allocator)
		r.count++
	}
	return r, nil
}

// Init initializes every device and attaches its interrupt handler. A
// controller that cannot be opened is fatal for the registry: every
// controller is closed again and the registry cannot be reused.
func (r *Registry) Init() error {
	for _, dev := range r.devices {
		if dev == nil {
			continue
		}
		if err := dev.Init(); err != nil {
			if cerr := r.Close(); cerr != nil {
				pkg.LogWarn(pkg.ComponentSDH, "close after failed init",
					"error", cerr)
			}
			return err
		}
		dev.ctrl.AttachInterrupt(dev.HandleInterrupt)
		pkg.LogDebug(pkg.ComponentSDH, "device registered",
			"device", dev.name,
			"slot", dev.slot,
			"hotplug", dev.Hotplug(),
			"mount_point", dev.mountPoint)
	}
	return nil
}

// Close detaches interrupt handlers and closes every controller.
func (r *Registry) Close() error {
	var errs []error
	for _, dev := range r.devices {
		if dev == nil {
			continue
		}
		dev.ctrl.AttachInterrupt(nil)
		if err := dev.ctrl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dev.name, err))
		}
	}
	return errors.Join(errs...)
}

// Config returns the configuration the registry was built from.
func (r *Registry) Config() Config {
	return r.cfg
}

// Events returns the hotplug event set shared by all slots.
func (r *Registry) Events() *EventSet {
	return r.events
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	return r.count
}

// Get returns the device for h, or nil if the slot is not registered.
func (r *Registry) Get(h Handle) *Device {
	if h < 0 || int(h) >= MaxSlots {
		return nil
	}
	return r.devices[h]
}

// Lookup returns the device with the given name.
func (r *Registry) Lookup(name string) (*Device, bool) {
	for _, dev := range r.devices {
		if dev != nil && dev.name == name {
			return dev, true
		}
	}
	return nil, false
}

// Devices returns the registered devices in slot order.
func (r *Registry) Devices() []*Device {
	result := make([]*Device, 0, r.count)
	for _, dev := range r.devices {
		if dev != nil {
			result = append(result, dev)
		}
	}
	return result
}
