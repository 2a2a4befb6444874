package sdh

import "time"

// MaxSlots is the number of controller slots the registry can hold. Two
// event bits per slot must fit in an Event.
const MaxSlots = 16

// CardDetectSettle is the time the interrupt classifier waits for the
// card-detect line to settle before sampling it.
const CardDetectSettle = 300 * time.Microsecond

// DefaultDebounce is the software settle time the hotplug task waits after
// a wake before reconciling mounts.
const DefaultDebounce = 200 * time.Millisecond

// DefaultMountRoot is the directory that holds the per-slot mount points.
const DefaultMountRoot = "/mnt"

// DefaultNamePrefix prefixes the slot index in default device names.
const DefaultNamePrefix = "sdh"
