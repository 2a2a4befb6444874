// Package sdh implements a hot-pluggable block driver for SD host
// controllers.
//
// It is platform-agnostic and interacts with hardware via the
// [hal.Controller] interface defined in the
// github.com/ardnew/softsdh/sdh/hal package.
//
// # Architecture
//
// The driver is organized into these parts:
//
//   - Registry holds one Device record per configured slot in a fixed arena
//   - Device.HandleInterrupt classifies controller interrupts: block done,
//     card detect, CRC faults and timeouts
//   - EventSet carries coalesced insert/remove events from interrupt
//     context to the hotplug task
//   - Hotplugger debounces events and mounts or unmounts slots through a
//     Filesystem
//   - Device.Read and Device.Write move sectors, staging through a bounce
//     buffer when the caller's memory does not meet the engine's alignment
//
// # Interrupt Flow
//
// A card-detect interrupt waits CardDetectSettle for the detect line to
// settle and samples it. On removal the card state is zeroed (geometry reads
// report no card from then on) and Removed(slot) is posted. On insertion the
// card is probed and, if it answers, Inserted(slot) is posted. Events are
// only posted for slots configured with hotplug enabled.
//
// # Hotplug
//
// The hotplug task mounts every present card at startup, then waits for
// events. After a wake it sleeps the configured debounce interval, absorbs
// any events that arrived in the meantime, and dispatches every set bit.
// Mount and unmount failures are logged and never retried; the next
// hardware event is the retry path.
//
// # Block I/O
//
// Transfers on one device are serialized. A call either transfers every
// requested sector and returns the count, or returns 0 and an error:
//
//	n, err := dev.Read(pos, buf, count)
//	if err != nil {
//	    // errors.Is(err, pkg.ErrNoCard), pkg.ErrCRC, pkg.ErrTimeout, ...
//	}
//
// # Example
//
//	cfg := sdh.DefaultConfig(1)
//	reg, err := sdh.NewRegistry(cfg, map[int]hal.Controller{0: ctrl})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := reg.Init(); err != nil {
//	    log.Fatal(err)
//	}
//
//	hp := sdh.NewHotplugger(reg, fs)
//	go hp.Run(ctx)
//
//	dev := reg.Get(0)
//	var geo sdh.Geometry
//	dev.Control(sdh.GetGeometry{Out: &geo})
package sdh
