// Package hal defines the Hardware Abstraction Layer for SD host controllers.
//
// The HAL provides a platform-agnostic interface between the driver core in
// [github.com/ardnew/softsdh/sdh] and the card controller hardware. The core
// implements interrupt classification, hotplug handling and the block I/O
// path; the HAL handles only the low-level transfer and status primitives.
//
// # Interface Overview
//
// The [Controller] interface covers:
//   - Controller and card-detect configuration (Open)
//   - Card identification (Probe, IsPresent)
//   - Sector transfers (ReadSectors, WriteSectors) under an address
//     alignment constraint (Alignment)
//   - Interrupt status access (IntStatus, ClearInt, GlobalStatus,
//     ResetEngine) and the interrupt line (AttachInterrupt)
//
// # Interrupt Model
//
// Hardware raises interrupts by invoking the handler installed with
// AttachInterrupt. Simulated controllers use [StatusRegister] to emulate
// write-one-to-clear flag bits alongside live level bits, and
// [InterruptLine] to serialize handler invocations the way a single
// interrupt vector would.
//
// # Implementations
//
//   - [github.com/ardnew/softsdh/sdh/hal/mem]: RAM-backed, for tests
//   - [github.com/ardnew/softsdh/sdh/hal/image]: disk image file with
//     presence driven by the file's existence
//   - [github.com/ardnew/softsdh/sdh/hal/linux]: Linux MMC block devices
package hal
