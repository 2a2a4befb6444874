// Package mem provides a RAM-backed SD host controller for testing.
//
// The [Controller] simulates a card of fixed geometry behind a transfer
// engine with a configurable address alignment constraint. Card insertion
// and removal, CRC and timeout conditions and data aborts are raised as
// interrupts through the installed handler, exactly as hardware would:
//
//	ctrl := mem.New(2048, 512)
//	ctrl.AttachInterrupt(dev.HandleInterrupt)
//	ctrl.Remove() // card-detect interrupt, detect level high
//	ctrl.Insert() // card-detect interrupt, detect level low
//
// Every transfer is recorded (see [Controller.Calls]) and the highest number
// of concurrently running transfers is tracked (see
// [Controller.MaxInFlight]), which lets tests verify ordering and
// serialization guarantees of the driver core.
package mem
