// Package pkg provides shared utilities for the softsdh card driver.
//
// This package contains common functionality used by the driver core, the
// controller HALs and the mount table, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for card and transfer failures
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with driver-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentHotplug, "mounted", "device", "sdh0", "path", "/mnt/sd0")
//
// Commands select the output format with SetLogOutput. LogFormatAuto writes
// text to a terminal and JSON to anything else.
//
// # Errors
//
// Card and transfer errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrNoCard) {
//	    // Wait for the hotplug task to remount
//	}
package pkg
