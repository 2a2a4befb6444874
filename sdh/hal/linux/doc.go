// Package linux provides an SD host controller HAL for Linux block devices.
//
// The controller drives a kernel block device (/dev/mmcblk0, or a USB card
// reader's /dev/sdX) with O_DIRECT pread(2)/pwrite(2), reads geometry from
// sysfs (/sys/class/block/<name>/) and listens for kernel uevents on a
// netlink socket to detect card insertion and removal. It is pure Go on top
// of golang.org/x/sys/unix, without cgo.
//
// # Requirements
//
// The user running the application needs read/write access to the device
// node, and CAP_SYS_ADMIN to mount. This typically means running as root.
//
// # Card Detect
//
// Kernel "add", "remove" and "change" events for the device are sampled
// against sysfs. A card counts as present while its size is non-zero. Each
// change of presence latches the card-detect flag, drives the detect level
// and raises the interrupt line, exactly like the simulated controllers.
//
// # Mounting
//
// [Filesystem] implements the driver's mount capability with mount(2),
// checking /proc/self/mountinfo for existing mounts.
package linux
