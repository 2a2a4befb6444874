// Package mount provides an in-process mount table for hosts that have no
// mount(2) of their own, such as simulators and tests.
//
// A Table maps mount points to block device names. Mount point directories
// are real directories under a host root, created with EnsureDirectory, so
// tools can inspect the layout.
//
// Lookups follow the usual virtual filesystem rule: the mount covering a
// path is the one with the longest mount point that is a prefix of it. A
// path is mounted only when its covering mount sits exactly at that path.
//
// Example:
//
//	t := mount.New(dir, "")
//	_ = t.EnsureDirectory("/mnt/sd0")
//	_ = t.Mount("sdh0", "/mnt/sd0")
//	t.IsMounted("/mnt/sd0")     // true
//	t.IsMounted("/mnt/sd0/dir") // false
package mount
