package linux

// =============================================================================
// System Paths
// =============================================================================

// SysfsBlockPath is the base path for block devices in sysfs.
const SysfsBlockPath = "/sys/class/block"

// DevfsPath is the directory holding block device nodes.
const DevfsPath = "/dev"

// ProcMountInfo lists the mounts of the calling process's namespace.
const ProcMountInfo = "/proc/self/mountinfo"

// =============================================================================
// Block Geometry
// =============================================================================

// KernelSectorSize is the unit of the sysfs "size" attribute.
const KernelSectorSize = 512

// DefaultAlignment is the direct I/O alignment assumed until the card's
// logical block size is known.
const DefaultAlignment = 512

// =============================================================================
// Netlink Constants
// =============================================================================

// UEventGroupKernel is the netlink multicast group of kernel uevents.
const UEventGroupKernel = 1

// UEventBufferSize is the buffer size for netlink messages.
const UEventBufferSize = 8192

// =============================================================================
// Polling Constants
// =============================================================================

// MaxEpollEvents is the maximum events to retrieve per epoll_wait call.
const MaxEpollEvents = 4

// =============================================================================
// Mount Defaults
// =============================================================================

// DefaultFSType is the filesystem type SD cards are mounted as.
const DefaultFSType = "vfat"
