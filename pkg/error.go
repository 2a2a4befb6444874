package pkg

import "errors"

// Card and transfer errors.
var (
	// ErrNoCard indicates no card is present in the slot, or the card
	// geometry has been reset after removal.
	ErrNoCard = errors.New("card not present")

	// ErrProbe indicates the card did not answer the probe sequence.
	ErrProbe = errors.New("card probe failed")

	// ErrCRC indicates a CRC7 or CRC16 failure on the card bus.
	ErrCRC = errors.New("CRC error")

	// ErrTimeout indicates a data-in or response timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrIO indicates a generic transfer failure reported by the controller.
	ErrIO = errors.New("transfer failed")

	// ErrOutOfRange indicates a transfer beyond the last sector of the card.
	ErrOutOfRange = errors.New("sector out of range")

	// ErrReadOnly indicates a write to write-protected media.
	ErrReadOnly = errors.New("media is read-only")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNoMemory indicates the bounce buffer could not be allocated.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrNotSupported indicates an unsupported operation or command.
	ErrNotSupported = errors.New("not supported")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidConfig indicates a configuration that cannot be initialized.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrAlreadyRunning indicates the hotplug task is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrClosed indicates the controller has been closed.
	ErrClosed = errors.New("closed")
)

// Mount errors.
var (
	// ErrNotMounted indicates no filesystem is mounted at the path.
	ErrNotMounted = errors.New("not mounted")

	// ErrAlreadyMounted indicates a filesystem already covers the path.
	ErrAlreadyMounted = errors.New("already mounted")

	// ErrNoMountPoint indicates the slot has no configured mount point.
	ErrNoMountPoint = errors.New("no mount point configured")
)

// TransferStatus represents the completion status of a sector transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferSuccessful TransferStatus = iota // Transfer completed successfully
	TransferError                            // Controller reported a failure
	TransferCRC                              // CRC error on the data line
	TransferTimeout                          // Data-in or response timeout
	TransferNoCard                           // No card in the slot
	TransferOutOfRange                       // Sector beyond the card capacity
	TransferReadOnly                         // Write to protected media
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferSuccessful:
		return "successful"
	case TransferError:
		return "error"
	case TransferCRC:
		return "crc"
	case TransferTimeout:
		return "timeout"
	case TransferNoCard:
		return "no card"
	case TransferOutOfRange:
		return "out of range"
	case TransferReadOnly:
		return "read-only"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferSuccessful:
		return nil
	case TransferCRC:
		return ErrCRC
	case TransferTimeout:
		return ErrTimeout
	case TransferNoCard:
		return ErrNoCard
	case TransferOutOfRange:
		return ErrOutOfRange
	case TransferReadOnly:
		return ErrReadOnly
	default:
		return ErrIO
	}
}
