package chardev

import "errors"

var (
	// ErrInvalidConfig means the device configuration failed verification.
	// Startup must not proceed.
	ErrInvalidConfig = errors.New("invalid device configuration")

	// ErrAllocation means backing storage for the device buffer could not
	// be obtained.
	ErrAllocation = errors.New("buffer allocation failed")

	// ErrCapacityExceeded means a write started at or beyond the buffer
	// capacity. Nothing was written.
	ErrCapacityExceeded = errors.New("write beyond buffer capacity")

	// ErrCopyFault means the caller-provided destination was unwritable or
	// the source unreadable. Device state is unchanged.
	ErrCopyFault = errors.New("copy fault")

	// ErrInterrupted means the wait for the device lock was cancelled
	// before acquisition. The operation performed no work and can be
	// retried.
	ErrInterrupted = errors.New("interrupted while waiting for device lock")

	// ErrBadOffset means a read or write was requested at a negative
	// offset.
	ErrBadOffset = errors.New("bad offset")

	// ErrNotOpen means Close was called with no outstanding Open.
	ErrNotOpen = errors.New("device not open")

	// ErrDeviceExists means a device with the same name is already
	// registered.
	ErrDeviceExists = errors.New("device already registered")

	// ErrDeviceNotFound means no device with the given name is registered.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrSessionClosed means the session was already released.
	ErrSessionClosed = errors.New("session closed")
)
