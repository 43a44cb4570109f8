// Package api defines the public contracts of chardev resources.
package api

import (
	"context"
	"io"
)

// Device is the operation surface of one shared byte-buffer resource, the
// analogue of a driver's file-operations table.
type Device interface {
	// Open records another concurrent opener. Never blocks, never fails.
	Open()
	// Close drops one opener and reports the contract violation of
	// closing an unopened device.
	Close() error
	// ReadAt copies valid bytes at off into dst. Zero with nil error is
	// end of data.
	ReadAt(ctx context.Context, dst []byte, off int64) (int, error)
	// WriteAt copies src into the buffer at off, clamped to capacity.
	WriteAt(ctx context.Context, src []byte, off int64) (int, error)
	// ReadTo streams valid bytes at off into w.
	ReadTo(ctx context.Context, w io.Writer, n int, off int64) (int, error)
	// WriteFrom streams bytes from r into the buffer at off.
	WriteFrom(ctx context.Context, r io.Reader, n int, off int64) (int, error)
	// Ioctl issues a control command; unregistered commands are no-ops.
	Ioctl(cmd uint32, arg uint64) error
}
