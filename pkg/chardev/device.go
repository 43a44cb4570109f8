// Package chardev implements a user-space character-device style resource:
// a single bounded byte buffer shared by any number of concurrent sessions
// through open/close/read/write/ioctl operations, with usage statistics.
//
// Reads and writes are serialized under one device-wide lock whose
// acquisition is cancellable through the operation's context. Open, close
// and snapshot never touch that lock.
package chardev

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/srediag/chardev/api"
)

var _ api.Device = (*Device)(nil)

// Device is the shared resource handle. It exclusively owns its buffer;
// nothing outside ever holds a mutable reference into the storage.
type Device struct {
	cfg Config

	// mu guards buf as one unit per read or write call. A weighted
	// semaphore instead of sync.Mutex so the wait is cancellable.
	mu  *semaphore.Weighted
	buf *buffer

	// Mirrors for lock-free snapshots. Mutated only while mu is held
	// (length) or by the open/close path (opens).
	length atomic.Int64
	opens  atomic.Int64
	reads  atomic.Uint64
	writes atomic.Uint64

	// ioctl dispatch table. No commands are registered today; every
	// command succeeds as a no-op.
	ioctl map[uint32]IoctlHandler

	readCounter  metric.Int64Counter
	writeCounter metric.Int64Counter
	tracer       trace.Tracer
}

// Snapshot is an advisory-consistent view of the device counters.
type Snapshot struct {
	Capacity  int
	Length    int
	OpenCount int
	ReadOps   uint64
	WriteOps  uint64
}

// New constructs a Device from cfg. A nil cfg means DefaultConfig. The
// configuration is verified first; an invalid buffer capacity fails with
// ErrInvalidConfig, an out-of-range debug level is corrected.
func New(cfg *Config) (*Device, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	buf, err := newBuffer(cfg.BufferCap)
	if err != nil {
		return nil, err
	}
	d := &Device{
		cfg:    *cfg,
		mu:     semaphore.NewWeighted(1),
		buf:    buf,
		tracer: cfg.Tracer,
	}
	if cfg.Meter != nil {
		if d.readCounter, err = cfg.Meter.Int64Counter("chardev.read.ops"); err != nil {
			internalLogger.Warnf("read counter instrument: %v", err)
		}
		if d.writeCounter, err = cfg.Meter.Int64Counter("chardev.write.ops"); err != nil {
			internalLogger.Warnf("write counter instrument: %v", err)
		}
	}
	internalLogger.Infof("device %s created, buffer size: %d bytes, debug level: %d",
		d.cfg.Name, d.cfg.BufferCap, d.cfg.DebugLevel)
	return d, nil
}

// Config returns a copy of the active configuration.
func (d *Device) Config() Config { return d.cfg }

// Name returns the configured device name.
func (d *Device) Name() string { return d.cfg.Name }

// Open records another opener. It never blocks and never fails.
func (d *Device) Open() {
	n := d.opens.Add(1)
	internalLogger.Debugf("device %s opened (open count: %d)", d.cfg.Name, n)
}

// Close drops one opener and logs the cumulative operation counters.
// Closing with no outstanding Open is a caller contract violation and
// fails with ErrNotOpen without touching the count.
func (d *Device) Close() error {
	for {
		cur := d.opens.Load()
		if cur == 0 {
			return ErrNotOpen
		}
		if d.opens.CompareAndSwap(cur, cur-1) {
			internalLogger.Debugf("device %s closed (open count: %d)", d.cfg.Name, cur-1)
			internalLogger.Infof("device %s closed, total reads: %d, writes: %d",
				d.cfg.Name, d.reads.Load(), d.writes.Load())
			return nil
		}
	}
}

// ReadAt copies up to len(dst) valid bytes starting at off into dst and
// returns the count. A read at or past the valid length returns 0 with no
// error and no counter increment. Cancellation of ctx while waiting for the
// lock fails with ErrInterrupted before any work is done.
func (d *Device) ReadAt(ctx context.Context, dst []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative read offset %d", ErrBadOffset, off)
	}
	internalLogger.Tracef("read request: len=%d, offset=%d", len(dst), off)
	if err := d.mu.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	defer d.mu.Release(1)

	if off >= int64(d.buf.len()) {
		internalLogger.Tracef("read at EOF")
		return 0, nil
	}
	n := d.buf.copyOut(dst, int(off))
	d.reads.Add(1)
	if d.readCounter != nil {
		d.readCounter.Add(ctx, 1)
	}
	internalLogger.Debugf("read %d bytes from device", n)
	return n, nil
}

// WriteAt copies src into the buffer at off, clamped to the capacity, and
// raises the valid length to the new high-water mark. A write starting at
// or past the capacity fails with ErrCapacityExceeded. Cancellation while
// waiting for the lock fails with ErrInterrupted.
func (d *Device) WriteAt(ctx context.Context, src []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative write offset %d", ErrBadOffset, off)
	}
	internalLogger.Tracef("write request: len=%d, offset=%d", len(src), off)
	if err := d.mu.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	defer d.mu.Release(1)

	if off >= int64(d.buf.capacity()) {
		internalLogger.Warnf("write attempt beyond buffer size")
		return 0, fmt.Errorf("%w: offset %d, capacity %d",
			ErrCapacityExceeded, off, d.buf.capacity())
	}
	n := d.buf.copyIn(src, int(off))
	d.length.Store(int64(d.buf.len()))
	d.writes.Add(1)
	if d.writeCounter != nil {
		d.writeCounter.Add(ctx, 1)
	}
	internalLogger.Debugf("wrote %d bytes to device", n)
	return n, nil
}

// ReadTo streams up to n valid bytes starting at off into w. A sink that
// fails or accepts a short write faults the call with ErrCopyFault, leaving
// the counters untouched.
func (d *Device) ReadTo(ctx context.Context, w io.Writer, n int, off int64) (int, error) {
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "chardev.ReadTo")
		span.SetAttributes(attribute.Int64("offset", off), attribute.Int("length", n))
		defer span.End()
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative read offset %d", ErrBadOffset, off)
	}
	if err := d.mu.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	defer d.mu.Release(1)

	if off >= int64(d.buf.len()) {
		return 0, nil
	}
	view := d.buf.view(int(off), n)
	wn, err := w.Write(view)
	if err != nil || wn < len(view) {
		internalLogger.Errorf("failed to copy %d bytes to caller: %v", len(view)-wn, err)
		return 0, fmt.Errorf("%w: destination unwritable: %v", ErrCopyFault, err)
	}
	d.reads.Add(1)
	if d.readCounter != nil {
		d.readCounter.Add(ctx, 1)
	}
	return wn, nil
}

// WriteFrom streams up to n bytes from r into the buffer at off. The source
// is drained into scratch space before the buffer is touched, so a failing
// source faults with ErrCopyFault without any mutation. A source that ends
// early writes only what it supplied.
func (d *Device) WriteFrom(ctx context.Context, r io.Reader, n int, off int64) (int, error) {
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "chardev.WriteFrom")
		span.SetAttributes(attribute.Int64("offset", off), attribute.Int("length", n))
		defer span.End()
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative write offset %d", ErrBadOffset, off)
	}
	if err := d.mu.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	defer d.mu.Release(1)

	if off >= int64(d.buf.capacity()) {
		internalLogger.Warnf("write attempt beyond buffer size")
		return 0, fmt.Errorf("%w: offset %d, capacity %d",
			ErrCapacityExceeded, off, d.buf.capacity())
	}
	k := n
	if max := d.buf.capacity() - int(off); k > max {
		k = max
	}
	scratch := make([]byte, k)
	m, err := io.ReadFull(r, scratch)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		internalLogger.Errorf("failed to copy %d bytes from caller: %v", k, err)
		return 0, fmt.Errorf("%w: source unreadable: %v", ErrCopyFault, err)
	}
	m = d.buf.copyIn(scratch[:m], int(off))
	d.length.Store(int64(d.buf.len()))
	d.writes.Add(1)
	if d.writeCounter != nil {
		d.writeCounter.Add(ctx, 1)
	}
	return m, nil
}

// Snapshot returns the current counters without taking the device lock.
// It never blocks.
func (d *Device) Snapshot() Snapshot {
	return Snapshot{
		Capacity:  d.cfg.BufferCap,
		Length:    int(d.length.Load()),
		OpenCount: int(d.opens.Load()),
		ReadOps:   d.reads.Load(),
		WriteOps:  d.writes.Load(),
	}
}
