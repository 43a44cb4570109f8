package registry

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/srediag/chardev/pkg/chardev"
)

// Session is one opened handle on a device. It owns the file position
// cursor; the device never sees it. Reads and writes on a released session
// fail with ErrSessionClosed, which is where open-before-use is enforced
// (the device layer deliberately does not).
type Session struct {
	id  uint64
	reg *Registry
	dev *chardev.Device

	mu       sync.Mutex
	pos      int64
	released bool
}

// ID returns the session identifier.
func (s *Session) ID() uint64 { return s.id }

// Device returns the underlying device.
func (s *Session) Device() *chardev.Device { return s.dev }

// Read reads from the current position and advances it by the count read.
func (s *Session) Read(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0, chardev.ErrSessionClosed
	}
	n, err := s.dev.ReadAt(ctx, p, s.pos)
	s.pos += int64(n)
	return n, err
}

// Write writes at the current position and advances it by the count
// written.
func (s *Session) Write(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0, chardev.ErrSessionClosed
	}
	n, err := s.dev.WriteAt(ctx, p, s.pos)
	s.pos += int64(n)
	return n, err
}

// ReadTo streams up to n valid bytes from the current position into w and
// advances the cursor by the count read.
func (s *Session) ReadTo(ctx context.Context, w io.Writer, n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0, chardev.ErrSessionClosed
	}
	m, err := s.dev.ReadTo(ctx, w, n, s.pos)
	s.pos += int64(m)
	return m, err
}

// WriteFrom streams up to n bytes from r into the device at the current
// position and advances the cursor by the count written.
func (s *Session) WriteFrom(ctx context.Context, r io.Reader, n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0, chardev.ErrSessionClosed
	}
	m, err := s.dev.WriteFrom(ctx, r, n, s.pos)
	s.pos += int64(m)
	return m, err
}

// ReadAt reads at an explicit offset without moving the cursor.
func (s *Session) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if s.isReleased() {
		return 0, chardev.ErrSessionClosed
	}
	return s.dev.ReadAt(ctx, p, off)
}

// WriteAt writes at an explicit offset without moving the cursor.
func (s *Session) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if s.isReleased() {
		return 0, chardev.ErrSessionClosed
	}
	return s.dev.WriteAt(ctx, p, off)
}

// ReadToAt streams at an explicit offset without moving the cursor.
func (s *Session) ReadToAt(ctx context.Context, w io.Writer, n int, off int64) (int, error) {
	if s.isReleased() {
		return 0, chardev.ErrSessionClosed
	}
	return s.dev.ReadTo(ctx, w, n, off)
}

// WriteFromAt streams at an explicit offset without moving the cursor.
func (s *Session) WriteFromAt(ctx context.Context, r io.Reader, n int, off int64) (int, error) {
	if s.isReleased() {
		return 0, chardev.ErrSessionClosed
	}
	return s.dev.WriteFrom(ctx, r, n, off)
}

// Seek repositions the cursor. Whence follows the io.Seeker convention;
// io.SeekEnd is relative to the valid data length.
func (s *Session) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0, chardev.ErrSessionClosed
	}
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = s.pos
	case io.SeekEnd:
		base = int64(s.dev.Snapshot().Length)
	default:
		return 0, fmt.Errorf("%w: whence %d", chardev.ErrBadOffset, whence)
	}
	if base+offset < 0 {
		return 0, fmt.Errorf("%w: position %d", chardev.ErrBadOffset, base+offset)
	}
	s.pos = base + offset
	return s.pos, nil
}

// Ioctl passes a control command through to the device.
func (s *Session) Ioctl(cmd uint32, arg uint64) error {
	if s.isReleased() {
		return chardev.ErrSessionClosed
	}
	return s.dev.Ioctl(cmd, arg)
}

// Release closes the session: the device's open count drops and the
// session is removed from the registry. Releasing twice fails with
// ErrSessionClosed.
func (s *Session) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return chardev.ErrSessionClosed
	}
	s.released = true
	s.mu.Unlock()

	s.reg.sessions.Remove(sessionKey(s.id))
	err := s.dev.Close()
	snap := s.dev.Snapshot()
	s.reg.record("close", "session %d on %s released, total reads: %d, writes: %d",
		s.id, s.dev.Name(), snap.ReadOps, snap.WriteOps)
	return err
}

func (s *Session) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
