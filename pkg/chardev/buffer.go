package chardev

// buffer is the fixed-capacity byte store behind a Device. It tracks how
// many leading bytes hold meaningful data and never hands out more than
// that. It has no locking of its own; the owning Device serializes all
// access under its lock.
type buffer struct {
	storage []byte
	length  int
}

func newBuffer(capacity int) (*buffer, error) {
	if capacity <= 0 {
		return nil, ErrAllocation
	}
	return &buffer{storage: make([]byte, capacity)}, nil
}

func (b *buffer) capacity() int { return len(b.storage) }

// len reports the valid data length, always in [0, capacity].
func (b *buffer) len() int { return b.length }

// copyOut copies valid bytes starting at off into dst and returns the count.
// off must be < b.length; the caller checks EOF first.
func (b *buffer) copyOut(dst []byte, off int) int {
	return copy(dst, b.storage[off:b.length])
}

// copyIn copies src into storage at off, clamped to capacity, and raises the
// valid length to the new high-water mark. Returns the count copied.
// off must be < capacity; the caller checks the bound first.
func (b *buffer) copyIn(src []byte, off int) int {
	n := copy(b.storage[off:], src)
	if off+n > b.length {
		b.length = off + n
	}
	return n
}

// view returns the valid bytes starting at off, clamped to at most n.
// The slice aliases storage and must not escape the device lock.
func (b *buffer) view(off, n int) []byte {
	end := off + n
	if end > b.length {
		end = b.length
	}
	return b.storage[off:end]
}
