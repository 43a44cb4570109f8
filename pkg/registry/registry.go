// Package registry assigns registered devices their major numbers and
// tracks the sessions opened against them. It is the gate between named
// devices and client file-descriptor style access: sessions carry the
// position cursor and the open/release lifetime, the device itself only
// counts openers.
package registry

import (
	"strconv"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/chardev/internal/journal"
	"github.com/srediag/chardev/internal/logging"
	"github.com/srediag/chardev/pkg/chardev"
)

// majorBase is the first major number handed out. 240-254 is the local and
// experimental character device range.
const majorBase = 240

var internalLogger = logging.New("registry", nil)

type entry struct {
	dev   *chardev.Device
	major int
}

// Registry maps device names to devices and session ids to live sessions.
type Registry struct {
	devices  cmap.ConcurrentMap[string, *entry]
	sessions cmap.ConcurrentMap[string, *Session]

	nextMajor   atomic.Int64
	nextSession atomic.Uint64

	journal *journal.Journal
}

// New creates an empty registry. Events are recorded into j when non-nil.
func New(j *journal.Journal) *Registry {
	r := &Registry{
		devices:  cmap.New[*entry](),
		sessions: cmap.New[*Session](),
		journal:  j,
	}
	r.nextMajor.Store(majorBase)
	return r
}

// Add registers dev under its configured name and returns the assigned
// major number. Registering a name twice fails with ErrDeviceExists.
func (r *Registry) Add(dev *chardev.Device) (int, error) {
	// The major is drawn inside the upsert so a duplicate name never
	// consumes one.
	var major int
	inserted := false
	r.devices.Upsert(dev.Name(), nil, func(exist bool, cur, _ *entry) *entry {
		if exist {
			return cur
		}
		inserted = true
		major = int(r.nextMajor.Add(1) - 1)
		return &entry{dev: dev, major: major}
	})
	if !inserted {
		return 0, chardev.ErrDeviceExists
	}
	internalLogger.Infof("device %s registered, major number: %d", dev.Name(), major)
	r.record("register", "device %s assigned major %d", dev.Name(), major)
	return major, nil
}

// Remove unregisters the named device. Outstanding sessions keep their
// device reference; the unload protocol is expected to have quiesced them.
func (r *Registry) Remove(name string) error {
	if _, ok := r.devices.Pop(name); !ok {
		return chardev.ErrDeviceNotFound
	}
	internalLogger.Infof("device %s unregistered", name)
	r.record("unregister", "device %s removed", name)
	return nil
}

// Lookup returns the named device.
func (r *Registry) Lookup(name string) (*chardev.Device, error) {
	e, ok := r.devices.Get(name)
	if !ok {
		return nil, chardev.ErrDeviceNotFound
	}
	return e.dev, nil
}

// Major returns the major number assigned to the named device.
func (r *Registry) Major(name string) (int, error) {
	e, ok := r.devices.Get(name)
	if !ok {
		return 0, chardev.ErrDeviceNotFound
	}
	return e.major, nil
}

// Open creates a session against the named device, incrementing the
// device's open count.
func (r *Registry) Open(name string) (*Session, error) {
	e, ok := r.devices.Get(name)
	if !ok {
		return nil, chardev.ErrDeviceNotFound
	}
	e.dev.Open()
	s := &Session{
		id:  r.nextSession.Add(1),
		reg: r,
		dev: e.dev,
	}
	r.sessions.Set(sessionKey(s.id), s)
	r.record("open", "session %d opened on %s", s.id, name)
	return s, nil
}

// SessionCount reports the number of live sessions across all devices.
func (r *Registry) SessionCount() int {
	return r.sessions.Count()
}

func (r *Registry) record(kind, format string, a ...interface{}) {
	if r.journal != nil {
		r.journal.Record(kind, format, a...)
	}
}

func sessionKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}
