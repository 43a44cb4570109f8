// Package journal keeps a bounded in-memory record of recent device
// lifecycle and session events for diagnostics. Events are consumed on
// read; the journal never grows past its capacity, dropping the oldest
// entries first.
package journal

import (
	"fmt"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
)

// Event is one diagnostics record.
type Event struct {
	Time   time.Time
	Kind   string
	Detail string
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s: %s", e.Time.Format(time.RFC3339Nano), e.Kind, e.Detail)
}

// Journal is a bounded drop-oldest event log. Safe for concurrent use.
type Journal struct {
	q   *queuepkg.Queue
	max int64
}

// New creates a journal holding at most max events. max must be positive.
func New(max int64) *Journal {
	return &Journal{
		q:   queuepkg.New(max),
		max: max,
	}
}

// Record appends an event, evicting the oldest one when full.
func (j *Journal) Record(kind, format string, a ...interface{}) {
	for j.q.Len() >= j.max {
		if _, err := j.q.Poll(1, time.Millisecond); err != nil {
			break
		}
	}
	ev := Event{Time: time.Now(), Kind: kind, Detail: fmt.Sprintf(format, a...)}
	if err := j.q.Put(ev); err != nil {
		// Disposed during shutdown; nothing to record into.
		return
	}
}

// Len reports the number of pending events.
func (j *Journal) Len() int {
	return int(j.q.Len())
}

// Drain removes and returns all pending events, oldest first.
func (j *Journal) Drain() []Event {
	n := j.q.Len()
	if n == 0 {
		return nil
	}
	items, err := j.q.Poll(n, time.Millisecond)
	if err != nil {
		return nil
	}
	out := make([]Event, 0, len(items))
	for _, it := range items {
		if ev, ok := it.(Event); ok {
			out = append(out, ev)
		}
	}
	return out
}

// Dispose releases the journal. Further Record calls are dropped.
func (j *Journal) Dispose() {
	j.q.Dispose()
}
