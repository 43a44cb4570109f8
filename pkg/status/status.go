// Package status renders a device's counters and configuration into the
// human-readable report exposed through the virtual status endpoint. The
// report layout follows the classic /proc single-file style: one header
// line, then one indented field per line.
package status

import (
	"fmt"
	"net/http"
	"os"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/chardev/internal/journal"
	"github.com/srediag/chardev/internal/logging"
	"github.com/srediag/chardev/pkg/chardev"
)

var internalLogger = logging.New("status", nil)

// Render formats a snapshot plus the active configuration. Pure; no side
// effects beyond the returned string.
func Render(cfg chardev.Config, major int, snap chardev.Snapshot) string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	fmt.Fprintf(buf, "%s Device Status:\n", cfg.Name)
	fmt.Fprintf(buf, "  Major Number: %d\n", major)
	fmt.Fprintf(buf, "  Buffer Size: %d bytes\n", snap.Capacity)
	fmt.Fprintf(buf, "  Current Data Length: %d bytes\n", snap.Length)
	fmt.Fprintf(buf, "  Open Count: %d\n", snap.OpenCount)
	fmt.Fprintf(buf, "  Read Operations: %d\n", snap.ReadOps)
	fmt.Fprintf(buf, "  Write Operations: %d\n", snap.WriteOps)
	fmt.Fprintf(buf, "  Debug Level: %d\n", cfg.DebugLevel)

	if cfg.DebugLevel >= 2 {
		appendProcessSection(buf)
	}
	return buf.String()
}

func appendProcessSection(buf *bytebufferpool.ByteBuffer) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		internalLogger.Debugf("process section unavailable: %v", err)
		return
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		internalLogger.Debugf("process memory info unavailable: %v", err)
		return
	}
	fmt.Fprintf(buf, "Process:\n")
	fmt.Fprintf(buf, "  RSS: %d bytes\n", mem.RSS)
	fmt.Fprintf(buf, "  VMS: %d bytes\n", mem.VMS)
}

// Reporter serves the status report over HTTP. Any number of concurrent
// readers is fine: each request takes its own snapshot.
type Reporter struct {
	dev     *chardev.Device
	major   int
	journal *journal.Journal
}

// NewReporter creates a reporter for dev. j may be nil; when set, the
// ?events=1 query drains and appends the diagnostics journal.
func NewReporter(dev *chardev.Device, major int, j *journal.Journal) *Reporter {
	return &Reporter{dev: dev, major: major, journal: j}
}

// Report renders the current state.
func (r *Reporter) Report() string {
	return Render(r.dev.Config(), r.major, r.dev.Snapshot())
}

// ServeHTTP implements http.Handler with a text/plain report.
func (r *Reporter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := fmt.Fprint(w, r.Report()); err != nil {
		internalLogger.Warnf("status write: %v", err)
		return
	}
	if r.journal != nil && req.URL.Query().Get("events") == "1" {
		fmt.Fprintf(w, "Recent Events:\n")
		for _, ev := range r.journal.Drain() {
			fmt.Fprintf(w, "  %s\n", ev)
		}
	}
}
