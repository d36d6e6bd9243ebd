package daemon

import (
	"log"
	"time"
)

const (
	DefaultHeartbeatRows     = 1000
	DefaultHeartbeatInterval = 30 * time.Second
)

// Heartbeat logs scan progress after every N rows or M elapsed, whichever
// comes first, so a long scan is visibly alive.
type Heartbeat struct {
	label    string
	rows     int
	interval time.Duration
	now      func() time.Time

	total    int
	sinceRow int
	last     time.Time
	started  time.Time

	// Beats counts the progress lines written.
	Beats int
}

// NewHeartbeat creates a reporter; zero limits select the defaults.
func NewHeartbeat(label string, rows int, interval time.Duration) *Heartbeat {
	if rows <= 0 {
		rows = DefaultHeartbeatRows
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	h := &Heartbeat{label: label, rows: rows, interval: interval, now: time.Now}
	h.started = h.now()
	h.last = h.started
	return h
}

// Tick records one scanned row. watermark is the scan position to report.
func (h *Heartbeat) Tick(watermark string) {
	h.total++
	h.sinceRow++
	now := h.now()
	if h.sinceRow < h.rows && now.Sub(h.last) < h.interval {
		return
	}
	h.Beats++
	h.sinceRow = 0
	h.last = now
	log.Printf("[heartbeat] %s: %d rows, at %s", h.label, h.total, watermark)
}

// Total returns the rows seen so far.
func (h *Heartbeat) Total() int { return h.total }

// Done logs the scan summary.
func (h *Heartbeat) Done() {
	log.Printf("[heartbeat] %s: finished %d rows in %s", h.label, h.total, h.now().Sub(h.started).Round(time.Millisecond))
}
