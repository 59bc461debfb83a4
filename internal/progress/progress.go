package progress

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Snapshot is the replace-only progress record for one in-flight request.
// It is always written wholesale so readers never observe a half-updated
// state.
type Snapshot struct {
	Action     string    `json:"action"`
	Percentage float64   `json:"percentage"`
	Current    string    `json:"current,omitempty"`
	Total      string    `json:"total,omitempty"`
	Speed      string    `json:"speed,omitempty"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"-"`
}

// Idle is returned to pollers that have no snapshot on record.
func Idle() Snapshot {
	return Snapshot{Action: "idle", Percentage: 0}
}

// Tracker is the process-wide snapshot store keyed by requester id.
type Tracker struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewTracker() *Tracker {
	return &Tracker{snapshots: make(map[string]Snapshot)}
}

// Set replaces the snapshot for the requester wholesale.
func (t *Tracker) Set(requesterID string, s Snapshot) {
	s.UpdatedAt = time.Now()
	t.mu.Lock()
	t.snapshots[requesterID] = s
	t.mu.Unlock()
}

// Get returns the latest snapshot, or false if none exists.
func (t *Tracker) Get(requesterID string) (Snapshot, bool) {
	t.mu.RLock()
	s, ok := t.snapshots[requesterID]
	t.mu.RUnlock()
	return s, ok
}

// Remove drops the snapshot for the requester.
func (t *Tracker) Remove(requesterID string) {
	t.mu.Lock()
	delete(t.snapshots, requesterID)
	t.mu.Unlock()
}

// Sweep removes snapshots that have not been updated within ttl and returns
// how many were dropped. Terminal entries linger until the sweep collects
// them so late pollers still see the final state.
func (t *Tracker) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, s := range t.snapshots {
		if s.UpdatedAt.Before(cutoff) {
			delete(t.snapshots, id)
			removed++
		}
	}
	return removed
}

// Bytes renders a byte count the way the UI expects ("12 MB").
func Bytes(n int64) string {
	if n <= 0 {
		return "Unknown"
	}
	return humanize.Bytes(uint64(n))
}

// Speed renders a bytes-per-second rate ("3.1 MB/s").
func Speed(bytesPerSec int64) string {
	if bytesPerSec <= 0 {
		return ""
	}
	return humanize.Bytes(uint64(bytesPerSec)) + "/s"
}
