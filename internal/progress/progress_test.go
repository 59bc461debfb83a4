package progress

import (
	"testing"
	"time"
)

func TestSetReplacesWholesale(t *testing.T) {
	tr := NewTracker()
	tr.Set("u1", Snapshot{Action: "Downloading...", Percentage: 40, Current: "4 MB", Total: "10 MB", Speed: "1 MB/s"})
	tr.Set("u1", Snapshot{Action: "Uploading...", Percentage: 10})

	got, ok := tr.Get("u1")
	if !ok {
		t.Fatalf("expected snapshot for u1")
	}
	if got.Action != "Uploading..." || got.Percentage != 10 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	// Fields from the previous write must not survive a replacement.
	if got.Current != "" || got.Total != "" || got.Speed != "" {
		t.Fatalf("stale fields leaked through replacement: %+v", got)
	}
}

func TestGetMissingAndRemove(t *testing.T) {
	tr := NewTracker()
	if _, ok := tr.Get("nobody"); ok {
		t.Fatalf("expected no snapshot")
	}
	tr.Set("u1", Snapshot{Action: "x"})
	tr.Remove("u1")
	if _, ok := tr.Get("u1"); ok {
		t.Fatalf("expected snapshot removed")
	}
}

func TestSweepDropsStaleEntries(t *testing.T) {
	tr := NewTracker()
	tr.Set("old", Snapshot{Action: "Complete", Percentage: 100})
	tr.Set("fresh", Snapshot{Action: "Downloading..."})

	// Backdate the old entry past the TTL.
	tr.mu.Lock()
	s := tr.snapshots["old"]
	s.UpdatedAt = time.Now().Add(-2 * time.Hour)
	tr.snapshots["old"] = s
	tr.mu.Unlock()

	if removed := tr.Sweep(time.Hour); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := tr.Get("old"); ok {
		t.Fatalf("stale snapshot survived sweep")
	}
	if _, ok := tr.Get("fresh"); !ok {
		t.Fatalf("fresh snapshot swept too early")
	}
}

func TestHumanStrings(t *testing.T) {
	if got := Bytes(0); got != "Unknown" {
		t.Fatalf("Bytes(0) = %q", got)
	}
	if got := Bytes(1); got == "" || got == "Unknown" {
		t.Fatalf("Bytes(1) = %q", got)
	}
	if got := Speed(0); got != "" {
		t.Fatalf("Speed(0) = %q", got)
	}
}
