package executor

import (
	"testing"
	"time"
)

func TestDedupWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d := NewDedup(time.Minute, func() time.Time { return now })

	if d.IsDuplicate("a") {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.IsDuplicate("a") {
		t.Fatal("second sighting not reported")
	}

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	if d.Len() != 0 {
		t.Fatalf("len = %d after cleanup", d.Len())
	}
	if d.IsDuplicate("a") {
		t.Fatal("expired id still a duplicate")
	}
}
