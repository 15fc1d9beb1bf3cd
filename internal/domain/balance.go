package domain

import "time"

// BalanceSnapshot is the last account balance read from a venue.
type BalanceSnapshot struct {
	TotalEquity            float64
	Available              float64
	LockedInPositions      float64
	CapturedAt             time.Time
	ConsecutiveFetchErrors int
}

// Empty reports whether no successful fetch has ever been recorded.
func (b BalanceSnapshot) Empty() bool {
	return b.CapturedAt.IsZero()
}

// BalanceView is a snapshot as served to readers: it always carries its age
// so a stale value is never mistaken for a fresh one.
type BalanceView struct {
	Snapshot BalanceSnapshot
	Age      time.Duration
	Stale    bool
	ExitOnly bool
}
