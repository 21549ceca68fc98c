package clock

import "time"

// FakeClock is a manually advanced Clock. Lifecycle and risk-window tests
// pin it and step across trial, billing, and lookback boundaries.
type FakeClock struct {
	now time.Time
}

// NewFakeClock pins the clock at t, normalized to UTC to match what the
// repositories persist.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
