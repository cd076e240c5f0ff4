package guardian

import (
	"fmt"
	"time"
)

// ResetClock computes the daily reset boundary in a fixed location.
type ResetClock struct {
	Hour     int
	Minute   int
	Location *time.Location
}

func (c ResetClock) location() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

// Boundary returns the reset moment on the local calendar day of t.
func (c ResetClock) Boundary(t time.Time) time.Time {
	t = t.In(c.location())
	y, m, d := t.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, c.location())
}

// LastBoundary returns the most recent reset moment at or before now.
func (c ResetClock) LastBoundary(now time.Time) time.Time {
	today := c.Boundary(now)
	if now.Before(today) {
		return c.Boundary(today.AddDate(0, 0, -1))
	}
	return today
}

// Due reports whether a reset has to fire at now. The date comparison makes the reset fire
// once per calendar day even when a tick is late or two ticks straddle the boundary.
func (c ResetClock) Due(lastResetAt, now time.Time) bool {
	if !sameDay(lastResetAt.In(c.location()), now.In(c.location())) &&
		!lastResetAt.After(now) {
		return !now.Before(c.Boundary(now))
	}
	return false
}

// String formats the reset time as HH:MM.
func (c ResetClock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
