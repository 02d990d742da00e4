// Package trial models the time-boxed blanket access window and the signed token that carries it.
package trial

import "time"

// Window is a trial period starting at StartedAt. It is active while now - StartedAt < Duration.
type Window struct {
	StartedAt time.Time
	Duration  time.Duration
}

func NewWindow(startedAt time.Time, duration time.Duration) Window {
	return Window{StartedAt: startedAt.UTC(), Duration: duration}
}

func (w Window) Active(now time.Time) bool {
	if w.StartedAt.IsZero() || w.Duration <= 0 {
		return false
	}
	elapsed := now.Sub(w.StartedAt)
	// A start in the future is fabricated evidence.
	if elapsed < 0 {
		return false
	}
	return elapsed < w.Duration
}

func (w Window) ExpiresAt() time.Time {
	return w.StartedAt.Add(w.Duration)
}

func (w Window) Remaining(now time.Time) time.Duration {
	if !w.Active(now) {
		return 0
	}
	return w.ExpiresAt().Sub(now)
}
