// Package prayer supplies daily prayer windows from an external
// time-table provider. The engine consumes windows read-only; the
// astronomical calculation itself is never done here.
package prayer

import (
	"context"
	"errors"
	"time"
)

// ErrProviderUnavailable signals that prayer data cannot be fetched and no
// usable cache exists. Policy evaluation disables prayer locks until the
// provider recovers; it never fails the whole cycle.
var ErrProviderUnavailable = errors.New("prayer: provider unavailable")

// Canonical prayer names, in daily order.
var Names = []string{"Fajr", "Dhuhr", "Asr", "Maghrib", "Isha"}

// Window is a single prayer's lock window.
type Window struct {
	Name  string    `json:"name"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window. Start is inclusive,
// End exclusive, so back-to-back windows never overlap.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Provider returns the ordered prayer windows for a location and date.
type Provider interface {
	Windows(ctx context.Context, city, country string, date time.Time) ([]Window, error)
}

// Active returns the window containing t, if any. Windows are assumed
// ordered; the first match wins.
func Active(windows []Window, t time.Time) (Window, bool) {
	for _, w := range windows {
		if w.Contains(t) {
			return w, true
		}
	}
	return Window{}, false
}

// Static is a fixed-schedule Provider for tests and air-gapped deployments.
// The same wall-clock times are projected onto every requested date.
type Static struct {
	// Times are "HH:MM" strings, one per canonical prayer name, in order.
	Times        []string
	LockDuration time.Duration
}

// Windows implements Provider.
func (s Static) Windows(ctx context.Context, city, country string, date time.Time) ([]Window, error) {
	lock := s.LockDuration
	if lock <= 0 {
		lock = 20 * time.Minute
	}
	out := make([]Window, 0, len(s.Times))
	for i, hm := range s.Times {
		start, err := atClock(date, hm)
		if err != nil {
			return nil, err
		}
		name := "Prayer"
		if i < len(Names) {
			name = Names[i]
		}
		out = append(out, Window{Name: name, Start: start, End: start.Add(lock)})
	}
	return out, nil
}

// atClock returns the instant at "HH:MM" on date's day, in date's location.
func atClock(date time.Time, hm string) (time.Time, error) {
	t, err := time.Parse("15:04", hm)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, date.Location()), nil
}
