// Package signal maintains sliding-window behavioral counters per child.
//
// Each child has a dedicated aggregation worker that exclusively owns its
// ring buffers; other components only ever see immutable SignalSnapshot
// values, which may be at most one tick stale.
package signal

import (
	"time"
)

// Signal names. Each signal declares the window it is computed over.
const (
	// ScreenTimeToday is minutes of app usage since local midnight.
	ScreenTimeToday = "screen_time_today_minutes"
	// LateNightMinutes is usage minutes overlapping the night window, last 24h.
	LateNightMinutes = "late_night_minutes"
	// BlockedAttempts24h counts blocked-content hits in the last 24 hours.
	BlockedAttempts24h = "blocked_attempts_24h"
	// BlockedAttempts7d counts blocked-content hits in the last 7 days.
	BlockedAttempts7d = "blocked_attempts_7d"
	// SearchTerms24h counts flagged search terms in the last 24 hours.
	SearchTerms24h = "search_terms_24h"
	// AppSwitches1h counts app launches in the last hour.
	AppSwitches1h = "app_switches_1h"
)

// Snapshot is an immutable view of a child's current signal values.
type Snapshot struct {
	ChildID string             `json:"childId"`
	TakenAt time.Time          `json:"takenAt"`
	Values  map[string]float64 `json:"values"`
	// LastActivity records when each signal last received a contribution.
	// The risk scorer anchors decay on these, not on snapshot time.
	LastActivity map[string]time.Time `json:"lastActivity"`
	// OpenSessions is the number of app sessions without a close yet.
	OpenSessions int `json:"openSessions"`
}

// Value returns a signal's value, zero if absent.
func (s *Snapshot) Value(name string) float64 {
	if s == nil {
		return 0
	}
	return s.Values[name]
}

// Config tunes aggregation behavior.
type Config struct {
	// TickInterval drives periodic snapshot refresh and session expiry.
	TickInterval time.Duration
	// MaxSessionDuration caps how much usage one unmatched app_launch can
	// ever contribute.
	MaxSessionDuration time.Duration
	// NightStart/NightEnd ("HH:MM") are the default night window when a
	// child has none configured.
	NightStart string
	NightEnd   string
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.MaxSessionDuration <= 0 {
		c.MaxSessionDuration = 3 * time.Hour
	}
	if c.NightStart == "" {
		c.NightStart = "23:00"
	}
	if c.NightEnd == "" {
		c.NightEnd = "05:00"
	}
	return c
}
