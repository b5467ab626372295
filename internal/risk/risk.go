// Package risk turns a child's behavioral signal snapshot into a single
// 0-100 risk score with a display band and an append-only score history.
//
// Scoring is a weighted sum of normalized signals with per-signal
// exponential decay, so an isolated incident loses influence over time
// instead of ratcheting the score upward permanently. Weights, caps and
// half-lives are configuration, not code.
package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/noorguard/engine/internal/signal"
)

var (
	// ErrNoData means a child has never been scored and no snapshot is
	// available to score from.
	ErrNoData = errors.New("risk: no data for child")
)

// Band is the human-readable risk tier derived from the numeric score.
type Band string

const (
	BandLow      Band = "low"      // [0, 25)
	BandMedium   Band = "medium"   // [25, 50)
	BandHigh     Band = "high"     // [50, 75)
	BandCritical Band = "critical" // [75, 100]
)

// BandFor maps a score to its band. Bounds are inclusive on the lower
// edge; the policy engine and the dashboard both go through here so they
// can never disagree.
func BandFor(score float64) Band {
	switch {
	case score < 25:
		return BandLow
	case score < 50:
		return BandMedium
	case score < 75:
		return BandHigh
	default:
		return BandCritical
	}
}

// SignalConfig tunes one signal's influence on the score.
type SignalConfig struct {
	// Weight is the signal's maximum contribution in score points.
	Weight float64 `json:"weight"`
	// Cap is the raw value at which the signal saturates; normalize(v)
	// is min(v/cap, 1).
	Cap float64 `json:"cap"`
	// HalfLife controls decay of the contribution since the signal's
	// last activity. Zero disables decay (the window itself expires it).
	HalfLife time.Duration `json:"halfLife"`
}

// Config maps signal names to their scoring parameters.
type Config struct {
	Signals map[string]SignalConfig `json:"signals"`
}

// DefaultConfig is the tuned starting point. Ten blocked attempts in a
// day alone push a child out of the low band.
func DefaultConfig() Config {
	return Config{Signals: map[string]SignalConfig{
		signal.ScreenTimeToday:    {Weight: 15, Cap: 480},
		signal.LateNightMinutes:   {Weight: 25, Cap: 120, HalfLife: 12 * time.Hour},
		signal.BlockedAttempts24h: {Weight: 30, Cap: 10, HalfLife: 12 * time.Hour},
		signal.BlockedAttempts7d:  {Weight: 10, Cap: 30, HalfLife: 72 * time.Hour},
		signal.SearchTerms24h:     {Weight: 20, Cap: 5, HalfLife: 24 * time.Hour},
		signal.AppSwitches1h:      {Weight: 10, Cap: 30, HalfLife: 2 * time.Hour},
	}}
}

// ParseConfig reads deployment scoring overrides as JSON and merges
// them over DefaultConfig, so an operator tunes only the parameters
// that change. Half-lives are duration strings ("12h", "90m"):
//
//	{"signals": {"blocked_attempts_24h": {"weight": 40, "halfLife": "6h"}}}
//
// Unknown signal names are rejected rather than silently ignored.
func ParseConfig(data []byte) (Config, error) {
	var raw struct {
		Signals map[string]struct {
			Weight   *float64 `json:"weight"`
			Cap      *float64 `json:"cap"`
			HalfLife string   `json:"halfLife"`
		} `json:"signals"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("risk config: %w", err)
	}

	cfg := DefaultConfig()
	for name, override := range raw.Signals {
		sc, known := cfg.Signals[name]
		if !known {
			return Config{}, fmt.Errorf("risk config: unknown signal %q", name)
		}
		if override.Weight != nil {
			if *override.Weight < 0 {
				return Config{}, fmt.Errorf("risk config: %s: weight must not be negative", name)
			}
			sc.Weight = *override.Weight
		}
		if override.Cap != nil {
			if *override.Cap <= 0 {
				return Config{}, fmt.Errorf("risk config: %s: cap must be positive", name)
			}
			sc.Cap = *override.Cap
		}
		if override.HalfLife != "" {
			d, err := time.ParseDuration(override.HalfLife)
			if err != nil {
				return Config{}, fmt.Errorf("risk config: %s: %w", name, err)
			}
			if d < 0 {
				return Config{}, fmt.Errorf("risk config: %s: halfLife must not be negative", name)
			}
			sc.HalfLife = d
		}
		cfg.Signals[name] = sc
	}
	return cfg, nil
}

// Contribution is one signal's share of a computed score.
type Contribution struct {
	Signal     string  `json:"signal"`
	Value      float64 `json:"value"`
	Normalized float64 `json:"normalized"`
	Decay      float64 `json:"decay"`
	Points     float64 `json:"points"`
}

// Score is a computed risk assessment for one child.
type Score struct {
	ChildID string  `json:"childId"`
	Score   float64 `json:"score"` // 0-100
	Band    Band    `json:"band"`
	// Dominant is the signal contributing the most points.
	Dominant      string         `json:"dominantSignal"`
	Contributions []Contribution `json:"contributions"`
	ComputedAt    time.Time      `json:"computedAt"`
	// DataGap marks a score carried forward because no fresh snapshot
	// was available. The dashboard shows it as "data unavailable".
	DataGap bool `json:"dataGap"`
}

// Sample is one point of append-only score history.
type Sample struct {
	ID        int64     `json:"id"`
	ChildID   string    `json:"childId"`
	Score     float64   `json:"score"`
	Band      Band      `json:"band"`
	Dominant  string    `json:"dominantSignal"`
	CreatedAt time.Time `json:"createdAt"`
}

// HistoryQuery selects a slice of a child's score history.
type HistoryQuery struct {
	ChildID string
	From    time.Time
	To      time.Time
	Limit   int
}
