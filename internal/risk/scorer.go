package risk

import (
	"math"
	"sort"
	"time"

	"github.com/noorguard/engine/internal/signal"
)

// Scorer computes risk scores from signal snapshots.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer with the default tuning.
func NewScorer() *Scorer {
	return &Scorer{cfg: DefaultConfig()}
}

// NewScorerWithConfig creates a scorer with custom tuning.
func NewScorerWithConfig(cfg Config) *Scorer {
	if len(cfg.Signals) == 0 {
		cfg = DefaultConfig()
	}
	return &Scorer{cfg: cfg}
}

// Score computes a child's risk from a snapshot. Pure: the same snapshot
// and instant always yield the same score, so history can be rebuilt by
// replaying the event log.
func (s *Scorer) Score(snap *signal.Snapshot, now time.Time) *Score {
	contribs := make([]Contribution, 0, len(s.cfg.Signals))
	total := 0.0

	for name, sc := range s.cfg.Signals {
		value := snap.Value(name)
		norm := 0.0
		if sc.Cap > 0 {
			norm = math.Min(value/sc.Cap, 1)
		}

		decay := 1.0
		if sc.HalfLife > 0 {
			if last, ok := snap.LastActivity[name]; ok && now.After(last) {
				age := now.Sub(last)
				decay = math.Pow(0.5, float64(age)/float64(sc.HalfLife))
			}
		}

		points := sc.Weight * norm * decay
		contribs = append(contribs, Contribution{
			Signal:     name,
			Value:      value,
			Normalized: norm,
			Decay:      decay,
			Points:     points,
		})
		total += points
	}

	// Deterministic order for history and API output.
	sort.Slice(contribs, func(i, j int) bool {
		if contribs[i].Points != contribs[j].Points {
			return contribs[i].Points > contribs[j].Points
		}
		return contribs[i].Signal < contribs[j].Signal
	})

	total = math.Max(0, math.Min(100, total))

	dominant := ""
	if len(contribs) > 0 && contribs[0].Points > 0 {
		dominant = contribs[0].Signal
	}

	return &Score{
		ChildID:       snap.ChildID,
		Score:         math.Round(total*10) / 10,
		Band:          BandFor(math.Round(total*10) / 10),
		Dominant:      dominant,
		Contributions: contribs,
		ComputedAt:    now,
	}
}
