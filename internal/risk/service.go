package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/noorguard/engine/internal/metrics"
	"github.com/noorguard/engine/internal/signal"
	"github.com/noorguard/engine/internal/syncutil"
)

// Snapshots is the slice of the signal aggregator the scorer needs.
type Snapshots interface {
	Snapshot(childID string) (*signal.Snapshot, bool)
	Children() []string
}

// BandListener is notified when a child's band changes between
// consecutive evaluations. Used to force an immediate policy
// re-evaluation on a crossing into critical.
type BandListener func(childID string, from, to Band)

// Service evaluates risk and maintains score history.
type Service struct {
	scorer *Scorer
	snaps  Snapshots
	store  HistoryStore
	logger *slog.Logger

	// evals serializes evaluation per child: the policy tick and a
	// handler-driven Current can otherwise score the same child
	// concurrently, appending duplicate history samples and firing
	// band listeners twice for one crossing.
	evals syncutil.ShardedMutex

	mu     sync.Mutex
	last   map[string]*Score
	onBand []BandListener
}

// NewService wires a scorer to a snapshot source and history store.
func NewService(scorer *Scorer, snaps Snapshots, store HistoryStore, logger *slog.Logger) *Service {
	return &Service{
		scorer: scorer,
		snaps:  snaps,
		store:  store,
		logger: logger,
		last:   make(map[string]*Score),
	}
}

// OnBandChange registers a band-change listener. Call before the
// policy loop starts. Listeners run synchronously in registration order.
func (s *Service) OnBandChange(fn BandListener) {
	s.mu.Lock()
	s.onBand = append(s.onBand, fn)
	s.mu.Unlock()
}

// Evaluate computes and records a fresh score for a child. When the
// aggregator has no snapshot (no devices reporting), the last known
// score is returned unchanged with DataGap set rather than defaulting
// to zero; a child never scored at all yields ErrNoData.
func (s *Service) Evaluate(ctx context.Context, childID string) (*Score, error) {
	unlock := s.evals.Lock(childID)
	defer unlock()
	return s.evaluate(ctx, childID)
}

// evaluate does the scoring work. Caller holds the child's eval lock.
func (s *Service) evaluate(ctx context.Context, childID string) (*Score, error) {
	snap, ok := s.snaps.Snapshot(childID)
	if !ok {
		return s.holdLastKnown(ctx, childID)
	}

	score := s.scorer.Score(snap, time.Now())

	prev, err := s.previousBand(ctx, childID)
	if err != nil {
		s.logger.Warn("risk history lookup failed", "child_id", childID, "error", err)
	}

	sample := &Sample{
		ChildID:   score.ChildID,
		Score:     score.Score,
		Band:      score.Band,
		Dominant:  score.Dominant,
		CreatedAt: score.ComputedAt,
	}
	if err := s.store.Append(ctx, sample); err != nil {
		// Scoring still succeeded; history is best-effort per cycle.
		s.logger.Warn("risk history append failed", "child_id", childID, "error", err)
	}
	metrics.RiskScoreComputedTotal.WithLabelValues(string(score.Band)).Inc()

	s.mu.Lock()
	s.last[childID] = score
	listeners := s.onBand
	s.mu.Unlock()

	if prev != "" && prev != score.Band {
		for _, fn := range listeners {
			fn(childID, prev, score.Band)
		}
	}
	return score, nil
}

// Current returns the most recent score without forcing a fresh
// evaluation, falling back to one when the child has never been scored
// this process lifetime.
func (s *Service) Current(ctx context.Context, childID string) (*Score, error) {
	if score := s.cached(childID); score != nil {
		return score, nil
	}
	unlock := s.evals.Lock(childID)
	defer unlock()
	// An evaluation may have landed while we waited for the lock.
	if score := s.cached(childID); score != nil {
		return score, nil
	}
	return s.evaluate(ctx, childID)
}

func (s *Service) cached(childID string) *Score {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[childID]
}

// History returns stored samples for a child, newest first.
func (s *Service) History(ctx context.Context, q HistoryQuery) ([]*Sample, error) {
	return s.store.Query(ctx, q)
}

func (s *Service) previousBand(ctx context.Context, childID string) (Band, error) {
	s.mu.Lock()
	prev, ok := s.last[childID]
	s.mu.Unlock()
	if ok {
		return prev.Band, nil
	}
	sample, err := s.store.Latest(ctx, childID)
	if err != nil || sample == nil {
		return "", err
	}
	return sample.Band, nil
}

func (s *Service) holdLastKnown(ctx context.Context, childID string) (*Score, error) {
	s.mu.Lock()
	prev, ok := s.last[childID]
	s.mu.Unlock()
	if ok {
		held := *prev
		held.DataGap = true
		return &held, nil
	}

	sample, err := s.store.Latest(ctx, childID)
	if err != nil {
		return nil, err
	}
	if sample == nil {
		return nil, ErrNoData
	}
	return &Score{
		ChildID:    sample.ChildID,
		Score:      sample.Score,
		Band:       sample.Band,
		Dominant:   sample.Dominant,
		ComputedAt: sample.CreatedAt,
		DataGap:    true,
	}, nil
}
