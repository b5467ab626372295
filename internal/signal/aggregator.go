package signal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/noorguard/engine/internal/ingest"
	"github.com/noorguard/engine/internal/registry"
)

// History is the slice of the durable event log used to rebuild ring
// state when a worker starts. The ingest event store implements it.
type History interface {
	ByChild(ctx context.Context, childID string, since time.Time) ([]*ingest.UsageEvent, error)
}

// Aggregator routes events to per-child workers and exposes their
// published snapshots. It implements ingest.Sink.
type Aggregator struct {
	cfg      Config
	children registry.Store
	history  History
	logger   *slog.Logger

	mu      sync.RWMutex
	workers map[string]*worker
	stopped bool
}

// NewAggregator creates the signal aggregator. history may be nil, in
// which case workers start from empty rings.
func NewAggregator(cfg Config, children registry.Store, history History, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		cfg:      cfg.withDefaults(),
		children: children,
		history:  history,
		logger:   logger,
		workers:  make(map[string]*worker),
	}
}

var _ ingest.Sink = (*Aggregator)(nil)

// Consume routes one accepted event to its child's worker, creating the
// worker on first sight. The send blocks if the worker's queue is full;
// ingest-side buffering is the bounded layer above this.
func (a *Aggregator) Consume(e *ingest.UsageEvent) {
	w := a.workerFor(e.ChildID)
	if w == nil {
		return
	}
	w.events <- e
}

func (a *Aggregator) workerFor(childID string) *worker {
	a.mu.RLock()
	w, ok := a.workers[childID]
	a.mu.RUnlock()
	if ok {
		return w
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	if w, ok = a.workers[childID]; ok {
		return w
	}
	w = newWorker(childID, a.cfg, a.children, a.logger)
	w.hydrate(a.history)
	a.workers[childID] = w
	go w.run()
	a.logger.Debug("signal worker started", "child_id", childID)
	return w
}

// Warm ensures a child's worker exists, hydrating it from the event
// log. Called at startup for every child with active devices so a
// restart does not lapse enforcement until the next event arrives.
func (a *Aggregator) Warm(childID string) {
	a.workerFor(childID)
}

// Snapshot returns the latest published snapshot for a child.
// ok is false when the child has no worker yet (no events seen) — the
// scorer treats that as a data gap, never as zero risk.
func (a *Aggregator) Snapshot(childID string) (*Snapshot, bool) {
	a.mu.RLock()
	w, exists := a.workers[childID]
	a.mu.RUnlock()
	if !exists {
		return nil, false
	}
	s := w.current()
	return s, s != nil
}

// Children lists child IDs with live workers.
func (a *Aggregator) Children() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.workers))
	for id := range a.workers {
		out = append(out, id)
	}
	return out
}

// Stop halts every worker and rejects new ones.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.stopped = true
	workers := make([]*worker, 0, len(a.workers))
	for _, w := range a.workers {
		workers = append(workers, w)
	}
	a.mu.Unlock()

	for _, w := range workers {
		w.halt()
	}
}
