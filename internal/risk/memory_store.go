package risk

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryHistoryStore implements HistoryStore in memory.
type MemoryHistoryStore struct {
	mu      sync.RWMutex
	samples map[string][]*Sample // childID -> samples, append order
	nextID  int64
}

var _ HistoryStore = (*MemoryHistoryStore)(nil)

// NewMemoryHistoryStore creates an in-memory history store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{
		samples: make(map[string][]*Sample),
		nextID:  1,
	}
}

func (m *MemoryHistoryStore) Append(_ context.Context, s *Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	cp.ID = m.nextID
	m.nextID++
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.samples[cp.ChildID] = append(m.samples[cp.ChildID], &cp)
	s.ID = cp.ID
	s.CreatedAt = cp.CreatedAt
	return nil
}

func (m *MemoryHistoryStore) Query(_ context.Context, q HistoryQuery) ([]*Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Sample
	for _, s := range m.samples[q.ChildID] {
		if !q.From.IsZero() && s.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && s.CreatedAt.After(q.To) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryHistoryStore) Latest(_ context.Context, childID string) (*Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := m.samples[childID]
	if len(snaps) == 0 {
		return nil, nil
	}
	cp := *snaps[len(snaps)-1]
	return &cp, nil
}
