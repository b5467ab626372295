package ingest

import (
	"context"
	"sync"
	"time"
)

// MemoryEventStore is a thread-safe in-memory event log.
type MemoryEventStore struct {
	mu       sync.RWMutex
	byDevice map[string][]*UsageEvent
	byChild  map[string][]*UsageEvent
}

// NewMemoryEventStore creates a new in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		byDevice: make(map[string][]*UsageEvent),
		byChild:  make(map[string][]*UsageEvent),
	}
}

var _ EventStore = (*MemoryEventStore)(nil)

func (m *MemoryEventStore) Append(ctx context.Context, e *UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.byDevice[e.DeviceID] = append(m.byDevice[e.DeviceID], &cp)
	m.byChild[e.ChildID] = append(m.byChild[e.ChildID], &cp)
	return nil
}

func (m *MemoryEventStore) LastSeq(ctx context.Context, deviceID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.byDevice[deviceID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

func (m *MemoryEventStore) ByChild(ctx context.Context, childID string, since time.Time) ([]*UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*UsageEvent
	for _, e := range m.byChild[childID] {
		if !e.Timestamp.Before(since) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryEventStore) ByDevice(ctx context.Context, deviceID string, limit int) ([]*UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.byDevice[deviceID]
	if limit <= 0 || limit > len(events) {
		limit = len(events)
	}

	// Newest first.
	out := make([]*UsageEvent, 0, limit)
	for i := len(events) - 1; i >= len(events)-limit; i-- {
		cp := *events[i]
		out = append(out, &cp)
	}
	return out, nil
}
