package policy

import (
	"context"
	"sync"
	"time"

	"github.com/noorguard/engine/internal/idgen"
)

// MemoryDirectiveStore implements DirectiveStore in memory.
type MemoryDirectiveStore struct {
	mu       sync.RWMutex
	byID     map[string]*Directive
	byDevice map[string][]*Directive // append order
	locks    map[string]*ManualLock
}

var _ DirectiveStore = (*MemoryDirectiveStore)(nil)

// NewMemoryDirectiveStore creates an in-memory directive store.
func NewMemoryDirectiveStore() *MemoryDirectiveStore {
	return &MemoryDirectiveStore{
		byID:     make(map[string]*Directive),
		byDevice: make(map[string][]*Directive),
		locks:    make(map[string]*ManualLock),
	}
}

func (m *MemoryDirectiveStore) Issue(_ context.Context, d *Directive) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.ID == "" {
		d.ID = idgen.WithPrefix("dir_")
	}
	if d.IssuedAt.IsZero() {
		d.IssuedAt = time.Now()
	}

	history := m.byDevice[d.DeviceID]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].SupersededAt == nil {
			at := d.IssuedAt
			history[i].SupersededAt = &at
			break
		}
	}

	cp := *d
	m.byID[cp.ID] = &cp
	m.byDevice[cp.DeviceID] = append(m.byDevice[cp.DeviceID], &cp)
	return nil
}

func (m *MemoryDirectiveStore) Current(_ context.Context, deviceID string) (*Directive, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.byDevice[deviceID]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].SupersededAt == nil {
			cp := *history[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryDirectiveStore) Get(_ context.Context, id string) (*Directive, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.byID[id]
	if !ok {
		return nil, ErrDirectiveNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryDirectiveStore) ListByDevice(_ context.Context, deviceID string, limit int) ([]*Directive, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.byDevice[deviceID]
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}

	out := make([]*Directive, 0, limit)
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *history[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryDirectiveStore) Acknowledge(_ context.Context, deviceID, directiveID string) (*Directive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.byID[directiveID]
	if !ok || d.DeviceID != deviceID {
		return nil, ErrDirectiveNotFound
	}
	if d.SupersededAt != nil {
		return nil, ErrNotCurrent
	}
	if d.AcknowledgedAt == nil {
		now := time.Now()
		d.AcknowledgedAt = &now
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryDirectiveStore) SetManualLock(_ context.Context, deviceID string, lock *ManualLock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lock == nil {
		delete(m.locks, deviceID)
		return nil
	}
	cp := *lock
	cp.DeviceID = deviceID
	if cp.LockedAt.IsZero() {
		cp.LockedAt = time.Now()
	}
	m.locks[deviceID] = &cp
	return nil
}

func (m *MemoryDirectiveStore) GetManualLock(_ context.Context, deviceID string) (*ManualLock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lock, ok := m.locks[deviceID]
	if !ok {
		return nil, nil
	}
	cp := *lock
	return &cp, nil
}
