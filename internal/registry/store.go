package registry

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/noorguard/engine/internal/idgen"
)

// -----------------------------------------------------------------------------
// Store Interface (swap implementations later)
// -----------------------------------------------------------------------------

// Store defines the persistence interface for the registry
type Store interface {
	// Guardians
	CreateGuardian(ctx context.Context, g *Guardian) error
	GetGuardian(ctx context.Context, id string) (*Guardian, error)
	GetGuardianByEmail(ctx context.Context, email string) (*Guardian, error)

	// Children
	CreateChild(ctx context.Context, c *Child) error
	GetChild(ctx context.Context, id string) (*Child, error)
	UpdateChild(ctx context.Context, c *Child) error
	ListChildren(ctx context.Context, guardianID string) ([]*Child, error)

	// Devices
	CreateDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context, childID string) ([]*Device, error)
	ListActiveDevices(ctx context.Context) ([]*Device, error)
	RetireDevice(ctx context.Context, id string) error
	TouchDevice(ctx context.Context, id string, seenAt time.Time) error
	SetUnresponsive(ctx context.Context, id string, unresponsive bool) error

	// Pairing
	CreatePairingCode(ctx context.Context, childID string, ttl time.Duration) (*PairingCode, error)
	ClaimPairingCode(ctx context.Context, code string) (*PairingCode, error)
}

// -----------------------------------------------------------------------------
// In-Memory Store
// -----------------------------------------------------------------------------

// MemoryStore is a thread-safe in-memory implementation
type MemoryStore struct {
	mu        sync.RWMutex
	guardians map[string]*Guardian
	children  map[string]*Child
	devices   map[string]*Device
	pairings  map[string]*PairingCode
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		guardians: make(map[string]*Guardian),
		children:  make(map[string]*Child),
		devices:   make(map[string]*Device),
		pairings:  make(map[string]*PairingCode),
	}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

// -----------------------------------------------------------------------------
// Guardian Operations
// -----------------------------------------------------------------------------

func (m *MemoryStore) CreateGuardian(ctx context.Context, g *Guardian) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(g.Email)
	for _, existing := range m.guardians {
		if strings.ToLower(existing.Email) == email {
			return ErrEmailExists
		}
	}

	if g.ID == "" {
		g.ID = idgen.WithPrefix("grd_")
	}
	g.Email = email
	now := time.Now()
	g.CreatedAt = now
	g.UpdatedAt = now

	cp := *g
	m.guardians[g.ID] = &cp
	return nil
}

func (m *MemoryStore) GetGuardian(ctx context.Context, id string) (*Guardian, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.guardians[id]
	if !ok {
		return nil, ErrGuardianNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) GetGuardianByEmail(ctx context.Context, email string) (*Guardian, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email = strings.ToLower(email)
	for _, g := range m.guardians {
		if g.Email == email {
			cp := *g
			return &cp, nil
		}
	}
	return nil, ErrGuardianNotFound
}

// -----------------------------------------------------------------------------
// Child Operations
// -----------------------------------------------------------------------------

func (m *MemoryStore) CreateChild(ctx context.Context, c *Child) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.guardians[c.GuardianID]; !ok {
		return ErrGuardianNotFound
	}
	if !c.FilterLevel.Valid() {
		return ErrInvalidFilter
	}

	if c.ID == "" {
		c.ID = idgen.WithPrefix("chd_")
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	cp := *c
	m.children[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetChild(ctx context.Context, id string) (*Child, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.children[id]
	if !ok {
		return nil, ErrChildNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpdateChild(ctx context.Context, c *Child) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.children[c.ID]
	if !ok {
		return ErrChildNotFound
	}
	if !c.FilterLevel.Valid() {
		return ErrInvalidFilter
	}

	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now()
	cp := *c
	m.children[c.ID] = &cp
	return nil
}

func (m *MemoryStore) ListChildren(ctx context.Context, guardianID string) ([]*Child, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Child
	for _, c := range m.children {
		if c.GuardianID == guardianID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// -----------------------------------------------------------------------------
// Device Operations
// -----------------------------------------------------------------------------

func (m *MemoryStore) CreateDevice(ctx context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.children[d.ChildID]; !ok {
		return ErrChildNotFound
	}

	if d.ID == "" {
		d.ID = idgen.WithPrefix("dev_")
	}
	now := time.Now()
	d.Status = DeviceActive
	if d.PairedAt.IsZero() {
		d.PairedAt = now
	}
	d.CreatedAt = now
	d.UpdatedAt = now

	cp := *d
	m.devices[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListDevices(ctx context.Context, childID string) ([]*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Device
	for _, d := range m.devices {
		if d.ChildID == childID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairedAt.Before(out[j].PairedAt) })
	return out, nil
}

func (m *MemoryStore) ListActiveDevices(ctx context.Context) ([]*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Device
	for _, d := range m.devices {
		if d.Status == DeviceActive {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) RetireDevice(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	if d.Status == DeviceRetired {
		return ErrDeviceRetired
	}
	d.Status = DeviceRetired
	d.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) TouchDevice(ctx context.Context, id string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	t := seenAt
	d.LastSeenAt = &t
	d.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetUnresponsive(ctx context.Context, id string, unresponsive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Unresponsive = unresponsive
	d.UpdatedAt = time.Now()
	return nil
}

// -----------------------------------------------------------------------------
// Pairing Operations
// -----------------------------------------------------------------------------

func (m *MemoryStore) CreatePairingCode(ctx context.Context, childID string, ttl time.Duration) (*PairingCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.children[childID]; !ok {
		return nil, ErrChildNotFound
	}

	code, err := newPairingCode()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	pc := &PairingCode{
		Code:      code,
		ChildID:   childID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	m.pairings[code] = pc
	cp := *pc
	return &cp, nil
}

func (m *MemoryStore) ClaimPairingCode(ctx context.Context, code string) (*PairingCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pc, ok := m.pairings[strings.ToUpper(code)]
	if !ok {
		return nil, ErrPairingNotFound
	}
	if pc.UsedAt != nil {
		return nil, ErrPairingUsed
	}
	if time.Now().After(pc.ExpiresAt) {
		return nil, ErrPairingExpired
	}
	now := time.Now()
	pc.UsedAt = &now
	cp := *pc
	return &cp, nil
}

// newPairingCode returns an 8-character uppercase code. 32^8 keyspace is
// plenty for a 15-minute TTL.
func newPairingCode() (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O, 1/I
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate pairing code: %w", err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}
