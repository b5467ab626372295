// Package auth provides API authentication for the NoorGuard engine.
//
// Authentication model:
//   - Guardian keys ("gk_...") are issued at signup and authorize the
//     management API (children, settings, locks, reports).
//   - Device tokens ("dt_...") are issued at pairing and authorize the
//     device surface (events, heartbeat, directive ack).
//   - Raw keys are never stored; only SHA256 hashes are.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrNotOwner      = errors.New("not authorized for this resource")
	ErrKeyNotFound   = errors.New("API key not found")
)

// Kind distinguishes guardian keys from device tokens.
type Kind string

const (
	KindGuardian Kind = "guardian"
	KindDevice   Kind = "device"
)

// prefix returns the raw-key prefix for this kind.
func (k Kind) prefix() string {
	if k == KindDevice {
		return "dt_"
	}
	return "gk_"
}

// APIKey represents a stored credential.
type APIKey struct {
	ID   string `json:"id"`
	Hash string `json:"-"` // SHA256 hash of key (stored)
	Kind Kind   `json:"kind"`
	// OwnerID is a guardian ID for guardian keys, a device ID for device tokens.
	OwnerID   string     `json:"ownerId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByOwner(ctx context.Context, ownerID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager handles authentication
type Manager struct {
	store Store
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey creates a new credential for an owner.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, kind Kind, ownerID, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = kind.prefix() + hex.EncodeToString(b)

	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		Kind:      kind,
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: time.Now(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// ValidateKey validates a raw key and returns the stored metadata.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "gk_") && !strings.HasPrefix(rawKey, "dt_") {
		return nil, ErrInvalidAPIKey
	}

	hash := hashKey(rawKey)
	key, err := m.store.GetByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	go func() {
		key.LastUsed = time.Now()
		m.store.Update(context.Background(), key)
	}()

	return key, nil
}

// ListKeys returns all keys for an owner.
func (m *Manager) ListKeys(ctx context.Context, ownerID string) ([]*APIKey, error) {
	return m.store.GetByOwner(ctx, ownerID)
}

// RevokeKey revokes a credential owned by ownerID.
func (m *Manager) RevokeKey(ctx context.Context, keyID, ownerID string) error {
	keys, err := m.store.GetByOwner(ctx, ownerID)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}

	return ErrKeyNotFound
}

// RevokeOwner revokes every credential for an owner. Used when a device
// is retired so its token stops working immediately.
func (m *Manager) RevokeOwner(ctx context.Context, ownerID string) error {
	keys, err := m.store.GetByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if !k.Revoked {
			k.Revoked = true
			if err := m.store.Update(ctx, k); err != nil {
				return err
			}
		}
	}
	return nil
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByOwner(ctx context.Context, ownerID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.OwnerID == ownerID {
			result = append(result, k)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
