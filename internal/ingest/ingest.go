// Package ingest receives usage and security events from devices,
// validates and orders them per device, and feeds the signal aggregator.
//
// The durable event log is append-only. Ordering uses the device-local
// sequence number, not wall clock, so intermittent connectivity and
// clock skew cannot double-count or reorder a device's history.
package ingest

import (
	"context"
	"errors"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrUnknownDevice rejects events from unregistered device IDs.
	ErrUnknownDevice = errors.New("ingest: unknown device")
	// ErrDeviceRetired rejects events from soft-retired devices.
	ErrDeviceRetired = errors.New("ingest: device retired")
	// ErrStaleEvent rejects sequence numbers at or below the last accepted one.
	ErrStaleEvent = errors.New("ingest: stale or duplicate sequence")
	// ErrInvalidEvent rejects malformed events before they touch the log.
	ErrInvalidEvent = errors.New("ingest: invalid event")
)

// -----------------------------------------------------------------------------
// Core Types
// -----------------------------------------------------------------------------

// Kind is the event category.
type Kind string

const (
	KindAppLaunch      Kind = "app_launch"
	KindAppClose       Kind = "app_close"
	KindBlockedAttempt Kind = "blocked_attempt"
	KindSearchTerm     Kind = "search_term"
	KindOnline         Kind = "online"
	KindOffline        Kind = "offline"
)

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAppLaunch, KindAppClose, KindBlockedAttempt, KindSearchTerm, KindOnline, KindOffline:
		return true
	}
	return false
}

// UsageEvent is one device telemetry record. Immutable once ingested.
//
// Payload carries an app identifier for launch/close events and a content
// hash for blocked_attempt/search_term events. Raw flagged content never
// reaches the engine.
type UsageEvent struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"deviceId"`
	ChildID    string    `json:"childId"`
	Kind       Kind      `json:"kind"`
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"timestamp"` // Device-local event time
	Payload    string    `json:"payload,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// EventStore persists the append-only per-device event log.
type EventStore interface {
	// Append writes one event. Implementations must never update in place.
	Append(ctx context.Context, e *UsageEvent) error
	// LastSeq returns the highest accepted sequence for a device, 0 if none.
	LastSeq(ctx context.Context, deviceID string) (int64, error)
	// ByChild returns a child's events since a time, in sequence order
	// per device, matching live delivery order.
	ByChild(ctx context.Context, childID string, since time.Time) ([]*UsageEvent, error)
	// ByDevice returns a device's most recent events, newest first, capped at limit.
	ByDevice(ctx context.Context, deviceID string, limit int) ([]*UsageEvent, error)
}

// Result is returned to the caller on a successful ingest.
type Result struct {
	EventID string `json:"eventId"`
	Seq     int64  `json:"seq"`
	// Degraded is set when downstream aggregation is behind and the
	// device's publish buffer evicted its oldest entry to make room.
	// The durable log is never evicted.
	Degraded bool `json:"degraded,omitempty"`
}
