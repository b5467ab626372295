// Package registry implements guardian, child, and device management.
// This is the identity layer - everything else keys off these records.
package registry

import (
	"errors"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrGuardianNotFound = errors.New("registry: guardian not found")
	ErrChildNotFound    = errors.New("registry: child not found")
	ErrDeviceNotFound   = errors.New("registry: device not found")
	ErrDeviceRetired    = errors.New("registry: device is retired")
	ErrPairingNotFound  = errors.New("registry: pairing code not found")
	ErrPairingExpired   = errors.New("registry: pairing code expired")
	ErrPairingUsed      = errors.New("registry: pairing code already used")
	ErrEmailExists      = errors.New("registry: email already registered")
	ErrInvalidFilter    = errors.New("registry: invalid filter level")
)

// -----------------------------------------------------------------------------
// Core Types
// -----------------------------------------------------------------------------

// FilterLevel controls how aggressively content is filtered for a child.
type FilterLevel string

const (
	FilterMinimal  FilterLevel = "minimal"
	FilterModerate FilterLevel = "moderate"
	FilterStrict   FilterLevel = "strict"
)

// Valid reports whether f is a known filter level.
func (f FilterLevel) Valid() bool {
	switch f {
	case FilterMinimal, FilterModerate, FilterStrict:
		return true
	}
	return false
}

// DeviceStatus is the lifecycle state of a paired device.
type DeviceStatus string

const (
	DeviceActive  DeviceStatus = "active"
	DeviceRetired DeviceStatus = "retired"
)

// Guardian is the parent account that owns children and devices.
type Guardian struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Timezone  string    `json:"timezone"` // IANA name, e.g. "Asia/Riyadh"
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Child is a supervised profile. Policy settings live here; devices
// inherit them through the child they are paired to.
type Child struct {
	ID         string `json:"id"`
	GuardianID string `json:"guardianId"`
	Name       string `json:"name"`
	BirthYear  int    `json:"birthYear,omitempty"`

	FilterLevel       FilterLevel `json:"filterLevel"`
	DailyQuotaMinutes int         `json:"dailyQuotaMinutes"` // Screen time allowance per day
	NightStart        string      `json:"nightStart"`        // "HH:MM" local time
	NightEnd          string      `json:"nightEnd"`

	RamadanMode          bool `json:"ramadanMode"`          // Reduced quota during Ramadan
	AutoLockDuringPrayer bool `json:"autoLockDuringPrayer"` // Lock devices across prayer windows

	// Location used to resolve prayer times.
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Device is a paired child device. Telemetry events reference devices;
// directives are addressed to them.
type Device struct {
	ID       string       `json:"id"`
	ChildID  string       `json:"childId"`
	Name     string       `json:"name"`
	Platform string       `json:"platform"` // "android", "ios", "windows", ...
	Status   DeviceStatus `json:"status"`

	// Unresponsive is set when the device misses the directive ack grace
	// period. Cleared on the next successful heartbeat or ack.
	Unresponsive bool       `json:"unresponsive"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`

	PairedAt  time.Time `json:"pairedAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PairingCode is a short-lived one-time code a guardian generates to
// enroll a new device for a child.
type PairingCode struct {
	Code      string     `json:"code"`
	ChildID   string     `json:"childId"`
	ExpiresAt time.Time  `json:"expiresAt"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// PairingTTL is how long a pairing code stays claimable.
const PairingTTL = 15 * time.Minute

// -----------------------------------------------------------------------------
// Request Types
// -----------------------------------------------------------------------------

// CreateGuardianRequest is the payload for guardian signup.
type CreateGuardianRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Timezone string `json:"timezone"`
}

// CreateChildRequest is the payload for adding a child profile.
type CreateChildRequest struct {
	Name                 string `json:"name" binding:"required"`
	BirthYear            int    `json:"birthYear"`
	FilterLevel          string `json:"filterLevel"`
	DailyQuotaMinutes    int    `json:"dailyQuotaMinutes"`
	NightStart           string `json:"nightStart"`
	NightEnd             string `json:"nightEnd"`
	AutoLockDuringPrayer *bool  `json:"autoLockDuringPrayer"`
	City                 string `json:"city"`
	Country              string `json:"country"`
}

// UpdateChildRequest carries partial updates; nil fields are left unchanged.
type UpdateChildRequest struct {
	Name                 *string `json:"name"`
	FilterLevel          *string `json:"filterLevel"`
	DailyQuotaMinutes    *int    `json:"dailyQuotaMinutes"`
	NightStart           *string `json:"nightStart"`
	NightEnd             *string `json:"nightEnd"`
	RamadanMode          *bool   `json:"ramadanMode"`
	AutoLockDuringPrayer *bool   `json:"autoLockDuringPrayer"`
	City                 *string `json:"city"`
	Country              *string `json:"country"`
}

// PairDeviceRequest is the payload a device sends to claim a pairing code.
type PairDeviceRequest struct {
	Code     string `json:"code" binding:"required"`
	Name     string `json:"name" binding:"required"`
	Platform string `json:"platform" binding:"required"`
}
