// Package policy implements the per-device enforcement state machine.
//
// Each active device is in exactly one state; rules are evaluated in
// strict priority order (manual lock, prayer lock, Ramadan restriction,
// daily quota, active) and every state change emits a directive that
// supersedes the device's previous one. Concurrent evaluations of the
// same device are serialized so a device can never hold two conflicting
// active directives.
package policy

import (
	"errors"
	"time"
)

var (
	ErrDirectiveNotFound = errors.New("policy: directive not found")
	ErrNotCurrent        = errors.New("policy: directive is not the device's current one")
)

// State is a device's enforcement state.
type State string

const (
	StateActive            State = "ACTIVE"
	StateQuotaExceeded     State = "QUOTA_EXCEEDED"
	StatePrayerLocked      State = "PRAYER_LOCKED"
	StateRamadanRestricted State = "RAMADAN_RESTRICTED"
	StateManualLock        State = "MANUAL_LOCK"
)

// Action is what the device client must do about a state.
type Action string

const (
	// ActionAllow permits normal use; content-category filtering still
	// applies on-device per the child's filter level.
	ActionAllow Action = "allow"
	// ActionLock blocks device use until superseded or Until passes.
	ActionLock Action = "lock"
	// ActionRestrict permits use under a reduced effective quota.
	ActionRestrict Action = "restrict"
)

// Reason codes attached to directives.
const (
	ReasonNormal        = "normal"
	ReasonGuardianLock  = "guardian_lock"
	ReasonPrayerWindow  = "prayer_window"
	ReasonRamadanQuota  = "ramadan_quota"
	ReasonDailyQuota    = "daily_quota"
	ReasonQuotaRestored = "quota_restored"
)

// Directive is an enforceable instruction issued to one device. History
// is append-only: superseding never deletes, it timestamps.
type Directive struct {
	ID       string `json:"id"`
	DeviceID string `json:"deviceId"`
	ChildID  string `json:"childId"`

	State  State  `json:"state"`
	Action Action `json:"action"`
	Reason string `json:"reason"`

	// EffectiveQuotaMinutes is set for restrict directives: the quota
	// actually in force (Ramadan-reduced when applicable).
	EffectiveQuotaMinutes int `json:"effectiveQuotaMinutes,omitempty"`
	// Until is set for time-bounded locks (end of the prayer window).
	Until *time.Time `json:"until,omitempty"`

	IssuedAt       time.Time  `json:"issuedAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	SupersededAt   *time.Time `json:"supersededAt,omitempty"`
}

// Current reports whether the directive is the device's active one.
func (d *Directive) Current() bool {
	return d.SupersededAt == nil
}

// actionFor maps a state to the client action.
func actionFor(s State) Action {
	switch s {
	case StateManualLock, StatePrayerLocked, StateQuotaExceeded:
		return ActionLock
	case StateRamadanRestricted:
		return ActionRestrict
	default:
		return ActionAllow
	}
}

// ManualLock records a guardian-issued lock. It holds until explicitly
// released, surviving restarts.
type ManualLock struct {
	DeviceID string    `json:"deviceId"`
	LockedBy string    `json:"lockedBy"` // guardian id
	LockedAt time.Time `json:"lockedAt"`
}
