package policy

import "context"

// DirectiveStore persists the append-only directive log and manual
// lock flags.
type DirectiveStore interface {
	// Issue atomically supersedes the device's current directive (if
	// any) and appends d as the new current one.
	Issue(ctx context.Context, d *Directive) error

	// Current returns the device's active directive, nil if the device
	// has never been issued one.
	Current(ctx context.Context, deviceID string) (*Directive, error)

	// Get returns a directive by id.
	Get(ctx context.Context, id string) (*Directive, error)

	// ListByDevice returns a device's directive history, newest first.
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]*Directive, error)

	// Acknowledge stamps the directive if it is still the device's
	// current one; ErrNotCurrent otherwise.
	Acknowledge(ctx context.Context, deviceID, directiveID string) (*Directive, error)

	// SetManualLock sets or clears the guardian lock flag for a device.
	SetManualLock(ctx context.Context, deviceID string, lock *ManualLock) error

	// GetManualLock returns the device's manual lock, nil if unlocked.
	GetManualLock(ctx context.Context, deviceID string) (*ManualLock, error)
}
