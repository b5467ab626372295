// Package dispatch delivers directives to devices and tracks
// acknowledgement. Enforcement authority stays with the policy engine;
// the dispatcher only observes delivery and flags devices that stop
// confirming.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/noorguard/engine/internal/metrics"
	"github.com/noorguard/engine/internal/policy"
	"github.com/noorguard/engine/internal/registry"
)

var (
	// ErrTimeout tells the caller to retry rather than hang.
	ErrTimeout = errors.New("dispatch: request timed out, retry")
)

// DefaultRequestTimeout bounds directive lookups so a slow store can
// never wedge a device's poll loop.
const DefaultRequestTimeout = 5 * time.Second

// Service serves directive pulls, acks, and heartbeats.
type Service struct {
	store   policy.DirectiveStore
	devices registry.Store
	timeout time.Duration
}

// NewService creates a dispatcher.
func NewService(store policy.DirectiveStore, devices registry.Store, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Service{store: store, devices: devices, timeout: timeout}
}

// CurrentDirective returns the device's active directive, nil when none
// has been issued yet.
func (s *Service) CurrentDirective(ctx context.Context, deviceID string) (*policy.Directive, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	d, err := s.store.Current(ctx, deviceID)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrTimeout
	}
	return d, err
}

// Acknowledge records a device's confirmation of its current directive
// and clears any unresponsive flag. Ack of a superseded directive is
// rejected so a stale client re-fetches before confirming.
func (s *Service) Acknowledge(ctx context.Context, deviceID, directiveID string) (*policy.Directive, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	d, err := s.store.Acknowledge(ctx, deviceID, directiveID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}

	if d.AcknowledgedAt != nil {
		metrics.DirectiveAckLatency.Observe(d.AcknowledgedAt.Sub(d.IssuedAt).Seconds())
	}
	_ = s.devices.TouchDevice(ctx, deviceID, time.Now())
	// Only an ack clears the flag. A device that heartbeats without
	// confirming its directive stays guardian-visible as unresponsive.
	_ = s.devices.SetUnresponsive(ctx, deviceID, false)
	return d, nil
}

// Heartbeat updates the device's last-seen time and returns the current
// directive, so one poll both reports liveness and fetches enforcement
// state. The unresponsive flag is untouched: liveness is not the same
// as compliance.
func (s *Service) Heartbeat(ctx context.Context, deviceID string) (*policy.Directive, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_ = s.devices.TouchDevice(ctx, deviceID, time.Now())

	d, err := s.store.Current(ctx, deviceID)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrTimeout
	}
	return d, err
}
