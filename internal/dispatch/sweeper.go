package dispatch

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/noorguard/engine/internal/metrics"
	"github.com/noorguard/engine/internal/policy"
	"github.com/noorguard/engine/internal/registry"
)

// Sweeper periodically flags devices whose current directive has gone
// unacknowledged past the grace period. The directive itself is never
// altered: delivery failure is guardian-visible, not enforcement-relevant.
type Sweeper struct {
	store   policy.DirectiveStore
	devices registry.Store
	grace   time.Duration
	every   time.Duration
	logger  *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewSweeper creates the unresponsive-device sweeper. grace is the ack
// window; the sweep runs at the same cadence.
func NewSweeper(store policy.DirectiveStore, devices registry.Store, grace time.Duration, logger *slog.Logger) *Sweeper {
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &Sweeper{
		store:   store,
		devices: devices,
		grace:   grace,
		every:   grace,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the sweep loop. Call in a goroutine is not needed.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop halts the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatch sweeper panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over all active devices.
func (s *Sweeper) Sweep(ctx context.Context) {
	devices, err := s.devices.ListActiveDevices(ctx)
	if err != nil {
		s.logger.Error("dispatch sweep: listing devices failed", "error", err)
		return
	}

	now := time.Now()
	unresponsive := 0
	for _, dev := range devices {
		d, err := s.store.Current(ctx, dev.ID)
		if err != nil {
			s.logger.Warn("dispatch sweep: directive lookup failed", "device_id", dev.ID, "error", err)
			continue
		}
		if d == nil || d.AcknowledgedAt != nil {
			continue
		}
		if now.Sub(d.IssuedAt) < s.grace {
			continue
		}

		unresponsive++
		if dev.Unresponsive {
			continue
		}
		if err := s.devices.SetUnresponsive(ctx, dev.ID, true); err != nil {
			s.logger.Warn("dispatch sweep: flagging device failed", "device_id", dev.ID, "error", err)
			continue
		}
		s.logger.Info("device flagged unresponsive",
			"device_id", dev.ID, "directive_id", d.ID,
			"issued_at", d.IssuedAt, "grace", s.grace)
	}

	metrics.UnresponsiveDevices.Set(float64(unresponsive))
}
