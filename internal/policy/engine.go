package policy

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/noorguard/engine/internal/metrics"
	"github.com/noorguard/engine/internal/prayer"
	"github.com/noorguard/engine/internal/registry"
	"github.com/noorguard/engine/internal/risk"
	"github.com/noorguard/engine/internal/signal"
	"github.com/noorguard/engine/internal/syncutil"
)

// Notifier receives directives the moment they are issued, for push
// delivery ahead of the next device poll.
type Notifier interface {
	DirectiveIssued(d *Directive)
}

// Config tunes the evaluation loop.
type Config struct {
	// TickInterval is the fixed re-evaluation cadence.
	TickInterval time.Duration
	// RamadanQuotaMultiplier scales the daily quota while the Ramadan
	// calendar is active for a child with Ramadan mode on. 0.5 halves it.
	RamadanQuotaMultiplier float64
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.RamadanQuotaMultiplier <= 0 || c.RamadanQuotaMultiplier > 1 {
		c.RamadanQuotaMultiplier = 0.5
	}
	return c
}

// Engine evaluates the state machine for every active device on a fixed
// tick, on risk band changes, and on guardian lock/unlock actions.
type Engine struct {
	cfg      Config
	children registry.Store
	snaps    risk.Snapshots
	riskSvc  *risk.Service
	prayers  *prayer.Service
	ramadan  prayer.Calendar
	store    DirectiveStore
	notifier Notifier
	logger   *slog.Logger

	// locks serializes evaluation per device. Guardian lock/unlock goes
	// through the same locks, so a manual action and a tick evaluation
	// can never interleave their issue steps.
	locks *syncutil.ContextShardedMutex

	stop chan struct{}
	done chan struct{}
}

// NewEngine wires the policy engine.
func NewEngine(cfg Config, children registry.Store, snaps risk.Snapshots, riskSvc *risk.Service,
	prayers *prayer.Service, ramadan prayer.Calendar, store DirectiveStore, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		children: children,
		snaps:    snaps,
		riskSvc:  riskSvc,
		prayers:  prayers,
		ramadan:  ramadan,
		store:    store,
		logger:   logger,
		locks:    syncutil.NewContextShardedMutex(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetNotifier registers the push notifier. Call before Start.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Start launches the tick loop and hooks band-change interrupts. A
// crossing into the critical band forces an immediate re-evaluation of
// the child's devices instead of waiting for the next tick.
func (e *Engine) Start(ctx context.Context) {
	e.riskSvc.OnBandChange(func(childID string, from, to risk.Band) {
		if to != risk.BandCritical {
			return
		}
		go func() {
			cctx, cancel := context.WithTimeout(context.Background(), e.cfg.TickInterval)
			defer cancel()
			e.EvaluateChild(cctx, childID)
		}()
	})

	go e.run(ctx)
}

// Stop halts the tick loop and waits for it to exit.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("policy loop panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick scores every known child and re-evaluates every active device.
// Per-device failures are logged and skipped; one broken device must
// not stall enforcement for the rest.
func (e *Engine) tick(ctx context.Context) {
	for _, childID := range e.snaps.Children() {
		if _, err := e.riskSvc.Evaluate(ctx, childID); err != nil && !errors.Is(err, risk.ErrNoData) {
			e.logger.Warn("risk evaluation failed", "child_id", childID, "error", err)
		}
	}

	devices, err := e.children.ListActiveDevices(ctx)
	if err != nil {
		e.logger.Error("policy tick: listing devices failed", "error", err)
		return
	}
	for _, d := range devices {
		if err := e.EvaluateDevice(ctx, d.ID); err != nil {
			e.logger.Warn("policy evaluation failed", "device_id", d.ID, "error", err)
		}
	}
}

// EvaluateChild re-evaluates all of a child's active devices now.
func (e *Engine) EvaluateChild(ctx context.Context, childID string) {
	devices, err := e.children.ListDevices(ctx, childID)
	if err != nil {
		e.logger.Warn("policy: listing child devices failed", "child_id", childID, "error", err)
		return
	}
	for _, d := range devices {
		if d.Status != registry.DeviceActive {
			continue
		}
		if err := e.EvaluateDevice(ctx, d.ID); err != nil {
			e.logger.Warn("policy evaluation failed", "device_id", d.ID, "error", err)
		}
	}
}

// EvaluateDevice runs one serialized evaluation pass for a device,
// issuing a superseding directive when the state changed.
func (e *Engine) EvaluateDevice(ctx context.Context, deviceID string) error {
	unlock, err := e.locks.LockContext(ctx, deviceID)
	if err != nil {
		return err
	}
	defer unlock()

	device, err := e.children.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if device.Status != registry.DeviceActive {
		return nil
	}
	child, err := e.children.GetChild(ctx, device.ChildID)
	if err != nil {
		return err
	}

	desired := e.decide(ctx, device, child, time.Now())

	current, err := e.store.Current(ctx, deviceID)
	if err != nil {
		return err
	}
	if current != nil && sameDecision(current, desired) {
		return nil
	}
	if current != nil && desired.State == StateActive {
		// Surface why the device was released.
		switch current.State {
		case StateQuotaExceeded, StateRamadanRestricted:
			desired.Reason = ReasonQuotaRestored
		}
	}

	if err := e.store.Issue(ctx, desired); err != nil {
		return err
	}

	metrics.PolicyTransitionsTotal.WithLabelValues(string(desired.State)).Inc()
	metrics.DirectivesIssuedTotal.WithLabelValues(string(desired.Action)).Inc()
	e.logger.Info("directive issued",
		"device_id", deviceID, "child_id", child.ID,
		"state", desired.State, "reason", desired.Reason, "directive_id", desired.ID)

	if e.notifier != nil {
		e.notifier.DirectiveIssued(desired)
	}
	return nil
}

// decide applies the transition rules in priority order.
func (e *Engine) decide(ctx context.Context, device *registry.Device, child *registry.Child, now time.Time) *Directive {
	d := &Directive{
		DeviceID: device.ID,
		ChildID:  child.ID,
		State:    StateActive,
		Reason:   ReasonNormal,
		IssuedAt: now,
	}

	// 1. Manual lock overrides everything.
	lock, err := e.store.GetManualLock(ctx, device.ID)
	if err != nil {
		e.logger.Warn("manual lock lookup failed", "device_id", device.ID, "error", err)
	}
	if lock != nil {
		d.State = StateManualLock
		d.Reason = ReasonGuardianLock
		d.Action = actionFor(d.State)
		return d
	}

	// 2. Prayer window. Provider failure disables this rule for the
	// cycle; it never fails the whole evaluation. A deployment with no
	// provider configured has salah locks off entirely.
	if e.prayers != nil && child.AutoLockDuringPrayer && child.City != "" {
		win, active, err := e.prayers.ActiveWindow(ctx, child.City, child.Country, now)
		switch {
		case err != nil:
			if errors.Is(err, prayer.ErrProviderUnavailable) {
				e.logger.Warn("prayer provider unavailable, salah lock skipped",
					"device_id", device.ID, "city", child.City)
			} else {
				e.logger.Warn("prayer window lookup failed", "device_id", device.ID, "error", err)
			}
		case active:
			until := win.End
			d.State = StatePrayerLocked
			d.Reason = ReasonPrayerWindow + ":" + win.Name
			d.Until = &until
			d.Action = actionFor(d.State)
			return d
		}
	}

	// 3/4. Ramadan restriction and daily quota share the quota check:
	// during Ramadan the reduced quota is enforced, and exceeding it is
	// QUOTA_EXCEEDED just like the normal allowance.
	quota := child.DailyQuotaMinutes
	inRamadan := child.RamadanMode && e.ramadan.Contains(now)
	if inRamadan && quota > 0 {
		quota = int(float64(quota) * e.cfg.RamadanQuotaMultiplier)
	}

	if quota > 0 {
		snap, ok := e.snaps.Snapshot(child.ID)
		if ok && snap.Value(signal.ScreenTimeToday) >= float64(quota) {
			d.State = StateQuotaExceeded
			d.Reason = ReasonDailyQuota
			if inRamadan {
				d.Reason = ReasonRamadanQuota
			}
			d.EffectiveQuotaMinutes = quota
			d.Action = actionFor(d.State)
			return d
		}
	}

	if inRamadan {
		d.State = StateRamadanRestricted
		d.Reason = ReasonRamadanQuota
		d.EffectiveQuotaMinutes = quota
	}

	d.Action = actionFor(d.State)
	return d
}

// sameDecision reports whether issuing desired would change nothing a
// device client acts on.
func sameDecision(current, desired *Directive) bool {
	if current.State != desired.State || current.Reason != desired.Reason {
		return false
	}
	if current.EffectiveQuotaMinutes != desired.EffectiveQuotaMinutes {
		return false
	}
	switch {
	case current.Until == nil && desired.Until == nil:
		return true
	case current.Until == nil || desired.Until == nil:
		return false
	default:
		return current.Until.Equal(*desired.Until)
	}
}

// Lock places a guardian manual lock on a device and re-evaluates it
// immediately, preempting the next scheduled tick.
func (e *Engine) Lock(ctx context.Context, deviceID, guardianID string) error {
	if err := e.store.SetManualLock(ctx, deviceID, &ManualLock{
		DeviceID: deviceID,
		LockedBy: guardianID,
		LockedAt: time.Now(),
	}); err != nil {
		return err
	}
	return e.EvaluateDevice(ctx, deviceID)
}

// Unlock releases a guardian manual lock and re-evaluates immediately.
// Lower-priority rules may still lock the device again in the same pass.
func (e *Engine) Unlock(ctx context.Context, deviceID string) error {
	if err := e.store.SetManualLock(ctx, deviceID, nil); err != nil {
		return err
	}
	return e.EvaluateDevice(ctx, deviceID)
}
