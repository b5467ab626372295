package policy

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/noorguard/engine/internal/ingest"
	"github.com/noorguard/engine/internal/prayer"
	"github.com/noorguard/engine/internal/registry"
	"github.com/noorguard/engine/internal/risk"
	"github.com/noorguard/engine/internal/signal"
)

// stubSnapshots serves canned signal snapshots.
type stubSnapshots struct {
	snaps map[string]*signal.Snapshot
}

func (s *stubSnapshots) Snapshot(childID string) (*signal.Snapshot, bool) {
	snap, ok := s.snaps[childID]
	return snap, ok
}

func (s *stubSnapshots) Children() []string {
	out := make([]string, 0, len(s.snaps))
	for id := range s.snaps {
		out = append(out, id)
	}
	return out
}

func (s *stubSnapshots) setScreenTime(childID string, minutes float64) {
	s.snaps[childID] = &signal.Snapshot{
		ChildID: childID,
		TakenAt: time.Now(),
		Values:  map[string]float64{signal.ScreenTimeToday: minutes},
	}
}

// downProvider always fails, exercising provider-unavailable handling.
type downProvider struct{}

func (downProvider) Windows(ctx context.Context, city, country string, date time.Time) ([]prayer.Window, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	engine   *Engine
	store    *MemoryDirectiveStore
	snaps    *stubSnapshots
	children registry.Store
	childID  string
	deviceID string
}

type fixtureOpts struct {
	provider   prayer.Provider
	ramadan    prayer.Calendar
	quota      int
	prayerLock bool
	ramadanOn  bool
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	ctx := context.Background()

	children := registry.NewMemoryStore()
	g := &registry.Guardian{Name: "G", Email: "g@example.com"}
	if err := children.CreateGuardian(ctx, g); err != nil {
		t.Fatal(err)
	}
	c := &registry.Child{
		GuardianID:           g.ID,
		Name:                 "C",
		FilterLevel:          registry.FilterModerate,
		DailyQuotaMinutes:    opts.quota,
		AutoLockDuringPrayer: opts.prayerLock,
		RamadanMode:          opts.ramadanOn,
		City:                 "Riyadh",
		Country:              "SA",
	}
	if err := children.CreateChild(ctx, c); err != nil {
		t.Fatal(err)
	}
	d := &registry.Device{ChildID: c.ID, Name: "Tablet", Platform: "android"}
	if err := children.CreateDevice(ctx, d); err != nil {
		t.Fatal(err)
	}

	snaps := &stubSnapshots{snaps: map[string]*signal.Snapshot{}}
	riskSvc := risk.NewService(risk.NewScorer(), snaps, risk.NewMemoryHistoryStore(), slog.Default())

	provider := opts.provider
	if provider == nil {
		provider = prayer.Static{Times: []string{"03:00"}, LockDuration: time.Minute}
	}
	prayers := prayer.NewService(provider, slog.Default())

	store := NewMemoryDirectiveStore()
	engine := NewEngine(Config{TickInterval: time.Minute, RamadanQuotaMultiplier: 0.5},
		children, snaps, riskSvc, prayers, opts.ramadan, store, slog.Default())

	return &fixture{
		engine:   engine,
		store:    store,
		snaps:    snaps,
		children: children,
		childID:  c.ID,
		deviceID: d.ID,
	}
}

func alwaysRamadan(t *testing.T) prayer.Calendar {
	t.Helper()
	now := time.Now()
	cal, err := prayer.NewCalendar(
		now.AddDate(0, 0, -1).Format("2006-01-02"),
		now.AddDate(0, 0, 1).Format("2006-01-02"))
	if err != nil {
		t.Fatal(err)
	}
	return cal
}

func currentState(t *testing.T, f *fixture) *Directive {
	t.Helper()
	d, err := f.store.Current(context.Background(), f.deviceID)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestEngine_DefaultStateIsActive(t *testing.T) {
	f := newFixture(t, fixtureOpts{quota: 240})
	f.snaps.setScreenTime(f.childID, 30)

	if err := f.engine.EvaluateDevice(context.Background(), f.deviceID); err != nil {
		t.Fatal(err)
	}

	d := currentState(t, f)
	if d == nil || d.State != StateActive {
		t.Fatalf("state = %+v, want ACTIVE", d)
	}
	if d.Action != ActionAllow {
		t.Errorf("action = %v, want allow", d.Action)
	}
}

func TestEngine_QuotaExceeded(t *testing.T) {
	f := newFixture(t, fixtureOpts{quota: 240})
	f.snaps.setScreenTime(f.childID, 241)

	if err := f.engine.EvaluateDevice(context.Background(), f.deviceID); err != nil {
		t.Fatal(err)
	}

	d := currentState(t, f)
	if d.State != StateQuotaExceeded || d.Reason != ReasonDailyQuota {
		t.Fatalf("got %v/%v, want QUOTA_EXCEEDED/daily_quota", d.State, d.Reason)
	}
	if d.Action != ActionLock {
		t.Errorf("action = %v, want lock", d.Action)
	}
}

func TestEngine_RamadanReducesQuota(t *testing.T) {
	f := newFixture(t, fixtureOpts{quota: 240, ramadanOn: true, ramadan: alwaysRamadan(t)})

	// 150 min is under the normal 240 but over the halved 120.
	f.snaps.setScreenTime(f.childID, 150)
	if err := f.engine.EvaluateDevice(context.Background(), f.deviceID); err != nil {
		t.Fatal(err)
	}
	d := currentState(t, f)
	if d.State != StateQuotaExceeded || d.Reason != ReasonRamadanQuota {
		t.Fatalf("got %v/%v, want QUOTA_EXCEEDED/ramadan_quota", d.State, d.Reason)
	}
	if d.EffectiveQuotaMinutes != 120 {
		t.Errorf("effective quota = %d, want 120", d.EffectiveQuotaMinutes)
	}
}

func TestEngine_RamadanRestrictedUnderReducedQuota(t *testing.T) {
	f := newFixture(t, fixtureOpts{quota: 240, ramadanOn: true, ramadan: alwaysRamadan(t)})

	f.snaps.setScreenTime(f.childID, 30)
	if err := f.engine.EvaluateDevice(context.Background(), f.deviceID); err != nil {
		t.Fatal(err)
	}
	d := currentState(t, f)
	if d.State != StateRamadanRestricted {
		t.Fatalf("state = %v, want RAMADAN_RESTRICTED", d.State)
	}
	if d.Action != ActionRestrict || d.EffectiveQuotaMinutes != 120 {
		t.Errorf("action = %v quota = %d, want restrict/120", d.Action, d.EffectiveQuotaMinutes)
	}
}

func TestEngine_RamadanOffForChildWithoutMode(t *testing.T) {
	f := newFixture(t, fixtureOpts{quota: 240, ramadanOn: false, ramadan: alwaysRamadan(t)})

	f.snaps.setScreenTime(f.childID, 150)
	if err := f.engine.EvaluateDevice(context.Background(), f.deviceID); err != nil {
		t.Fatal(err)
	}
	if d := currentState(t, f); d.State != StateActive {
		t.Errorf("state = %v, want ACTIVE (Ramadan mode disabled for child)", d.State)
	}
}

func TestEngine_PrayerLock(t *testing.T) {
	// A window spanning the whole day guarantees "now" is inside it.
	f := newFixture(t, fixtureOpts{
		quota:      240,
		prayerLock: true,
		provider:   prayer.Static{Times: []string{"00:00"}, LockDuration: 24 * time.Hour},
	})
	f.snaps.setScreenTime(f.childID, 10)

	if err := f.engine.EvaluateDevice(context.Background(), f.deviceID); err != nil {
		t.Fatal(err)
	}

	d := currentState(t, f)
	if d.State != StatePrayerLocked {
		t.Fatalf("state = %v, want PRAYER_LOCKED", d.State)
	}
	if d.Until == nil {
		t.Error("prayer lock missing until timestamp")
	}
	if d.Reason != ReasonPrayerWindow+":Fajr" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestEngine_PrayerLockOverridesQuota(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		quota:      60,
		prayerLock: true,
		provider:   prayer.Static{Times: []string{"00:00"}, LockDuration: 24 * time.Hour},
	})
	f.snaps.setScreenTime(f.childID, 500)

	if err := f.engine.EvaluateDevice(context.Background(), f.deviceID); err != nil {
		t.Fatal(err)
	}
	if d := currentState(t, f); d.State != StatePrayerLocked {
		t.Errorf("state = %v, want PRAYER_LOCKED to win over quota", d.State)
	}
}

func TestEngine_ProviderDownDisablesPrayerLockOnly(t *testing.T) {
	f := newFixture(t, fixtureOpts{quota: 240, prayerLock: true, provider: downProvider{}})
	f.snaps.setScreenTime(f.childID, 10)

	if err := f.engine.EvaluateDevice(context.Background(), f.deviceID); err != nil {
		t.Fatalf("evaluation must not fail when the prayer provider is down: %v", err)
	}
	if d := currentState(t, f); d.State != StateActive {
		t.Errorf("state = %v, want ACTIVE with prayer rule skipped", d.State)
	}
}

func TestEngine_ManualLockOverridesAll(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		quota:      60,
		prayerLock: true,
		provider:   prayer.Static{Times: []string{"00:00"}, LockDuration: 24 * time.Hour},
	})
	f.snaps.setScreenTime(f.childID, 500)

	ctx := context.Background()
	if err := f.engine.Lock(ctx, f.deviceID, "gdn_aaaaaaaaaaaaaaaaaaaaaaaa"); err != nil {
		t.Fatal(err)
	}

	d := currentState(t, f)
	if d.State != StateManualLock || d.Reason != ReasonGuardianLock {
		t.Fatalf("got %v/%v, want MANUAL_LOCK/guardian_lock", d.State, d.Reason)
	}

	// Unlock releases the manual hold, but the prayer window still wins.
	if err := f.engine.Unlock(ctx, f.deviceID); err != nil {
		t.Fatal(err)
	}
	if d := currentState(t, f); d.State != StatePrayerLocked {
		t.Errorf("state after unlock = %v, want PRAYER_LOCKED", d.State)
	}
}

func TestEngine_SteadyStateIssuesNoDuplicates(t *testing.T) {
	f := newFixture(t, fixtureOpts{quota: 240})
	f.snaps.setScreenTime(f.childID, 30)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := f.engine.EvaluateDevice(ctx, f.deviceID); err != nil {
			t.Fatal(err)
		}
	}

	history, err := f.store.ListByDevice(ctx, f.deviceID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Errorf("directives issued = %d, want 1 (unchanged state re-issues nothing)", len(history))
	}
}

func TestEngine_TransitionSupersedesPrior(t *testing.T) {
	f := newFixture(t, fixtureOpts{quota: 240})
	ctx := context.Background()

	f.snaps.setScreenTime(f.childID, 30)
	if err := f.engine.EvaluateDevice(ctx, f.deviceID); err != nil {
		t.Fatal(err)
	}
	f.snaps.setScreenTime(f.childID, 300)
	if err := f.engine.EvaluateDevice(ctx, f.deviceID); err != nil {
		t.Fatal(err)
	}

	history, err := f.store.ListByDevice(ctx, f.deviceID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2", len(history))
	}

	active := 0
	for _, d := range history {
		if d.Current() {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active directives = %d, want exactly 1", active)
	}

	// Quota recovery path carries a restore reason.
	f.snaps.setScreenTime(f.childID, 0)
	if err := f.engine.EvaluateDevice(ctx, f.deviceID); err != nil {
		t.Fatal(err)
	}
	if d := currentState(t, f); d.State != StateActive || d.Reason != ReasonQuotaRestored {
		t.Errorf("got %v/%v, want ACTIVE/quota_restored", d.State, d.Reason)
	}
}

func TestEngine_RetiredDeviceSkipped(t *testing.T) {
	f := newFixture(t, fixtureOpts{quota: 240})
	ctx := context.Background()

	if err := f.children.RetireDevice(ctx, f.deviceID); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.EvaluateDevice(ctx, f.deviceID); err != nil {
		t.Fatal(err)
	}
	if d := currentState(t, f); d != nil {
		t.Errorf("retired device got directive %+v", d)
	}
}

func TestEngine_QuotaLockSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{quota: 30})

	// Usage timestamps carry the device's zone. Pinning that zone so the
	// test moment is midday keeps the whole session on today's side of
	// the child's midnight no matter when the test runs.
	utc := time.Now().UTC()
	secs := utc.Hour()*3600 + utc.Minute()*60 + utc.Second()
	loc := time.FixedZone("child", 12*3600-secs)
	now := time.Now().In(loc)

	events := ingest.NewMemoryEventStore()
	seed := []*ingest.UsageEvent{
		{ID: "evt_a", DeviceID: f.deviceID, ChildID: f.childID, Kind: ingest.KindAppLaunch,
			Seq: 1, Timestamp: now.Add(-2 * time.Hour), Payload: "app.games"},
		{ID: "evt_b", DeviceID: f.deviceID, ChildID: f.childID, Kind: ingest.KindAppClose,
			Seq: 2, Timestamp: now.Add(-1 * time.Hour), Payload: "app.games"},
	}
	for _, e := range seed {
		if err := events.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	// A fresh aggregator over the stored log models a process restart:
	// the hour of recorded usage must still count against the quota.
	agg := signal.NewAggregator(signal.Config{TickInterval: time.Minute}, f.children, events, slog.Default())
	defer agg.Stop()
	agg.Warm(f.childID)

	riskSvc := risk.NewService(risk.NewScorer(), agg, risk.NewMemoryHistoryStore(), slog.Default())
	prayers := prayer.NewService(prayer.Static{Times: []string{"03:00"}, LockDuration: time.Minute}, slog.Default())
	engine := NewEngine(Config{TickInterval: time.Minute, RamadanQuotaMultiplier: 0.5},
		f.children, agg, riskSvc, prayers, prayer.Calendar{}, f.store, slog.Default())

	if err := engine.EvaluateDevice(ctx, f.deviceID); err != nil {
		t.Fatal(err)
	}
	d := currentState(t, f)
	if d == nil || d.State != StateQuotaExceeded {
		t.Fatalf("state after restart = %+v, want QUOTA_EXCEEDED (60 recorded minutes over a 30 minute quota)", d)
	}
}

func TestEngine_MissingSnapshotSkipsQuotaRule(t *testing.T) {
	f := newFixture(t, fixtureOpts{quota: 240})

	// No snapshot at all: the child has no recorded events, so there is
	// no usage a quota could be measured against.
	if err := f.engine.EvaluateDevice(context.Background(), f.deviceID); err != nil {
		t.Fatal(err)
	}
	if d := currentState(t, f); d.State != StateActive {
		t.Errorf("state = %v, want ACTIVE on signal data gap", d.State)
	}
}

func TestMemoryStore_Acknowledge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDirectiveStore()

	first := &Directive{DeviceID: "dev_aaaaaaaaaaaaaaaaaaaaaaaa", ChildID: "chd_aaaaaaaaaaaaaaaaaaaaaaaa",
		State: StateActive, Action: ActionAllow, Reason: ReasonNormal}
	if err := store.Issue(ctx, first); err != nil {
		t.Fatal(err)
	}

	acked, err := store.Acknowledge(ctx, first.DeviceID, first.ID)
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if acked.AcknowledgedAt == nil {
		t.Error("ack timestamp not set")
	}

	second := &Directive{DeviceID: first.DeviceID, ChildID: first.ChildID,
		State: StateManualLock, Action: ActionLock, Reason: ReasonGuardianLock}
	if err := store.Issue(ctx, second); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Acknowledge(ctx, first.DeviceID, first.ID); !errors.Is(err, ErrNotCurrent) {
		t.Errorf("ack of superseded directive: err = %v, want ErrNotCurrent", err)
	}
	if _, err := store.Acknowledge(ctx, first.DeviceID, "dir_ffffffffffffffffffffffff"); !errors.Is(err, ErrDirectiveNotFound) {
		t.Errorf("ack of unknown directive: err = %v, want ErrDirectiveNotFound", err)
	}
}
