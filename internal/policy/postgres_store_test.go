//go:build integration

package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/noorguard/engine/internal/testutil"
)

func TestPostgresDirectives_IssueAndCurrent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresDirectiveStore(db)
	ctx := context.Background()

	d := &Directive{
		DeviceID: "dev_aaaaaaaaaaaaaaaaaaaaaaaa",
		ChildID:  "chd_aaaaaaaaaaaaaaaaaaaaaaaa",
		State:    StateActive,
		Action:   ActionAllow,
		Reason:   ReasonNormal,
	}
	if err := store.Issue(ctx, d); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if d.ID == "" {
		t.Fatal("Issue did not assign an id")
	}
	if d.IssuedAt.IsZero() {
		t.Error("Issue did not stamp IssuedAt")
	}

	got, err := store.Current(ctx, d.DeviceID)
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if got == nil {
		t.Fatal("Current returned nil for device with a directive")
	}
	if got.ID != d.ID {
		t.Errorf("Current id: got %s, want %s", got.ID, d.ID)
	}
	if got.State != StateActive {
		t.Errorf("State: got %s, want ACTIVE", got.State)
	}
	if got.SupersededAt != nil {
		t.Error("fresh directive should not be superseded")
	}
}

func TestPostgresDirectives_IssueSupersedes(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresDirectiveStore(db)
	ctx := context.Background()
	deviceID := "dev_bbbbbbbbbbbbbbbbbbbbbbbb"

	first := &Directive{
		DeviceID: deviceID,
		ChildID:  "chd_bbbbbbbbbbbbbbbbbbbbbbbb",
		State:    StateActive,
		Action:   ActionAllow,
		Reason:   ReasonNormal,
	}
	if err := store.Issue(ctx, first); err != nil {
		t.Fatalf("Issue first failed: %v", err)
	}

	until := time.Now().Add(20 * time.Minute).UTC().Truncate(time.Second)
	second := &Directive{
		DeviceID: deviceID,
		ChildID:  "chd_bbbbbbbbbbbbbbbbbbbbbbbb",
		State:    StatePrayerLocked,
		Action:   ActionLock,
		Reason:   ReasonPrayerWindow,
		Until:    &until,
	}
	if err := store.Issue(ctx, second); err != nil {
		t.Fatalf("Issue second failed: %v", err)
	}

	got, err := store.Current(ctx, deviceID)
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("Current id: got %s, want %s", got.ID, second.ID)
	}
	if got.Until == nil || !got.Until.Equal(until) {
		t.Errorf("Until: got %v, want %v", got.Until, until)
	}

	old, err := store.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get first failed: %v", err)
	}
	if old.SupersededAt == nil {
		t.Error("first directive should be superseded after second Issue")
	}

	hist, err := store.ListByDevice(ctx, deviceID, 10)
	if err != nil {
		t.Fatalf("ListByDevice failed: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history length: got %d, want 2", len(hist))
	}
	if hist[0].ID != second.ID {
		t.Errorf("history not newest-first: got %s first", hist[0].ID)
	}
}

func TestPostgresDirectives_Acknowledge(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresDirectiveStore(db)
	ctx := context.Background()
	deviceID := "dev_cccccccccccccccccccccccc"

	d := &Directive{
		DeviceID: deviceID,
		ChildID:  "chd_cccccccccccccccccccccccc",
		State:    StateQuotaExceeded,
		Action:   ActionLock,
		Reason:   ReasonDailyQuota,
	}
	if err := store.Issue(ctx, d); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	acked, err := store.Acknowledge(ctx, deviceID, d.ID)
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if acked.AcknowledgedAt == nil {
		t.Fatal("Acknowledge did not stamp AcknowledgedAt")
	}
	firstAck := *acked.AcknowledgedAt

	// Acks are idempotent: the first timestamp sticks.
	again, err := store.Acknowledge(ctx, deviceID, d.ID)
	if err != nil {
		t.Fatalf("second Acknowledge failed: %v", err)
	}
	if !again.AcknowledgedAt.Equal(firstAck) {
		t.Errorf("repeat ack moved timestamp: got %v, want %v", again.AcknowledgedAt, firstAck)
	}

	if _, err := store.Acknowledge(ctx, deviceID, "dir_000000000000000000000000"); !errors.Is(err, ErrDirectiveNotFound) {
		t.Errorf("unknown id: got %v, want ErrDirectiveNotFound", err)
	}

	next := &Directive{
		DeviceID: deviceID,
		ChildID:  "chd_cccccccccccccccccccccccc",
		State:    StateActive,
		Action:   ActionAllow,
		Reason:   ReasonQuotaRestored,
	}
	if err := store.Issue(ctx, next); err != nil {
		t.Fatalf("Issue next failed: %v", err)
	}
	if _, err := store.Acknowledge(ctx, deviceID, d.ID); !errors.Is(err, ErrNotCurrent) {
		t.Errorf("superseded ack: got %v, want ErrNotCurrent", err)
	}
}

func TestPostgresDirectives_ManualLock(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresDirectiveStore(db)
	ctx := context.Background()
	deviceID := "dev_dddddddddddddddddddddddd"

	lock, err := store.GetManualLock(ctx, deviceID)
	if err != nil {
		t.Fatalf("GetManualLock failed: %v", err)
	}
	if lock != nil {
		t.Fatal("expected no lock for fresh device")
	}

	if err := store.SetManualLock(ctx, deviceID, &ManualLock{
		DeviceID: deviceID,
		LockedBy: "grd_dddddddddddddddddddddddd",
	}); err != nil {
		t.Fatalf("SetManualLock failed: %v", err)
	}

	lock, err = store.GetManualLock(ctx, deviceID)
	if err != nil {
		t.Fatalf("GetManualLock failed: %v", err)
	}
	if lock == nil {
		t.Fatal("expected lock after SetManualLock")
	}
	if lock.LockedBy != "grd_dddddddddddddddddddddddd" {
		t.Errorf("LockedBy: got %s", lock.LockedBy)
	}
	if lock.LockedAt.IsZero() {
		t.Error("SetManualLock did not stamp LockedAt")
	}

	// Re-locking by another guardian overwrites.
	if err := store.SetManualLock(ctx, deviceID, &ManualLock{
		DeviceID: deviceID,
		LockedBy: "grd_eeeeeeeeeeeeeeeeeeeeeeee",
	}); err != nil {
		t.Fatalf("SetManualLock overwrite failed: %v", err)
	}
	lock, _ = store.GetManualLock(ctx, deviceID)
	if lock.LockedBy != "grd_eeeeeeeeeeeeeeeeeeeeeeee" {
		t.Errorf("LockedBy after overwrite: got %s", lock.LockedBy)
	}

	if err := store.SetManualLock(ctx, deviceID, nil); err != nil {
		t.Fatalf("clear lock failed: %v", err)
	}
	lock, err = store.GetManualLock(ctx, deviceID)
	if err != nil {
		t.Fatalf("GetManualLock after clear failed: %v", err)
	}
	if lock != nil {
		t.Error("expected lock cleared")
	}
}
