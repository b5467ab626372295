package registry

import (
	"context"
	"testing"
	"time"
)

func newTestChild(t *testing.T, store *MemoryStore) *Child {
	t.Helper()
	ctx := context.Background()

	g := &Guardian{Name: "Fatima", Email: "fatima@example.com", Timezone: "Asia/Riyadh"}
	if err := store.CreateGuardian(ctx, g); err != nil {
		t.Fatalf("CreateGuardian: %v", err)
	}

	c := &Child{
		GuardianID:        g.ID,
		Name:              "Yusuf",
		FilterLevel:       FilterStrict,
		DailyQuotaMinutes: 240,
		NightStart:        "21:00",
		NightEnd:          "06:00",
	}
	if err := store.CreateChild(ctx, c); err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	return c
}

func TestCreateGuardian_DuplicateEmail(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	g := &Guardian{Name: "Ali", Email: "Ali@Example.com"}
	if err := store.CreateGuardian(ctx, g); err != nil {
		t.Fatalf("CreateGuardian: %v", err)
	}
	if g.Email != "ali@example.com" {
		t.Errorf("email not normalized: %s", g.Email)
	}

	dup := &Guardian{Name: "Other", Email: "ALI@example.com"}
	if err := store.CreateGuardian(ctx, dup); err != ErrEmailExists {
		t.Errorf("expected ErrEmailExists, got %v", err)
	}
}

func TestCreateChild_UnknownGuardian(t *testing.T) {
	store := NewMemoryStore()
	c := &Child{GuardianID: "grd_missing", Name: "X", FilterLevel: FilterModerate}
	if err := store.CreateChild(context.Background(), c); err != ErrGuardianNotFound {
		t.Errorf("expected ErrGuardianNotFound, got %v", err)
	}
}

func TestCreateChild_InvalidFilter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	g := &Guardian{Name: "A", Email: "a@b.com"}
	if err := store.CreateGuardian(ctx, g); err != nil {
		t.Fatalf("CreateGuardian: %v", err)
	}

	c := &Child{GuardianID: g.ID, Name: "X", FilterLevel: "extreme"}
	if err := store.CreateChild(ctx, c); err != ErrInvalidFilter {
		t.Errorf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestUpdateChild_PreservesCreatedAt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	child := newTestChild(t, store)
	created := child.CreatedAt

	child.DailyQuotaMinutes = 120
	child.RamadanMode = true
	if err := store.UpdateChild(ctx, child); err != nil {
		t.Fatalf("UpdateChild: %v", err)
	}

	got, err := store.GetChild(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetChild: %v", err)
	}
	if got.DailyQuotaMinutes != 120 || !got.RamadanMode {
		t.Errorf("update not applied: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt changed on update")
	}
}

func TestDeviceLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	child := newTestChild(t, store)

	d := &Device{ChildID: child.ID, Name: "Yusuf's tablet", Platform: "android"}
	if err := store.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if d.Status != DeviceActive {
		t.Errorf("new device status = %s, want active", d.Status)
	}

	seen := time.Now()
	if err := store.TouchDevice(ctx, d.ID, seen); err != nil {
		t.Fatalf("TouchDevice: %v", err)
	}
	got, _ := store.GetDevice(ctx, d.ID)
	if got.LastSeenAt == nil || !got.LastSeenAt.Equal(seen) {
		t.Errorf("LastSeenAt not recorded")
	}

	if err := store.SetUnresponsive(ctx, d.ID, true); err != nil {
		t.Fatalf("SetUnresponsive: %v", err)
	}
	got, _ = store.GetDevice(ctx, d.ID)
	if !got.Unresponsive {
		t.Error("device not flagged unresponsive")
	}

	// Liveness alone does not clear the flag; only an explicit reset does.
	if err := store.TouchDevice(ctx, d.ID, time.Now()); err != nil {
		t.Fatalf("TouchDevice: %v", err)
	}
	got, _ = store.GetDevice(ctx, d.ID)
	if !got.Unresponsive {
		t.Error("unresponsive flag cleared by touch")
	}
	if err := store.SetUnresponsive(ctx, d.ID, false); err != nil {
		t.Fatalf("SetUnresponsive: %v", err)
	}
	got, _ = store.GetDevice(ctx, d.ID)
	if got.Unresponsive {
		t.Error("unresponsive flag not cleared")
	}

	if err := store.RetireDevice(ctx, d.ID); err != nil {
		t.Fatalf("RetireDevice: %v", err)
	}
	if err := store.RetireDevice(ctx, d.ID); err != ErrDeviceRetired {
		t.Errorf("expected ErrDeviceRetired on second retire, got %v", err)
	}

	active, _ := store.ListActiveDevices(ctx)
	if len(active) != 0 {
		t.Errorf("retired device still listed as active")
	}
}

func TestPairingCode_Claim(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	child := newTestChild(t, store)

	pc, err := store.CreatePairingCode(ctx, child.ID, PairingTTL)
	if err != nil {
		t.Fatalf("CreatePairingCode: %v", err)
	}
	if len(pc.Code) != 8 {
		t.Errorf("code length = %d, want 8", len(pc.Code))
	}

	claimed, err := store.ClaimPairingCode(ctx, pc.Code)
	if err != nil {
		t.Fatalf("ClaimPairingCode: %v", err)
	}
	if claimed.ChildID != child.ID {
		t.Errorf("claimed child = %s, want %s", claimed.ChildID, child.ID)
	}

	if _, err := store.ClaimPairingCode(ctx, pc.Code); err != ErrPairingUsed {
		t.Errorf("expected ErrPairingUsed on double claim, got %v", err)
	}
}

func TestPairingCode_Expired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	child := newTestChild(t, store)

	pc, err := store.CreatePairingCode(ctx, child.ID, -time.Minute)
	if err != nil {
		t.Fatalf("CreatePairingCode: %v", err)
	}
	if _, err := store.ClaimPairingCode(ctx, pc.Code); err != ErrPairingExpired {
		t.Errorf("expected ErrPairingExpired, got %v", err)
	}
}
