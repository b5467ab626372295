package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noorguard/engine/internal/policy"
	"github.com/noorguard/engine/internal/registry"
)

type fixture struct {
	svc      *Service
	store    *policy.MemoryDirectiveStore
	devices  registry.Store
	deviceID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	devices := registry.NewMemoryStore()
	g := &registry.Guardian{Name: "G", Email: "g@example.com"}
	if err := devices.CreateGuardian(ctx, g); err != nil {
		t.Fatal(err)
	}
	c := &registry.Child{GuardianID: g.ID, Name: "C", FilterLevel: registry.FilterModerate}
	if err := devices.CreateChild(ctx, c); err != nil {
		t.Fatal(err)
	}
	d := &registry.Device{ChildID: c.ID, Name: "Tablet", Platform: "android"}
	if err := devices.CreateDevice(ctx, d); err != nil {
		t.Fatal(err)
	}

	store := policy.NewMemoryDirectiveStore()
	return &fixture{
		svc:      NewService(store, devices, time.Second),
		store:    store,
		devices:  devices,
		deviceID: d.ID,
	}
}

func (f *fixture) issue(t *testing.T, state policy.State) *policy.Directive {
	t.Helper()
	d := &policy.Directive{
		DeviceID: f.deviceID,
		ChildID:  "chd_aaaaaaaaaaaaaaaaaaaaaaaa",
		State:    state,
		Action:   policy.ActionLock,
		Reason:   policy.ReasonGuardianLock,
	}
	if err := f.store.Issue(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestService_CurrentDirective(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.svc.CurrentDirective(ctx, f.deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Errorf("directive before issue = %+v, want nil", d)
	}

	issued := f.issue(t, policy.StateManualLock)
	d, err = f.svc.CurrentDirective(ctx, f.deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.ID != issued.ID {
		t.Errorf("current = %+v, want %s", d, issued.ID)
	}
}

func TestService_AcknowledgeClearsUnresponsive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued := f.issue(t, policy.StateManualLock)
	if err := f.devices.SetUnresponsive(ctx, f.deviceID, true); err != nil {
		t.Fatal(err)
	}

	acked, err := f.svc.Acknowledge(ctx, f.deviceID, issued.ID)
	if err != nil {
		t.Fatal(err)
	}
	if acked.AcknowledgedAt == nil {
		t.Error("ack timestamp missing")
	}

	dev, err := f.devices.GetDevice(ctx, f.deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Unresponsive {
		t.Error("ack did not clear unresponsive flag")
	}
	if dev.LastSeenAt == nil {
		t.Error("ack did not update last seen")
	}
}

func TestService_AcknowledgeSuperseded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.issue(t, policy.StateManualLock)
	f.issue(t, policy.StateActive)

	if _, err := f.svc.Acknowledge(ctx, f.deviceID, stale.ID); !errors.Is(err, policy.ErrNotCurrent) {
		t.Errorf("err = %v, want ErrNotCurrent", err)
	}
}

func TestService_HeartbeatTouchesAndReturnsDirective(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued := f.issue(t, policy.StateManualLock)
	d, err := f.svc.Heartbeat(ctx, f.deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.ID != issued.ID {
		t.Errorf("heartbeat directive = %+v, want %s", d, issued.ID)
	}

	dev, err := f.devices.GetDevice(ctx, f.deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if dev.LastSeenAt == nil {
		t.Error("heartbeat did not update last seen")
	}
}

func TestService_HeartbeatKeepsUnresponsiveFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued := f.issue(t, policy.StateManualLock)
	if err := f.devices.SetUnresponsive(ctx, f.deviceID, true); err != nil {
		t.Fatal(err)
	}

	// Polling without acking proves liveness, not compliance.
	if _, err := f.svc.Heartbeat(ctx, f.deviceID); err != nil {
		t.Fatal(err)
	}
	dev, err := f.devices.GetDevice(ctx, f.deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if !dev.Unresponsive {
		t.Error("heartbeat cleared unresponsive flag without an ack")
	}
	if dev.LastSeenAt == nil {
		t.Error("heartbeat did not update last seen")
	}

	if _, err := f.svc.Acknowledge(ctx, f.deviceID, issued.ID); err != nil {
		t.Fatal(err)
	}
	dev, err = f.devices.GetDevice(ctx, f.deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Unresponsive {
		t.Error("ack did not clear unresponsive flag")
	}
}

func TestSweeper_FlagsOverdueDevices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.issue(t, policy.StateManualLock)

	sweeper := NewSweeper(f.store, f.devices, time.Nanosecond, slog.Default())
	time.Sleep(time.Millisecond) // directive age must exceed the grace period
	sweeper.Sweep(ctx)

	dev, err := f.devices.GetDevice(ctx, f.deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if !dev.Unresponsive {
		t.Error("overdue device not flagged unresponsive")
	}
}

func TestSweeper_AckedDirectiveNotFlagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.issue(t, policy.StateManualLock)
	if _, err := f.svc.Acknowledge(ctx, f.deviceID, d.ID); err != nil {
		t.Fatal(err)
	}

	sweeper := NewSweeper(f.store, f.devices, time.Nanosecond, slog.Default())
	time.Sleep(time.Millisecond)
	sweeper.Sweep(ctx)

	dev, err := f.devices.GetDevice(ctx, f.deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Unresponsive {
		t.Error("acked device flagged unresponsive")
	}
}

func setupRouter(t *testing.T, f *fixture) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(f.svc, f.devices).RegisterRoutes(r.Group("/v1"))
	return r
}

func TestHeartbeatHandler(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(t, f)
	issued := f.issue(t, policy.StateManualLock)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/devices/"+f.deviceID+"/heartbeat", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Directive *policy.Directive `json:"directive"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Directive == nil || resp.Directive.ID != issued.ID {
		t.Errorf("heartbeat returned %+v, want directive %s", resp.Directive, issued.ID)
	}
}

func TestAckHandler_Superseded(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(t, f)

	stale := f.issue(t, policy.StateManualLock)
	f.issue(t, policy.StateActive)

	body := strings.NewReader(`{"directiveId":"` + stale.ID + `"}`)
	req := httptest.NewRequest("POST", "/v1/devices/"+f.deviceID+"/directive/ack", body)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body = %s", w.Code, w.Body.String())
	}
}

func TestGetDirectiveHandler_UnknownDevice(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(t, f)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/devices/dev_ffffffffffffffffffffffff/directive", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
