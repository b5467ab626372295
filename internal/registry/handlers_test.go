package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	h := NewHandler(store, Defaults{
		FilterLevel:       FilterModerate,
		DailyQuotaMinutes: 240,
		NightStart:        "23:00",
		NightEnd:          "05:00",
	})
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r, store
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateGuardianHandler(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(t, r, "POST", "/v1/guardians", gin.H{
		"name": "Aisha", "email": "aisha@example.com", "timezone": "Asia/Dubai",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var g Guardian
	if err := json.Unmarshal(w.Body.Bytes(), &g); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if g.ID == "" || g.Email != "aisha@example.com" {
		t.Errorf("unexpected guardian: %+v", g)
	}

	// Duplicate email conflicts.
	w = doJSON(t, r, "POST", "/v1/guardians", gin.H{"name": "X", "email": "aisha@example.com"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate email status = %d", w.Code)
	}
}

func TestCreateChildHandler_Defaults(t *testing.T) {
	r, store := setupRouter(t)

	g := &Guardian{Name: "Omar", Email: "omar@example.com"}
	if err := store.CreateGuardian(context.Background(), g); err != nil {
		t.Fatalf("CreateGuardian: %v", err)
	}

	w := doJSON(t, r, "POST", "/v1/guardians/"+g.ID+"/children", gin.H{"name": "Zainab"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var child Child
	if err := json.Unmarshal(w.Body.Bytes(), &child); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if child.FilterLevel != FilterModerate {
		t.Errorf("default filter = %s", child.FilterLevel)
	}
	if child.DailyQuotaMinutes != 240 {
		t.Errorf("default quota = %d", child.DailyQuotaMinutes)
	}
	if !child.AutoLockDuringPrayer {
		t.Error("prayer auto-lock should default on")
	}
	if child.NightStart != "23:00" || child.NightEnd != "05:00" {
		t.Errorf("night window = %s-%s", child.NightStart, child.NightEnd)
	}
}

func TestPairDeviceHandler(t *testing.T) {
	r, store := setupRouter(t)
	ctx := context.Background()

	g := &Guardian{Name: "Omar", Email: "omar@example.com"}
	if err := store.CreateGuardian(ctx, g); err != nil {
		t.Fatal(err)
	}
	child := &Child{GuardianID: g.ID, Name: "Zainab", FilterLevel: FilterModerate}
	if err := store.CreateChild(ctx, child); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, r, "POST", "/v1/children/"+child.ID+"/pairing", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("pairing status = %d, body = %s", w.Code, w.Body.String())
	}
	var pc PairingCode
	if err := json.Unmarshal(w.Body.Bytes(), &pc); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = doJSON(t, r, "POST", "/v1/devices/pair", gin.H{
		"code": pc.Code, "name": "Family tablet", "platform": "android",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("pair status = %d, body = %s", w.Code, w.Body.String())
	}
	var d Device
	if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.ChildID != child.ID {
		t.Errorf("paired child = %s, want %s", d.ChildID, child.ID)
	}

	// Reusing the code conflicts.
	w = doJSON(t, r, "POST", "/v1/devices/pair", gin.H{
		"code": pc.Code, "name": "Other", "platform": "ios",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("reused code status = %d", w.Code)
	}
}

func TestRetireDeviceHandler(t *testing.T) {
	r, store := setupRouter(t)
	ctx := context.Background()

	g := &Guardian{Name: "Omar", Email: "omar@example.com"}
	if err := store.CreateGuardian(ctx, g); err != nil {
		t.Fatal(err)
	}
	child := &Child{GuardianID: g.ID, Name: "Z", FilterLevel: FilterModerate}
	if err := store.CreateChild(ctx, child); err != nil {
		t.Fatal(err)
	}
	d := &Device{ChildID: child.ID, Name: "Tablet", Platform: "android"}
	if err := store.CreateDevice(ctx, d); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, r, "POST", "/v1/devices/"+d.ID+"/retire", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("retire status = %d", w.Code)
	}
	w = doJSON(t, r, "POST", "/v1/devices/"+d.ID+"/retire", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second retire status = %d", w.Code)
	}

	w = doJSON(t, r, "GET", "/v1/devices/dev_000000000000000000000000", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing device status = %d", w.Code)
	}
}
