package risk

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noorguard/engine/internal/registry"
	"github.com/noorguard/engine/internal/signal"
)

func setupRiskRouter(t *testing.T, snaps *stubSnapshots) (*gin.Engine, string, *MemoryHistoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	children := registry.NewMemoryStore()
	g := &registry.Guardian{Name: "G", Email: "g@example.com"}
	if err := children.CreateGuardian(ctx, g); err != nil {
		t.Fatal(err)
	}
	c := &registry.Child{GuardianID: g.ID, Name: "C", FilterLevel: registry.FilterModerate}
	if err := children.CreateChild(ctx, c); err != nil {
		t.Fatal(err)
	}

	store := NewMemoryHistoryStore()
	svc := NewService(NewScorer(), snaps, store, slog.Default())
	h := NewHandler(svc, children)

	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r, c.ID, store
}

func TestGetRiskHandler(t *testing.T) {
	now := time.Now()
	snaps := &stubSnapshots{snaps: map[string]*signal.Snapshot{}}
	r, childID, _ := setupRiskRouter(t, snaps)

	snaps.snaps[childID] = snap(childID,
		map[string]float64{signal.BlockedAttempts24h: 10},
		map[string]time.Time{signal.BlockedAttempts24h: now})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/children/"+childID+"/risk", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Risk          *Score `json:"risk"`
		HistoryCursor string `json:"historyCursor"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Risk == nil || resp.Risk.Band == BandLow {
		t.Errorf("unexpected risk response: %s", w.Body.String())
	}
	if resp.HistoryCursor == "" {
		t.Error("missing history cursor")
	}
}

func TestGetRiskHandler_UnknownChild(t *testing.T) {
	r, _, _ := setupRiskRouter(t, &stubSnapshots{snaps: map[string]*signal.Snapshot{}})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/children/chd_ffffffffffffffffffffffff/risk", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestGetRiskHandler_NoDataYet(t *testing.T) {
	r, childID, _ := setupRiskRouter(t, &stubSnapshots{snaps: map[string]*signal.Snapshot{}})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/children/"+childID+"/risk", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		DataGap bool `json:"dataGap"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.DataGap {
		t.Errorf("expected dataGap badge, got %s", w.Body.String())
	}
}

func TestGetRiskHistoryHandler(t *testing.T) {
	r, childID, store := setupRiskRouter(t, &stubSnapshots{snaps: map[string]*signal.Snapshot{}})

	ctx := context.Background()
	for i, score := range []float64{10, 30, 60} {
		s := &Sample{ChildID: childID, Score: score, Band: BandFor(score), Dominant: signal.BlockedAttempts24h}
		s.CreatedAt = time.Now().Add(time.Duration(i-3) * time.Hour)
		if err := store.Append(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/children/"+childID+"/risk/history?limit=2", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Samples []*Sample `json:"samples"`
		Count   int       `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
	if len(resp.Samples) == 2 && resp.Samples[0].CreatedAt.Before(resp.Samples[1].CreatedAt) {
		t.Error("samples not newest-first")
	}
}
