package prayer

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

// countingProvider fails after the first success so cache behavior is visible.
type countingProvider struct {
	inner Provider
	calls int
	fail  bool
}

func (c *countingProvider) Windows(ctx context.Context, city, country string, date time.Time) ([]Window, error) {
	c.calls++
	if c.fail {
		return nil, ErrProviderUnavailable
	}
	return c.inner.Windows(ctx, city, country, date)
}

func TestServiceCachesPerDay(t *testing.T) {
	cp := &countingProvider{inner: Static{Times: []string{"05:00", "12:00", "15:30", "18:00", "19:30"}}}
	svc := NewService(cp, slog.Default())
	ctx := context.Background()

	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if _, err := svc.Windows(ctx, "Riyadh", "SA", day); err != nil {
		t.Fatalf("Windows: %v", err)
	}
	if _, err := svc.Windows(ctx, "Riyadh", "SA", day.Add(2*time.Hour)); err != nil {
		t.Fatalf("Windows: %v", err)
	}
	if cp.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (same day cached)", cp.calls)
	}

	// Next day misses the cache.
	if _, err := svc.Windows(ctx, "Riyadh", "SA", day.Add(24*time.Hour)); err != nil {
		t.Fatalf("Windows: %v", err)
	}
	if cp.calls != 2 {
		t.Errorf("provider calls = %d, want 2", cp.calls)
	}
}

func TestServiceServesCacheWhenProviderDown(t *testing.T) {
	cp := &countingProvider{inner: Static{Times: []string{"05:00", "12:00", "15:30", "18:00", "19:30"}}}
	svc := NewService(cp, slog.Default())
	ctx := context.Background()

	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if _, err := svc.Windows(ctx, "Riyadh", "SA", day); err != nil {
		t.Fatalf("warm fetch: %v", err)
	}

	cp.fail = true
	windows, err := svc.Windows(ctx, "Riyadh", "SA", day.Add(time.Hour))
	if err != nil {
		t.Fatalf("cached read should not hit provider: %v", err)
	}
	if len(windows) != 5 {
		t.Errorf("cached windows = %d", len(windows))
	}

	// Uncached location surfaces the provider error.
	if _, err := svc.Windows(ctx, "Cairo", "EG", day); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestServiceActiveWindow(t *testing.T) {
	svc := NewService(Static{
		Times:        []string{"05:00", "12:00", "15:30", "18:00", "19:30"},
		LockDuration: 20 * time.Minute,
	}, slog.Default())

	at := time.Date(2026, 3, 10, 18, 5, 0, 0, time.UTC)
	w, ok, err := svc.ActiveWindow(context.Background(), "Riyadh", "SA", at)
	if err != nil || !ok {
		t.Fatalf("ActiveWindow: %v %v", ok, err)
	}
	if w.Name != "Maghrib" {
		t.Errorf("active = %s, want Maghrib", w.Name)
	}
}

func TestServiceRefreshPrunes(t *testing.T) {
	cp := &countingProvider{inner: Static{Times: []string{"05:00", "12:00", "15:30", "18:00", "19:30"}}}
	svc := NewService(cp, slog.Default())
	ctx := context.Background()

	old := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if _, err := svc.Windows(ctx, "Riyadh", "SA", old); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc.Refresh(ctx, "Riyadh", "SA", now)

	svc.mu.RLock()
	defer svc.mu.RUnlock()
	if len(svc.cache) != 2 {
		t.Errorf("cache entries = %d, want 2 (today+tomorrow, old pruned)", len(svc.cache))
	}
}
