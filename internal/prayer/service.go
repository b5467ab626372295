package prayer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// cacheKey identifies one location-day of prayer windows.
type cacheKey struct {
	city    string
	country string
	day     string // "2006-01-02"
}

// Service caches provider results per location and day. On provider
// failure it serves the cached day if one exists, so a flaky upstream
// costs latency, not prayer locks.
type Service struct {
	provider Provider
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[cacheKey][]Window
}

// NewService creates a caching prayer service.
func NewService(provider Provider, logger *slog.Logger) *Service {
	return &Service{
		provider: provider,
		logger:   logger,
		cache:    make(map[cacheKey][]Window),
	}
}

// Windows returns the prayer windows for a location on t's day.
func (s *Service) Windows(ctx context.Context, city, country string, t time.Time) ([]Window, error) {
	key := cacheKey{city: city, country: country, day: t.Format("2006-01-02")}

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	windows, err := s.provider.Windows(ctx, city, country, t)
	if err != nil {
		s.logger.Warn("prayer provider fetch failed",
			"city", city, "country", country, "error", err)
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = windows
	s.mu.Unlock()
	return windows, nil
}

// ActiveWindow returns the window containing t for a location, if any.
// A provider failure is reported as (zero, false, err); callers treat it
// as "no lock" and keep going.
func (s *Service) ActiveWindow(ctx context.Context, city, country string, t time.Time) (Window, bool, error) {
	windows, err := s.Windows(ctx, city, country, t)
	if err != nil {
		return Window{}, false, err
	}
	w, ok := Active(windows, t)
	return w, ok, nil
}

// Refresh warms the cache for a location for today and tomorrow, and
// drops entries older than yesterday. Called by the daily refresh loop.
func (s *Service) Refresh(ctx context.Context, city, country string, now time.Time) {
	for _, day := range []time.Time{now, now.Add(24 * time.Hour)} {
		if _, err := s.Windows(ctx, city, country, day); err != nil {
			s.logger.Warn("prayer cache refresh failed",
				"city", city, "country", country, "day", day.Format("2006-01-02"), "error", err)
		}
	}

	cutoff := now.Add(-24 * time.Hour).Format("2006-01-02")
	s.mu.Lock()
	for key := range s.cache {
		if key.day < cutoff {
			delete(s.cache, key)
		}
	}
	s.mu.Unlock()
}
