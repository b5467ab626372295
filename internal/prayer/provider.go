package prayer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/noorguard/engine/internal/circuitbreaker"
	"github.com/noorguard/engine/internal/metrics"
	"github.com/noorguard/engine/internal/retry"
	"github.com/noorguard/engine/internal/security"
)

// HTTPProvider fetches prayer times from an AlAdhan-compatible API
// (GET {base}/v1/timingsByCity?city=...&country=...&date=DD-MM-YYYY).
type HTTPProvider struct {
	baseURL      string
	lockDuration time.Duration
	client       *http.Client
	breaker      *circuitbreaker.Breaker
}

// NewHTTPProvider validates the base URL and builds a provider.
// The URL check blocks private and loopback targets.
func NewHTTPProvider(baseURL string, lockDuration time.Duration) (*HTTPProvider, error) {
	if err := security.ValidateEndpointURL(baseURL); err != nil {
		return nil, fmt.Errorf("prayer provider URL rejected: %w", err)
	}
	if lockDuration <= 0 {
		lockDuration = 20 * time.Minute
	}
	return &HTTPProvider{
		baseURL:      strings.TrimRight(baseURL, "/"),
		lockDuration: lockDuration,
		client:       &http.Client{Timeout: 10 * time.Second},
		breaker:      circuitbreaker.New(3, 2*time.Minute),
	}, nil
}

// timingsResponse is the subset of the AlAdhan payload we read.
type timingsResponse struct {
	Data struct {
		Timings map[string]string `json:"timings"`
	} `json:"data"`
}

// Windows implements Provider. Fetches are retried with backoff; repeated
// failures trip a per-location circuit so a dead provider does not stall
// every policy tick.
func (p *HTTPProvider) Windows(ctx context.Context, city, country string, date time.Time) ([]Window, error) {
	key := strings.ToLower(city + "," + country)
	if !p.breaker.Allow(key) {
		metrics.PrayerProviderRequestsTotal.WithLabelValues("circuit_open").Inc()
		return nil, ErrProviderUnavailable
	}

	var timings map[string]string
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		var err error
		timings, err = p.fetch(ctx, city, country, date)
		return err
	})
	if err != nil {
		p.breaker.RecordFailure(key)
		metrics.PrayerProviderRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	p.breaker.RecordSuccess(key)
	metrics.PrayerProviderRequestsTotal.WithLabelValues("ok").Inc()

	windows := make([]Window, 0, len(Names))
	for _, name := range Names {
		hm, ok := timings[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s timing", ErrProviderUnavailable, name)
		}
		// Some providers append a timezone suffix ("05:01 (+03)").
		if i := strings.IndexByte(hm, ' '); i > 0 {
			hm = hm[:i]
		}
		start, err := atClock(date, hm)
		if err != nil {
			return nil, fmt.Errorf("%w: bad %s timing %q", ErrProviderUnavailable, name, hm)
		}
		windows = append(windows, Window{Name: name, Start: start, End: start.Add(p.lockDuration)})
	}
	return windows, nil
}

func (p *HTTPProvider) fetch(ctx context.Context, city, country string, date time.Time) (map[string]string, error) {
	u := fmt.Sprintf("%s/v1/timingsByCity?city=%s&country=%s&date=%s",
		p.baseURL, url.QueryEscape(city), url.QueryEscape(country), date.Format("02-01-2006"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prayer times: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
		// Unknown city is not going to fix itself on retry.
		return nil, retry.Permanent(fmt.Errorf("prayer API returned status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prayer API returned status %d", resp.StatusCode)
	}

	var result timingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode prayer response: %w", err)
	}
	if len(result.Data.Timings) == 0 {
		return nil, fmt.Errorf("prayer API returned no timings")
	}
	return result.Data.Timings, nil
}
