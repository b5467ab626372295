package signal

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/noorguard/engine/internal/ingest"
	"github.com/noorguard/engine/internal/registry"
)

// session is one open app usage interval awaiting its close event.
type session struct {
	app   string
	start time.Time
}

// worker exclusively owns one child's ring buffers. All mutation happens
// on the worker goroutine; readers only see published snapshots.
type worker struct {
	childID  string
	cfg      Config
	children registry.Store
	logger   *slog.Logger

	events chan *ingest.UsageEvent
	stop   chan struct{}
	done   chan struct{}

	// Rings: minute buckets for the 1h/24h windows, hour buckets for 7d.
	screen    *ring
	lateNight *ring
	blocked   *ring
	blocked7d *ring
	searches  *ring
	switches  *ring

	open         []session
	lastActivity map[string]time.Time

	// lastSeq tracks the highest applied sequence per device so a replay
	// overlapping already-applied events cannot double-count.
	lastSeq map[string]int64

	// loc is the device-local zone, taken from the most recent event's
	// timestamp. "Today" boundaries are the child's midnight, not the
	// server's.
	loc *time.Location

	nightStart int // minutes from midnight
	nightEnd   int

	snapshot atomic.Value // *Snapshot
}

func newWorker(childID string, cfg Config, children registry.Store, logger *slog.Logger) *worker {
	w := &worker{
		childID:      childID,
		cfg:          cfg,
		children:     children,
		logger:       logger,
		events:       make(chan *ingest.UsageEvent, 1024),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		screen:       newRing(25*time.Hour, time.Minute),
		lateNight:    newRing(25*time.Hour, time.Minute),
		blocked:      newRing(25*time.Hour, time.Minute),
		blocked7d:    newRing(7*24*time.Hour, time.Hour),
		searches:     newRing(25*time.Hour, time.Minute),
		switches:     newRing(2*time.Hour, time.Minute),
		lastActivity: make(map[string]time.Time),
		lastSeq:      make(map[string]int64),
		loc:          time.Local,
	}
	w.nightStart, w.nightEnd = parseWindow(cfg.NightStart, cfg.NightEnd)
	w.reloadChildConfig()
	w.publish(time.Now())
	return w
}

func (w *worker) run() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("signal worker panic", "child_id", w.childID,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case e := <-w.events:
			w.apply(e)
			w.publish(time.Now())
		case <-ticker.C:
			w.expireSessions(time.Now())
			w.reloadChildConfig()
			w.publish(time.Now())
		}
	}
}

func (w *worker) halt() {
	close(w.stop)
	<-w.done
}

// hydrateHorizon covers the longest ring window (blocked attempts, 7d).
const hydrateHorizon = 7 * 24 * time.Hour

// hydrate replays the durable event log through the rings. Without
// this a restart would publish empty snapshots and enforcement built
// on them (a quota lock in particular) would be released on the first
// evaluation after boot. Runs before the worker goroutine starts.
func (w *worker) hydrate(history History) {
	if history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	events, err := history.ByChild(ctx, w.childID, time.Now().Add(-hydrateHorizon))
	if err != nil {
		w.logger.Warn("signal worker hydration failed", "child_id", w.childID, "error", err)
		return
	}
	for _, e := range events {
		w.apply(e)
	}
	w.expireSessions(time.Now())
	w.publish(time.Now())
	if len(events) > 0 {
		w.logger.Info("signal worker hydrated", "child_id", w.childID, "events", len(events))
	}
}

// apply folds one event into the rings. Events that carry a sequence
// are deduplicated per device, so hydration and replays can overlap the
// live stream without double-counting.
func (w *worker) apply(e *ingest.UsageEvent) {
	if e.Seq > 0 {
		if last, ok := w.lastSeq[e.DeviceID]; ok && e.Seq <= last {
			return
		}
		w.lastSeq[e.DeviceID] = e.Seq
	}

	ts := e.Timestamp
	w.loc = ts.Location()
	switch e.Kind {
	case ingest.KindAppLaunch:
		w.switches.add(ts, 1)
		w.lastActivity[AppSwitches1h] = later(w.lastActivity[AppSwitches1h], ts)
		w.open = append(w.open, session{app: e.Payload, start: ts})

	case ingest.KindAppClose:
		w.closeSession(e.Payload, ts)

	case ingest.KindBlockedAttempt:
		w.blocked.add(ts, 1)
		w.blocked7d.add(ts, 1)
		w.lastActivity[BlockedAttempts24h] = later(w.lastActivity[BlockedAttempts24h], ts)
		w.lastActivity[BlockedAttempts7d] = later(w.lastActivity[BlockedAttempts7d], ts)

	case ingest.KindSearchTerm:
		w.searches.add(ts, 1)
		w.lastActivity[SearchTerms24h] = later(w.lastActivity[SearchTerms24h], ts)

	case ingest.KindOffline:
		// Going offline ends every open session at the offline instant.
		for _, s := range w.open {
			w.attributeUsage(s.start, ts)
		}
		w.open = w.open[:0]

	case ingest.KindOnline:
		// Connectivity marker only.
	}
}

// closeSession matches a close to its launch: same app first, else the
// oldest open session (devices occasionally drop the app id on close).
func (w *worker) closeSession(app string, end time.Time) {
	idx := -1
	for i, s := range w.open {
		if s.app == app {
			idx = i
			break
		}
	}
	if idx == -1 {
		if len(w.open) == 0 {
			return // close without launch: nothing to attribute
		}
		idx = 0
	}
	s := w.open[idx]
	w.open = append(w.open[:idx], w.open[idx+1:]...)
	w.attributeUsage(s.start, end)
}

// expireSessions force-closes sessions older than the cap so one
// malfunctioning device cannot report an unbounded session.
func (w *worker) expireSessions(now time.Time) {
	kept := w.open[:0]
	for _, s := range w.open {
		if now.Sub(s.start) >= w.cfg.MaxSessionDuration {
			w.attributeUsage(s.start, s.start.Add(w.cfg.MaxSessionDuration))
		} else {
			kept = append(kept, s)
		}
	}
	w.open = kept
}

// attributeUsage spreads a session's minutes across the screen-time ring,
// and across the late-night ring for minutes inside the night window.
// Duration is capped at MaxSessionDuration.
func (w *worker) attributeUsage(start, end time.Time) {
	if end.Before(start) {
		return
	}
	if end.Sub(start) > w.cfg.MaxSessionDuration {
		end = start.Add(w.cfg.MaxSessionDuration)
	}

	w.lastActivity[ScreenTimeToday] = later(w.lastActivity[ScreenTimeToday], end)

	for cur := start; cur.Before(end); {
		next := cur.Truncate(time.Minute).Add(time.Minute)
		if next.After(end) {
			next = end
		}
		frac := next.Sub(cur).Minutes()
		w.screen.add(cur, frac)
		if w.inNightWindow(cur) {
			w.lateNight.add(cur, frac)
			w.lastActivity[LateNightMinutes] = later(w.lastActivity[LateNightMinutes], next)
		}
		cur = next
	}
}

// inNightWindow checks a device-local instant against the night window,
// which may wrap midnight (23:00-05:00).
func (w *worker) inNightWindow(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if w.nightStart <= w.nightEnd {
		return m >= w.nightStart && m < w.nightEnd
	}
	return m >= w.nightStart || m < w.nightEnd
}

// reloadChildConfig picks up night-window edits without a restart.
func (w *worker) reloadChildConfig() {
	child, err := w.children.GetChild(context.Background(), w.childID)
	if err != nil {
		return
	}
	if child.NightStart != "" && child.NightEnd != "" {
		w.nightStart, w.nightEnd = parseWindow(child.NightStart, child.NightEnd)
	}
}

// publish computes and atomically swaps in a fresh snapshot. The day
// boundary is the device-local midnight, so the daily quota resets on
// the child's clock even when the server runs in another zone.
func (w *worker) publish(now time.Time) {
	now = now.In(w.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	// Open sessions count toward today up to now, capped; without this a
	// child could stay "under quota" by simply never closing an app.
	openScreen, openNight := 0.0, 0.0
	for _, s := range w.open {
		end := now
		if end.Sub(s.start) > w.cfg.MaxSessionDuration {
			end = s.start.Add(w.cfg.MaxSessionDuration)
		}
		for cur := s.start; cur.Before(end); {
			next := cur.Truncate(time.Minute).Add(time.Minute)
			if next.After(end) {
				next = end
			}
			frac := next.Sub(cur).Minutes()
			if !cur.Before(midnight) {
				openScreen += frac
			}
			if w.inNightWindow(cur) {
				openNight += frac
			}
			cur = next
		}
	}

	values := map[string]float64{
		ScreenTimeToday:    w.screen.sumSince(now, midnight) + openScreen,
		LateNightMinutes:   w.lateNight.sum(now, 24*time.Hour) + openNight,
		BlockedAttempts24h: w.blocked.sum(now, 24*time.Hour),
		BlockedAttempts7d:  w.blocked7d.sum(now, 7*24*time.Hour),
		SearchTerms24h:     w.searches.sum(now, 24*time.Hour),
		AppSwitches1h:      w.switches.sum(now, time.Hour),
	}

	activity := make(map[string]time.Time, len(w.lastActivity))
	for k, v := range w.lastActivity {
		activity[k] = v
	}

	w.snapshot.Store(&Snapshot{
		ChildID:      w.childID,
		TakenAt:      now,
		Values:       values,
		LastActivity: activity,
		OpenSessions: len(w.open),
	})
}

func (w *worker) current() *Snapshot {
	s, _ := w.snapshot.Load().(*Snapshot)
	return s
}

// parseWindow converts "HH:MM" bounds to minutes from midnight, falling
// back to 23:00-05:00 on malformed input.
func parseWindow(start, end string) (int, int) {
	s, okS := parseClock(start)
	e, okE := parseClock(end)
	if !okS || !okE {
		return 23 * 60, 5 * 60
	}
	return s, e
}

func parseClock(hm string) (int, bool) {
	t, err := time.Parse("15:04", hm)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
