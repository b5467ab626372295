package signal

import "time"

// ring is a time-bucketed counter. Each bucket covers a fixed width;
// writes land in the bucket for their timestamp, and stale buckets are
// reclaimed lazily on write, so expiry never costs O(events).
type ring struct {
	width   time.Duration
	buckets []float64
	// epoch[i] is the absolute bucket index currently stored in slot i.
	// A slot whose epoch is outside the queried range reads as zero.
	epoch []int64
}

// newRing covers window with buckets of the given width.
func newRing(window, width time.Duration) *ring {
	n := int(window / width)
	if n < 1 {
		n = 1
	}
	r := &ring{width: width, buckets: make([]float64, n), epoch: make([]int64, n)}
	for i := range r.epoch {
		r.epoch[i] = -1
	}
	return r
}

func (r *ring) index(t time.Time) int64 {
	return t.UnixNano() / int64(r.width)
}

// add accumulates v into t's bucket. Writes older than the ring's span
// (relative to the newest bucket already written) are dropped.
func (r *ring) add(t time.Time, v float64) {
	idx := r.index(t)
	slot := int(idx % int64(len(r.buckets)))
	if slot < 0 {
		slot += len(r.buckets)
	}
	if r.epoch[slot] != idx {
		if r.epoch[slot] > idx {
			return // a newer epoch already owns this slot
		}
		r.buckets[slot] = 0
		r.epoch[slot] = idx
	}
	r.buckets[slot] += v
}

// sum returns the total over (now-window, now], counting only buckets
// whose epoch falls inside the range.
func (r *ring) sum(now time.Time, window time.Duration) float64 {
	return r.sumSince(now, now.Add(-window))
}

// sumSince returns the total over [since, now].
func (r *ring) sumSince(now, since time.Time) float64 {
	lo := r.index(since)
	hi := r.index(now)
	var total float64
	for i, e := range r.epoch {
		if e >= lo && e <= hi {
			total += r.buckets[i]
		}
	}
	return total
}
