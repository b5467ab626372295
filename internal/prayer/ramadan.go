package prayer

import "time"

// Calendar is the configured Ramadan date range. The engine does not do
// Hijri conversion; the range is deployment configuration, updated yearly.
type Calendar struct {
	Start time.Time
	End   time.Time
}

// NewCalendar parses "YYYY-MM-DD" bounds. Empty strings yield a zero
// calendar for which Contains is always false.
func NewCalendar(start, end string) (Calendar, error) {
	var c Calendar
	if start == "" || end == "" {
		return c, nil
	}
	var err error
	if c.Start, err = time.Parse("2006-01-02", start); err != nil {
		return Calendar{}, err
	}
	if c.End, err = time.Parse("2006-01-02", end); err != nil {
		return Calendar{}, err
	}
	// End is inclusive through the whole last day.
	c.End = c.End.Add(24*time.Hour - time.Nanosecond)
	return c, nil
}

// Contains reports whether t falls within Ramadan.
func (c Calendar) Contains(t time.Time) bool {
	if c.Start.IsZero() || c.End.IsZero() {
		return false
	}
	return !t.Before(c.Start) && !t.After(c.End)
}
