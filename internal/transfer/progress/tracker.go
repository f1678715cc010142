// Package progress turns a running byte count into throttled percent, speed
// and ETA reports.
package progress

import "time"

// Snapshot is one progress report.
type Snapshot struct {
	Done    int64
	Total   int64
	Percent float64
	KBps    float64
	ETA     float64 // seconds
}

// Tracker accumulates bytes and calls OnProgress at most once per interval.
// The final byte always produces a report. It is not safe for concurrent use.
type Tracker struct {
	Total      int64
	OnProgress func(Snapshot)

	interval time.Duration
	now      func() time.Time
	start    time.Time
	last     time.Time
	done     int64
}

type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(total int64, interval time.Duration, cb func(Snapshot), opts ...Option) *Tracker {
	t := &Tracker{
		Total:      total,
		OnProgress: cb,
		interval:   interval,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}

	t.start = t.now()
	t.last = t.start

	return t
}

// Add records n more bytes.
func (t *Tracker) Add(n int64) {
	if n <= 0 {
		return
	}

	t.done += n

	now := t.now()
	finished := t.Total > 0 && t.done >= t.Total

	if !finished && now.Sub(t.last) < t.interval {
		return
	}

	t.last = now

	if t.OnProgress != nil {
		t.OnProgress(t.snapshot(now))
	}
}

func (t *Tracker) Done() int64 {
	return t.done
}

func (t *Tracker) Snapshot() Snapshot {
	return t.snapshot(t.now())
}

func (t *Tracker) snapshot(now time.Time) Snapshot {
	s := Snapshot{Done: t.done, Total: t.Total}

	if t.Total > 0 {
		s.Percent = float64(t.done) * 100 / float64(t.Total)
	}

	elapsed := max(1, now.Sub(t.start).Seconds())
	s.KBps = float64(t.done) / elapsed / 1024

	if remaining := t.Total - t.done; remaining > 0 {
		s.ETA = float64(remaining) / (max(1, s.KBps) * 1024)
	}

	return s
}
