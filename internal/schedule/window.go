// Package schedule computes recurring close instants and tracks which of
// them have already fired so a strategy runs at most once per window.
package schedule

import (
	"math"
	"sync"
	"time"
)

const secondsPerDay = 86400

// NextClose advances initial past now by whole multiples of intervalDays.
//
// If now is before initial, initial is returned unchanged. Otherwise the
// elapsed time is measured in seconds, floored to day-granularity interval
// steps and incremented by one so the result is strictly after now. Repeated
// calls with non-decreasing now are monotonically non-decreasing.
func NextClose(initial time.Time, intervalDays float64, now time.Time) time.Time {
	if now.Before(initial) {
		return initial
	}
	elapsed := now.Sub(initial).Seconds()
	steps := math.Floor(elapsed/secondsPerDay/intervalDays) + 1
	advance := time.Duration(steps * intervalDays * secondsPerDay * float64(time.Second))
	return initial.Add(advance)
}

// DailyBase returns the window anchor for now: local midnight shifted by
// offsetDays (fractional days allowed).
func DailyBase(now time.Time, offsetDays float64) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return midnight.Add(time.Duration(offsetDays * secondsPerDay * float64(time.Second)))
}

// Mirror persists fired windows outside the process so a restart inside a
// window does not double-fire. Implementations must be safe to call from the
// scheduler loop; failures are the implementation's problem to swallow.
type Mirror interface {
	MarkFired(instant time.Time, ttl time.Duration)
	HasFired(instant time.Time) bool
}

// Windows tracks which close instants have fired. Entries older than two
// window periods are evicted on insert so the set stays bounded over
// long-running processes.
type Windows struct {
	mu     sync.Mutex
	fired  map[int64]time.Time // unix-nano instant -> instant
	period time.Duration
	mirror Mirror
}

// NewWindows creates a fired-window tracker for the given window period.
// mirror may be nil.
func NewWindows(period time.Duration, mirror Mirror) *Windows {
	return &Windows{
		fired:  make(map[int64]time.Time),
		period: period,
		mirror: mirror,
	}
}

// HasFired reports whether the window at instant already executed.
func (w *Windows) HasFired(instant time.Time) bool {
	w.mu.Lock()
	_, ok := w.fired[instant.UnixNano()]
	w.mu.Unlock()
	if ok {
		return true
	}
	if w.mirror != nil {
		return w.mirror.HasFired(instant)
	}
	return false
}

// MarkFired records that the window at instant executed and evicts entries
// older than two window periods. Call only after the strategy invocation
// completed (success or handled failure), never before.
func (w *Windows) MarkFired(instant time.Time) {
	w.mu.Lock()
	w.fired[instant.UnixNano()] = instant
	cutoff := instant.Add(-2 * w.period)
	for k, t := range w.fired {
		if t.Before(cutoff) {
			delete(w.fired, k)
		}
	}
	w.mu.Unlock()

	if w.mirror != nil {
		w.mirror.MarkFired(instant, 2*w.period)
	}
}

// Len returns the number of tracked windows, for tests and status reporting.
func (w *Windows) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.fired)
}
