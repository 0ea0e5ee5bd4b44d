package traffic

import (
	"sync"
	"time"
)

// maxWindow bounds how far back any caller may look; buckets older than this
// are dropped on write.
const maxWindow = 5 * time.Minute

var defaultTracker Tracker

// RecordSuccess records a successful request outcome.
func RecordSuccess() {
	defaultTracker.RecordSuccess()
}

// RecordError records a failed request outcome (query failure, cache outage, etc.).
func RecordError() {
	defaultTracker.RecordError()
}

// RecordDenied records a rate-limit denial (429).
func RecordDenied() {
	defaultTracker.RecordDenied()
}

// RecordSuccessN records N successful outcomes. For synthetic load injection.
func RecordSuccessN(n int) {
	defaultTracker.RecordSuccessN(n)
}

// RecordErrorN records N error outcomes. For synthetic error injection.
func RecordErrorN(n int) {
	defaultTracker.RecordErrorN(n)
}

// RequestCount returns the number of outcomes (success + error + denied) within the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// ErrorRate returns (errorCount, totalCount) within the window. totalCount = successes + errors (denied excluded).
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// Reset clears all recorded data. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// bucket aggregates outcomes for one wall-clock second. Aggregating per
// second keeps memory constant under load, unlike one timestamp per event.
type bucket struct {
	sec     int64
	success int
	errors  int
	denied  int
}

// Tracker maintains per-second outcome buckets over a sliding window.
// Single source of truth for overload (RequestCount, DenialCount), idle
// (RequestCount), and degraded (ErrorRate). The zero value is ready to use.
type Tracker struct {
	mu      sync.Mutex
	buckets []bucket // ascending by sec
}

// RecordSuccess records a successful request outcome in the tracker.
func (t *Tracker) RecordSuccess() {
	t.add(1, 0, 0)
}

// RecordError records a failed request outcome in the tracker.
func (t *Tracker) RecordError() {
	t.add(0, 1, 0)
}

// RecordDenied records a rate-limit denial (429) in the tracker.
func (t *Tracker) RecordDenied() {
	t.add(0, 0, 1)
}

// RecordSuccessN records N successful outcomes atomically for synthetic load injection.
func (t *Tracker) RecordSuccessN(n int) {
	t.add(n, 0, 0)
}

// RecordErrorN records N error outcomes atomically for synthetic error injection.
func (t *Tracker) RecordErrorN(n int) {
	t.add(0, n, 0)
}

// add accumulates outcomes into the current second's bucket.
func (t *Tracker) add(success, errors, denied int) {
	now := time.Now()
	sec := now.Unix()
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.buckets); n > 0 && t.buckets[n-1].sec == sec {
		t.buckets[n-1].success += success
		t.buckets[n-1].errors += errors
		t.buckets[n-1].denied += denied
	} else {
		t.buckets = append(t.buckets, bucket{sec: sec, success: success, errors: errors, denied: denied})
	}
	t.pruneLocked(now)
}

// RequestCount returns the total number of outcomes (success + error + denied) within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	t.scanLocked(window, func(b *bucket) {
		n += b.success + b.errors + b.denied
	})
	return n
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	t.scanLocked(window, func(b *bucket) {
		n += b.denied
	})
	return n
}

// ErrorRate returns (errorCount, totalCount) within the window.
// totalCount includes successes and errors only; denials are excluded.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanLocked(window, func(b *bucket) {
		errors += b.errors
		total += b.success + b.errors
	})
	return errors, total
}

// Reset clears all recorded outcomes from the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets = nil
}

// scanLocked visits every bucket inside the window. A bucket counts when its
// second is not before the cutoff. Must be called with the mutex held.
func (t *Tracker) scanLocked(window time.Duration, visit func(*bucket)) {
	cutoff := time.Now().Add(-window).Unix()
	for i := range t.buckets {
		if t.buckets[i].sec >= cutoff {
			visit(&t.buckets[i])
		}
	}
}

// pruneLocked drops buckets older than maxWindow. Must be called with the
// mutex held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-maxWindow).Unix()
	i := 0
	for ; i < len(t.buckets) && t.buckets[i].sec < cutoff; i++ {
	}
	if i > 0 {
		t.buckets = append(t.buckets[:0], t.buckets[i:]...)
	}
}
