package idle

import (
	"time"

	"github.com/j6k4m8/jque/internal/traffic"
)

// defaultTracker counts query traffic separately from the outcome tracker so
// denials and health checks do not mask an idle service.
var defaultTracker traffic.Tracker

// RecordRequest records a request (e.g. a query) that counts toward idle detection.
func RecordRequest() {
	defaultTracker.RecordSuccess()
}

// RequestCount returns the number of requests within the given window ending at now.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// Reset clears all recorded requests. For tests only.
func Reset() {
	defaultTracker.Reset()
}
