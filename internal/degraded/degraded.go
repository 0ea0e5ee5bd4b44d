package degraded

import (
	"time"

	"github.com/j6k4m8/jque/internal/traffic"
)

// RecordSuccess records a successful query request.
func RecordSuccess() {
	traffic.RecordSuccess()
}

// RecordError records a failed query request (store error, cache outage, timeout).
func RecordError() {
	traffic.RecordError()
}

// ErrorRate returns (errorCount, totalCount) within the window. totalCount = successes + errors.
func ErrorRate(window time.Duration) (errors, total int) {
	return traffic.ErrorRate(window)
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
