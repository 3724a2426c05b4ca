package resilience

import (
	"math"
	"time"
)

// Error classes recorded in the failure ledger.
const (
	ClassTransient = "transient"
	ClassPermanent = "permanent"
)

// RetrySchedule spaces out retries of failed lookups across runs:
// delay = BaseHours × 2^attempts, for at most MaxAttempts attempts.
type RetrySchedule struct {
	BaseHours   float64
	MaxAttempts int
}

// DefaultRetrySchedule retries after 1h, 2h, 4h and then gives up.
func DefaultRetrySchedule() RetrySchedule {
	return RetrySchedule{BaseHours: 1, MaxAttempts: 3}
}

// Delay returns the wait before the next retry given prior attempts.
func (s RetrySchedule) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	hours := s.BaseHours * math.Pow(2, float64(attempts))
	return time.Duration(hours * float64(time.Hour))
}

// Next returns when the next retry is due.
func (s RetrySchedule) Next(now time.Time, attempts int) time.Time {
	return now.Add(s.Delay(attempts))
}

// Exhausted reports whether no retries remain.
func (s RetrySchedule) Exhausted(attempts int) bool {
	limit := s.MaxAttempts
	if limit <= 0 {
		limit = 3
	}
	return attempts >= limit
}

// ClassifyError labels err as ClassPermanent or ClassTransient.
func ClassifyError(err error) string {
	if IsPermanent(err) {
		return ClassPermanent
	}
	return ClassTransient
}
