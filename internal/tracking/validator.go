package tracking

import "time"

// DefaultMaxReportAge is how old a report may be before it is discarded
const DefaultMaxReportAge = 60 * time.Second

// Clock supplies the current time
type Clock func() time.Time

// SystemClock returns the wall clock in UTC
func SystemClock() time.Time {
	return time.Now().UTC()
}

// Validator rejects location reports that are stale or from the future
type Validator struct {
	MaxAge time.Duration
}

// NewValidator creates a validator; a non-positive maxAge uses the default
func NewValidator(maxAge time.Duration) *Validator {
	if maxAge <= 0 {
		maxAge = DefaultMaxReportAge
	}
	return &Validator{MaxAge: maxAge}
}

// Validate checks eventTime against now. Staleness is checked first.
func (v *Validator) Validate(eventTime, now time.Time) error {
	if now.Sub(eventTime) > v.MaxAge {
		return ErrStaleTimestamp
	}
	if eventTime.After(now) {
		return ErrFutureTimestamp
	}
	return nil
}
