package tracking

import "errors"

var (
	// ErrStaleTimestamp means the report arrived too late to be actionable.
	ErrStaleTimestamp = errors.New("timestamp too far in the past")
	// ErrFutureTimestamp means the device clock is ahead of the server.
	ErrFutureTimestamp = errors.New("timestamp in the future")
	// ErrNoActiveSession means the van must begin a new session.
	ErrNoActiveSession = errors.New("no active session")
	// ErrEmptyRoute means the session's route has no stops to track against.
	ErrEmptyRoute = errors.New("route has no stops")
	// ErrSessionNotFound is returned by stores for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
)

// RejectReason maps a report error to a short label for metrics and logs
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, ErrFutureTimestamp):
		return "future_timestamp"
	case errors.Is(err, ErrNoActiveSession):
		return "no_active_session"
	case errors.Is(err, ErrEmptyRoute):
		return "empty_route"
	default:
		return "storage"
	}
}
