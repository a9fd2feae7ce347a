package tracking

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidator_Validate(t *testing.T) {
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	v := NewValidator(DefaultMaxReportAge)

	tests := []struct {
		name    string
		event   time.Time
		wantErr error
	}{
		{name: "61s old is stale", event: now.Add(-61 * time.Second), wantErr: ErrStaleTimestamp},
		{name: "59s old is accepted", event: now.Add(-59 * time.Second)},
		{name: "exactly 60s old is accepted", event: now.Add(-60 * time.Second)},
		{name: "1s ahead is future", event: now.Add(time.Second), wantErr: ErrFutureTimestamp},
		{name: "1ms ahead is future", event: now.Add(time.Millisecond), wantErr: ErrFutureTimestamp},
		{name: "same instant is accepted", event: now},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.event, now)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewValidator_DefaultsMaxAge(t *testing.T) {
	assert.Equal(t, DefaultMaxReportAge, NewValidator(0).MaxAge)
	assert.Equal(t, 2*time.Minute, NewValidator(2*time.Minute).MaxAge)
}

func TestRejectReason(t *testing.T) {
	assert.Equal(t, "stale_timestamp", RejectReason(ErrStaleTimestamp))
	assert.Equal(t, "future_timestamp", RejectReason(ErrFutureTimestamp))
	assert.Equal(t, "no_active_session", RejectReason(ErrNoActiveSession))
	assert.Equal(t, "empty_route", RejectReason(fmt.Errorf("route 7: %w", ErrEmptyRoute)))
	assert.Equal(t, "storage", RejectReason(errors.New("connection reset")))
}
