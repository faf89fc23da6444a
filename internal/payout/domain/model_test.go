package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalendarNext(t *testing.T) {
	cal := Calendar{Days: []int{1, 15}}

	cases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before mid month", time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"on payout day rolls forward", time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"late in month", time.Date(2026, 3, 20, 23, 59, 0, 0, time.UTC), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"year end", time.Date(2026, 12, 31, 12, 0, 0, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"non utc input", time.Date(2026, 3, 14, 22, 0, 0, 0, time.FixedZone("x", -5*3600)), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, cal.Next(tc.now))
		})
	}
}

func TestCalendarClampsToMonthEnd(t *testing.T) {
	cal := Calendar{Days: []int{31}}

	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), cal.Next(time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), cal.Next(time.Date(2026, 2, 28, 8, 0, 0, 0, time.UTC)))
}

func TestWithdrawalTransitions(t *testing.T) {
	assert.True(t, WithdrawalStatusPending.CanTransition(WithdrawalStatusProcessing))
	assert.True(t, WithdrawalStatusPending.CanTransition(WithdrawalStatusCancelled))
	assert.False(t, WithdrawalStatusPending.CanTransition(WithdrawalStatusPaid))
	assert.True(t, WithdrawalStatusProcessing.CanTransition(WithdrawalStatusPaid))
	assert.True(t, WithdrawalStatusProcessing.CanTransition(WithdrawalStatusFailed))
	assert.False(t, WithdrawalStatusProcessing.CanTransition(WithdrawalStatusCancelled))
	assert.False(t, WithdrawalStatusPaid.CanTransition(WithdrawalStatusFailed))
	assert.True(t, WithdrawalStatusCancelled.Final())
}
