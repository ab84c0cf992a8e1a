package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircleStatusTransitions(t *testing.T) {
	assert.True(t, CirclePending.CanTransition(CircleActive))
	assert.True(t, CirclePending.CanTransition(CircleCancelled))
	assert.True(t, CircleActive.CanTransition(CircleCompleted))
	assert.True(t, CircleActive.CanTransition(CircleCancelled))

	assert.False(t, CirclePending.CanTransition(CircleCompleted))
	assert.False(t, CircleActive.CanTransition(CirclePending))
	assert.False(t, CircleCompleted.CanTransition(CircleActive))
	assert.False(t, CircleCancelled.CanTransition(CircleActive))

	assert.True(t, CircleCompleted.Terminal())
	assert.True(t, CircleCancelled.Terminal())
	assert.False(t, CircleActive.Terminal())
}

func TestFrequencyDeadline(t *testing.T) {
	start := time.Date(2026, time.January, 15, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, start.AddDate(0, 0, 7), FrequencyWeekly.Deadline(start, 1))
	assert.Equal(t, start.AddDate(0, 0, 21), FrequencyWeekly.Deadline(start, 3))
	assert.Equal(t, time.Date(2026, time.March, 15, 9, 0, 0, 0, time.UTC), FrequencyMonthly.Deadline(start, 2))

	// AddDate normalizes Jan 31 + 1 month into March.
	endOfMonth := time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.March, FrequencyMonthly.Deadline(endOfMonth, 1).Month())
}
