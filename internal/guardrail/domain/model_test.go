package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuietHoursOvernightWrap(t *testing.T) {
	start, err := ParseTimeOfDay("21:00")
	require.NoError(t, err)
	end, err := ParseTimeOfDay("08:00")
	require.NoError(t, err)
	q := QuietHours{Start: start, End: end}

	at := func(h, m int) time.Time { return time.Date(2025, 1, 10, h, m, 0, 0, time.UTC) }
	assert.True(t, q.Contains(at(22, 30)))
	assert.True(t, q.Contains(at(3, 0)))
	assert.True(t, q.Contains(at(21, 0)))
	assert.False(t, q.Contains(at(8, 0)))
	assert.False(t, q.Contains(at(12, 0)))
}

func TestQuietHoursSameDayWindow(t *testing.T) {
	q := QuietHours{Start: 13 * 60, End: 15 * 60}
	assert.True(t, q.Contains(time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC)))
	assert.False(t, q.Contains(time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)))
	assert.False(t, QuietHours{}.Contains(time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)))
}

func TestParseTimeOfDayRejectsGarbage(t *testing.T) {
	_, err := ParseTimeOfDay("25:99")
	assert.ErrorIs(t, err, ErrInvalidTimeOfDay)
}

func TestRetryBackoffIsMonotonicUpToCap(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 5 * time.Minute, MaxDelay: 2 * time.Hour}

	assert.Equal(t, 5*time.Minute, p.Backoff(0))
	assert.Equal(t, 10*time.Minute, p.Backoff(1))
	assert.Equal(t, 20*time.Minute, p.Backoff(2))

	prev := p.Backoff(1)
	for attempt := 2; attempt < 10; attempt++ {
		next := p.Backoff(attempt)
		if prev < p.MaxDelay {
			assert.Greater(t, next, prev, "attempt %d", attempt)
		} else {
			assert.Equal(t, p.MaxDelay, next)
		}
		assert.LessOrEqual(t, next, p.MaxDelay)
		prev = next
	}
	assert.Equal(t, 2*time.Hour, p.Backoff(60))
}

func TestRetryEligibleStopsAtMaxAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	assert.True(t, p.Eligible(1))
	assert.True(t, p.Eligible(2))
	assert.False(t, p.Eligible(3))
	assert.False(t, RetryPolicy{}.Eligible(1))
}
