package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateInUsesLocationCalendar(t *testing.T) {
	loc, err := time.LoadLocation("America/Mexico_City")
	require.NoError(t, err)

	// 03:00 UTC on the 2nd is still the 1st in Mexico City.
	instant := time.Date(2025, 3, 2, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), DateIn(instant, loc))
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), DateIn(instant, time.UTC))
}

func TestAtLocalHour(t *testing.T) {
	loc, err := time.LoadLocation("America/Mexico_City")
	require.NoError(t, err)

	got := AtLocalHour(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), 9, loc)
	assert.Equal(t, time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC), got)
}

func TestDaysBetween(t *testing.T) {
	due := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 5, DaysBetween(due, time.Date(2025, 1, 15, 18, 0, 0, 0, time.UTC)))
	assert.Equal(t, -3, DaysBetween(due, time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)))
}

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	c.Advance(36 * time.Hour)
	assert.Equal(t, start.Add(36*time.Hour), c.Now())
}
