package clock

import "time"

// DateIn returns the calendar date of t as observed in loc, encoded as
// midnight UTC so dates compare with Equal/Before regardless of zone.
func DateIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// CivilDate truncates a stored date column to its calendar day.
func CivilDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// AtLocalHour returns the instant at hour:00 on the given calendar date in loc.
func AtLocalHour(date time.Time, hour int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(date.Year(), date.Month(), date.Day(), hour, 0, 0, 0, loc).UTC()
}

// StartOfDay returns local midnight of the day containing t, in UTC.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	return AtLocalHour(DateIn(t, loc), 0, loc)
}

// DaysBetween counts whole calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(CivilDate(b).Sub(CivilDate(a)).Hours() / 24)
}
