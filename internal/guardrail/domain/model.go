package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	channeldomain "github.com/smallbiznis/dunning/internal/channel/domain"
	"gorm.io/gorm"
)

// TimeOfDay is minutes after local midnight.
type TimeOfDay int

func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, raw)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// QuietHours is a daily window, possibly wrapping past midnight.
type QuietHours struct {
	Start TimeOfDay
	End   TimeOfDay
}

// Contains reports whether the local time of day falls in the window.
// Equal bounds disable the window.
func (q QuietHours) Contains(local time.Time) bool {
	if q.Start == q.End {
		return false
	}
	m := TimeOfDay(local.Hour()*60 + local.Minute())
	if q.Start < q.End {
		return m >= q.Start && m < q.End
	}
	return m >= q.Start || m < q.End
}

// RetryPolicy bounds the retry chain of one channel.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff returns min(base * 2^attempt, cap).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
		// guard against overflow for very long chains
		if delay > time.Duration(1<<62)/2 {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Eligible reports whether attempt may still be scheduled.
func (p RetryPolicy) Eligible(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Config is the guardrail and retry policy snapshot for one owner. It is
// resolved once per pass and passed by value.
type Config struct {
	OwnerID         snowflake.ID
	Location        *time.Location
	QuietHours      QuietHours
	BlockedWeekdays map[time.Weekday]bool
	BlockedDates    map[string]bool
	MaxPerDay       int
	MaxPerWeek      int
	Retry           RetryPolicy
	ChannelRetry    map[channeldomain.Channel]RetryPolicy
}

func (c Config) Loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// RetryFor returns the channel override when one exists.
func (c Config) RetryFor(ch channeldomain.Channel) RetryPolicy {
	if p, ok := c.ChannelRetry[ch]; ok {
		return p
	}
	return c.Retry
}

type Reason string

const (
	ReasonNone           Reason = ""
	ReasonQuietHours     Reason = "quiet_hours"
	ReasonBlockedWeekday Reason = "blocked_weekday"
	ReasonBlockedDate    Reason = "blocked_date"
	ReasonDailyCap       Reason = "daily_cap"
	ReasonWeeklyCap      Reason = "weekly_cap"
)

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
}

func Allow() Decision { return Decision{Allowed: true} }

func Block(reason Reason) Decision { return Decision{Allowed: false, Reason: reason} }

// Setting is one key/value override row; a nil OwnerID applies globally.
type Setting struct {
	ID        snowflake.ID  `json:"id" gorm:"primaryKey"`
	OwnerID   *snowflake.ID `json:"owner_id,omitempty"`
	Key       string        `json:"key" gorm:"type:text;not null"`
	Value     string        `json:"value" gorm:"type:text;not null"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (Setting) TableName() string { return "guardrail_settings" }

type Repository interface {
	// ListSettings returns global rows followed by the owner's rows.
	ListSettings(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]Setting, error)
}

const (
	KeyTimezone        = "timezone"
	KeyQuietHoursStart = "quiet_hours_start"
	KeyQuietHoursEnd   = "quiet_hours_end"
	KeyBlockedWeekdays = "blocked_weekdays"
	KeyBlockedDates    = "blocked_dates"
	KeyMaxPerDay       = "max_per_day"
	KeyMaxPerWeek      = "max_per_week"
	KeyRetryAttempts   = "retry.max_attempts"
	KeyRetryBaseDelay  = "retry.base_delay"
	KeyRetryMaxDelay   = "retry.max_delay"
)

var (
	ErrInvalidTimeOfDay = errors.New("invalid_time_of_day")
	ErrInvalidSetting   = errors.New("invalid_guardrail_setting")
)
