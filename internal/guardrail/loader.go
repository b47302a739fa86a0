package guardrail

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	channeldomain "github.com/smallbiznis/dunning/internal/channel/domain"
	"github.com/smallbiznis/dunning/internal/config"
	"github.com/smallbiznis/dunning/internal/guardrail/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type LoaderParams struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Config config.Config
	Holder *config.GuardrailConfigHolder
	Repo   domain.Repository
}

// Loader resolves the effective policy of an owner: file defaults, then
// global database rows, then the owner's rows.
type Loader struct {
	db       *gorm.DB
	log      *zap.Logger
	holder   *config.GuardrailConfigHolder
	repo     domain.Repository
	fallback *time.Location
}

func NewLoader(p LoaderParams) *Loader {
	return &Loader{
		db:       p.DB,
		log:      p.Log.Named("guardrail.loader"),
		holder:   p.Holder,
		repo:     p.Repo,
		fallback: p.Config.Engine.Location(),
	}
}

func (l *Loader) Load(ctx context.Context, ownerID snowflake.ID) (domain.Config, error) {
	cfg, err := FromFile(l.holder.Get(), l.fallback)
	if err != nil {
		return domain.Config{}, err
	}
	cfg.OwnerID = ownerID

	settings, err := l.repo.ListSettings(ctx, l.db, ownerID)
	if err != nil {
		return domain.Config{}, fmt.Errorf("load guardrail settings: %w", err)
	}
	for _, s := range settings {
		if err := apply(&cfg, s.Key, s.Value); err != nil {
			l.log.Warn("ignoring invalid guardrail setting",
				zap.String("owner_id", ownerID.String()),
				zap.String("key", s.Key),
				zap.Error(err),
			)
		}
	}
	return cfg, nil
}

// FromFile converts the file-level defaults into a policy.
func FromFile(file config.GuardrailFile, fallback *time.Location) (domain.Config, error) {
	cfg := domain.Config{
		Location:        fallback,
		BlockedWeekdays: map[time.Weekday]bool{},
		BlockedDates:    map[string]bool{},
		MaxPerDay:       file.MaxPerDay,
		MaxPerWeek:      file.MaxPerWeek,
		Retry: domain.RetryPolicy{
			MaxAttempts: file.Retry.MaxAttempts,
			BaseDelay:   file.Retry.BaseDelay,
			MaxDelay:    file.Retry.MaxDelay,
		},
		ChannelRetry: map[channeldomain.Channel]domain.RetryPolicy{},
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	if file.Timezone != "" {
		if err := apply(&cfg, domain.KeyTimezone, file.Timezone); err != nil {
			return domain.Config{}, err
		}
	}
	if file.QuietHoursStart != "" && file.QuietHoursEnd != "" {
		if err := apply(&cfg, domain.KeyQuietHoursStart, file.QuietHoursStart); err != nil {
			return domain.Config{}, err
		}
		if err := apply(&cfg, domain.KeyQuietHoursEnd, file.QuietHoursEnd); err != nil {
			return domain.Config{}, err
		}
	}
	for _, day := range file.BlockedWeekdays {
		wd, ok := parseWeekday(day)
		if !ok {
			return domain.Config{}, fmt.Errorf("%w: weekday %q", domain.ErrInvalidSetting, day)
		}
		cfg.BlockedWeekdays[wd] = true
	}
	for _, date := range file.BlockedDates {
		cfg.BlockedDates[strings.TrimSpace(date)] = true
	}
	for name, retry := range file.Channels {
		ch, err := channeldomain.ParseChannel(name)
		if err != nil {
			return domain.Config{}, fmt.Errorf("%w: channel %q", domain.ErrInvalidSetting, name)
		}
		cfg.ChannelRetry[ch] = domain.RetryPolicy{
			MaxAttempts: retry.MaxAttempts,
			BaseDelay:   retry.BaseDelay,
			MaxDelay:    retry.MaxDelay,
		}
	}
	return cfg, nil
}

func apply(cfg *domain.Config, key, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)

	switch key {
	case domain.KeyTimezone:
		loc, err := time.LoadLocation(value)
		if err != nil {
			return fmt.Errorf("%w: timezone %q", domain.ErrInvalidSetting, value)
		}
		cfg.Location = loc
	case domain.KeyQuietHoursStart:
		t, err := domain.ParseTimeOfDay(value)
		if err != nil {
			return err
		}
		cfg.QuietHours.Start = t
	case domain.KeyQuietHoursEnd:
		t, err := domain.ParseTimeOfDay(value)
		if err != nil {
			return err
		}
		cfg.QuietHours.End = t
	case domain.KeyBlockedWeekdays:
		days := map[time.Weekday]bool{}
		for _, raw := range splitList(value) {
			wd, ok := parseWeekday(raw)
			if !ok {
				return fmt.Errorf("%w: weekday %q", domain.ErrInvalidSetting, raw)
			}
			days[wd] = true
		}
		cfg.BlockedWeekdays = days
	case domain.KeyBlockedDates:
		dates := map[string]bool{}
		for _, raw := range splitList(value) {
			if _, err := time.Parse(time.DateOnly, raw); err != nil {
				return fmt.Errorf("%w: date %q", domain.ErrInvalidSetting, raw)
			}
			dates[raw] = true
		}
		cfg.BlockedDates = dates
	case domain.KeyMaxPerDay:
		n, err := parseCount(value)
		if err != nil {
			return err
		}
		cfg.MaxPerDay = n
	case domain.KeyMaxPerWeek:
		n, err := parseCount(value)
		if err != nil {
			return err
		}
		cfg.MaxPerWeek = n
	default:
		return applyRetry(cfg, key, value)
	}
	return nil
}

// applyRetry handles retry.<field> and retry.<channel>.<field>.
func applyRetry(cfg *domain.Config, key, value string) error {
	parts := strings.Split(key, ".")
	if len(parts) < 2 || len(parts) > 3 || parts[0] != "retry" {
		return fmt.Errorf("%w: unknown key %q", domain.ErrInvalidSetting, key)
	}

	policy := &cfg.Retry
	field := parts[1]
	if len(parts) == 3 {
		ch, err := channeldomain.ParseChannel(parts[1])
		if err != nil {
			return fmt.Errorf("%w: channel %q", domain.ErrInvalidSetting, parts[1])
		}
		override, ok := cfg.ChannelRetry[ch]
		if !ok {
			override = cfg.Retry
		}
		if err := setRetryField(&override, parts[2], value); err != nil {
			return err
		}
		if cfg.ChannelRetry == nil {
			cfg.ChannelRetry = map[channeldomain.Channel]domain.RetryPolicy{}
		}
		cfg.ChannelRetry[ch] = override
		return nil
	}
	return setRetryField(policy, field, value)
}

func setRetryField(p *domain.RetryPolicy, field, value string) error {
	switch field {
	case "max_attempts":
		n, err := parseCount(value)
		if err != nil {
			return err
		}
		p.MaxAttempts = n
	case "base_delay":
		d, err := time.ParseDuration(value)
		if err != nil || d < 0 {
			return fmt.Errorf("%w: duration %q", domain.ErrInvalidSetting, value)
		}
		p.BaseDelay = d
	case "max_delay":
		d, err := time.ParseDuration(value)
		if err != nil || d < 0 {
			return fmt.Errorf("%w: duration %q", domain.ErrInvalidSetting, value)
		}
		p.MaxDelay = d
	default:
		return fmt.Errorf("%w: unknown retry field %q", domain.ErrInvalidSetting, field)
	}
	return nil
}

func parseCount(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: count %q", domain.ErrInvalidSetting, value)
	}
	return n, nil
}

func parseWeekday(raw string) (time.Weekday, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sunday", "sun":
		return time.Sunday, true
	case "monday", "mon":
		return time.Monday, true
	case "tuesday", "tue":
		return time.Tuesday, true
	case "wednesday", "wed":
		return time.Wednesday, true
	case "thursday", "thu":
		return time.Thursday, true
	case "friday", "fri":
		return time.Friday, true
	case "saturday", "sat":
		return time.Saturday, true
	default:
		return 0, false
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
