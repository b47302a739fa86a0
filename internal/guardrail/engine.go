package guardrail

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	channeldomain "github.com/smallbiznis/dunning/internal/channel/domain"
	"github.com/smallbiznis/dunning/internal/clock"
	"github.com/smallbiznis/dunning/internal/guardrail/domain"
	historydomain "github.com/smallbiznis/dunning/internal/history/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type EngineParams struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	HistoryRepo historydomain.Repository
}

// Engine decides whether a debt may be contacted right now.
type Engine struct {
	db          *gorm.DB
	log         *zap.Logger
	historyRepo historydomain.Repository
}

func NewEngine(p EngineParams) *Engine {
	return &Engine{
		db:          p.DB,
		log:         p.Log.Named("guardrail.engine"),
		historyRepo: p.HistoryRepo,
	}
}

// Allowed checks quiet hours, blocked days, then the daily and weekly caps.
// Only the caps touch storage.
func (e *Engine) Allowed(ctx context.Context, policy domain.Config, ownerID, debtID snowflake.ID, channel channeldomain.Channel, now time.Time) (domain.Decision, error) {
	loc := policy.Loc()
	local := now.In(loc)

	if policy.QuietHours.Contains(local) {
		return domain.Block(domain.ReasonQuietHours), nil
	}
	if policy.BlockedWeekdays[local.Weekday()] {
		return domain.Block(domain.ReasonBlockedWeekday), nil
	}
	if policy.BlockedDates[local.Format(time.DateOnly)] {
		return domain.Block(domain.ReasonBlockedDate), nil
	}

	if policy.MaxPerDay > 0 {
		count, err := e.historyRepo.CountContacts(ctx, e.db, debtID, clock.StartOfDay(now, loc))
		if err != nil {
			return domain.Decision{}, fmt.Errorf("count daily contacts: %w", err)
		}
		if count >= int64(policy.MaxPerDay) {
			return domain.Block(domain.ReasonDailyCap), nil
		}
	}

	if policy.MaxPerWeek > 0 {
		count, err := e.historyRepo.CountContacts(ctx, e.db, debtID, now.Add(-7*24*time.Hour))
		if err != nil {
			return domain.Decision{}, fmt.Errorf("count weekly contacts: %w", err)
		}
		if count >= int64(policy.MaxPerWeek) {
			return domain.Block(domain.ReasonWeeklyCap), nil
		}
	}

	return domain.Allow(), nil
}
