package guardrail_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	channeldomain "github.com/smallbiznis/dunning/internal/channel/domain"
	"github.com/smallbiznis/dunning/internal/config"
	"github.com/smallbiznis/dunning/internal/enginetest"
	"github.com/smallbiznis/dunning/internal/guardrail"
	"github.com/smallbiznis/dunning/internal/guardrail/domain"
	guardrailrepo "github.com/smallbiznis/dunning/internal/guardrail/repository"
	historydomain "github.com/smallbiznis/dunning/internal/history/domain"
	historyrepo "github.com/smallbiznis/dunning/internal/history/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func insertHistory(t *testing.T, db *gorm.DB, node *snowflake.Node, debtID snowflake.ID, outcome historydomain.Outcome, blocked bool, at time.Time) {
	t.Helper()
	err := historyrepo.Provide().Insert(context.Background(), db, &historydomain.Record{
		ID:                node.Generate(),
		ScheduledActionID: node.Generate(),
		OwnerID:           1,
		DebtID:            debtID,
		CampaignID:        2,
		Channel:           channeldomain.ChannelEmail,
		Outcome:           outcome,
		GuardrailBlocked:  blocked,
		CreatedAt:         at,
		UpdatedAt:         at,
	})
	require.NoError(t, err)
}

func TestEngineAllowedChecksInOrder(t *testing.T) {
	ctx := context.Background()
	db := enginetest.OpenDB(t)
	node := enginetest.NewNode(t)
	engine := guardrail.NewEngine(guardrail.EngineParams{DB: db, Log: zap.NewNop(), HistoryRepo: historyrepo.Provide()})

	loc, err := time.LoadLocation("America/Mexico_City")
	require.NoError(t, err)
	policy, err := guardrail.FromFile(config.GuardrailFile{
		QuietHoursStart: "21:00",
		QuietHoursEnd:   "08:00",
		BlockedWeekdays: []string{"sunday"},
		BlockedDates:    []string{"2025-01-01"},
		MaxPerDay:       2,
		MaxPerWeek:      3,
	}, loc)
	require.NoError(t, err)

	debtID := node.Generate()
	// Friday 2025-01-10 at 10:00 local.
	friday := time.Date(2025, 1, 10, 16, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		now  time.Time
		want domain.Decision
	}{
		{name: "daytime", now: friday, want: domain.Allow()},
		{name: "late night wraps", now: time.Date(2025, 1, 11, 4, 0, 0, 0, time.UTC), want: domain.Block(domain.ReasonQuietHours)},
		{name: "sunday", now: time.Date(2025, 1, 12, 16, 0, 0, 0, time.UTC), want: domain.Block(domain.ReasonBlockedWeekday)},
		{name: "holiday", now: time.Date(2025, 1, 1, 16, 0, 0, 0, time.UTC), want: domain.Block(domain.ReasonBlockedDate)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := engine.Allowed(ctx, policy, 1, debtID, channeldomain.ChannelEmail, tc.now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	insertHistory(t, db, node, debtID, historydomain.OutcomeSent, false, friday.Add(-2*time.Hour))
	insertHistory(t, db, node, debtID, historydomain.OutcomeBlocked, true, friday.Add(-90*time.Minute))
	got, err := engine.Allowed(ctx, policy, 1, debtID, channeldomain.ChannelEmail, friday)
	require.NoError(t, err)
	assert.True(t, got.Allowed, "blocked records do not count")

	insertHistory(t, db, node, debtID, historydomain.OutcomeFailed, false, friday.Add(-time.Hour))
	got, err = engine.Allowed(ctx, policy, 1, debtID, channeldomain.ChannelEmail, friday)
	require.NoError(t, err)
	assert.Equal(t, domain.Block(domain.ReasonDailyCap), got)

	// Next Monday the daily count resets but three contacts fall in the last seven days.
	monday := time.Date(2025, 1, 13, 16, 0, 0, 0, time.UTC)
	insertHistory(t, db, node, debtID, historydomain.OutcomeSent, false, time.Date(2025, 1, 11, 16, 0, 0, 0, time.UTC))
	got, err = engine.Allowed(ctx, policy, 1, debtID, channeldomain.ChannelEmail, monday)
	require.NoError(t, err)
	assert.Equal(t, domain.Block(domain.ReasonWeeklyCap), got)
}

func TestLoaderOverlaysGlobalThenOwnerSettings(t *testing.T) {
	ctx := context.Background()
	db := enginetest.OpenDB(t)
	node := enginetest.NewNode(t)
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	ownerID := node.Generate()
	otherOwner := node.Generate()
	rows := []domain.Setting{
		{ID: node.Generate(), Key: domain.KeyMaxPerDay, Value: "4"},
		{ID: node.Generate(), Key: domain.KeyRetryAttempts, Value: "5"},
		{ID: node.Generate(), OwnerID: &ownerID, Key: domain.KeyMaxPerDay, Value: "1"},
		{ID: node.Generate(), OwnerID: &ownerID, Key: "retry.sms.base_delay", Value: "30s"},
		{ID: node.Generate(), OwnerID: &ownerID, Key: domain.KeyMaxPerWeek, Value: "many"},
		{ID: node.Generate(), OwnerID: &otherOwner, Key: domain.KeyMaxPerDay, Value: "9"},
	}
	for i := range rows {
		rows[i].CreatedAt = now
		rows[i].UpdatedAt = now
		require.NoError(t, db.Create(&rows[i]).Error)
	}

	loader := guardrail.NewLoader(guardrail.LoaderParams{
		DB:     db,
		Log:    zap.NewNop(),
		Config: config.Config{Engine: config.EngineConfig{Timezone: "America/Mexico_City"}},
		Holder: config.NewStaticGuardrailConfigHolder(config.DefaultGuardrailFile()),
		Repo:   guardrailrepo.Provide(),
	})

	cfg, err := loader.Load(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxPerDay)
	assert.Equal(t, 6, cfg.MaxPerWeek, "invalid override keeps file default")
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "America/Mexico_City", cfg.Loc().String())
	assert.True(t, cfg.BlockedWeekdays[time.Sunday])

	sms := cfg.RetryFor(channeldomain.ChannelSMS)
	assert.Equal(t, 30*time.Second, sms.BaseDelay)
	assert.Equal(t, 5, sms.MaxAttempts)
	assert.Equal(t, cfg.Retry, cfg.RetryFor(channeldomain.ChannelEmail))

	other, err := loader.Load(ctx, otherOwner)
	require.NoError(t, err)
	assert.Equal(t, 9, other.MaxPerDay)
}
