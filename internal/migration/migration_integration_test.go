//go:build integration

package migration_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	debtdomain "github.com/smallbiznis/dunning/internal/debt/domain"
	debtrepo "github.com/smallbiznis/dunning/internal/debt/repository"
	"github.com/smallbiznis/dunning/internal/migration"
	programaciondomain "github.com/smallbiznis/dunning/internal/programacion/domain"
	programacionrepo "github.com/smallbiznis/dunning/internal/programacion/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupPostgres(t *testing.T) (*gorm.DB, *sql.DB, context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	t.Cleanup(cancel)

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("dunning_test"),
		postgres.WithUsername("dunning"),
		postgres.WithPassword("dunning"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	raw, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	db, err := gorm.Open(gormpostgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return db, raw, ctx
}

func TestMigrationsApplyOnPostgres(t *testing.T) {
	db, raw, ctx := setupPostgres(t)

	require.NoError(t, migration.RunMigrations(raw))
	// second run is a no-op
	require.NoError(t, migration.RunMigrations(raw))

	version, dirty, err := migration.Version(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)
	assert.False(t, dirty)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Date(2025, 1, 17, 10, 0, 0, 0, time.UTC)

	debt := debtdomain.Debt{
		ID:        node.Generate(),
		OwnerID:   node.Generate(),
		DebtorID:  node.Generate(),
		Amount:    decimal.NewFromInt(1500),
		Currency:  "MXN",
		DueDate:   time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		State:     debtdomain.StateCurrent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, db.WithContext(ctx).Create(&debt).Error)

	debts := debtrepo.Provide()
	pastDue, err := debts.ListPastDue(ctx, db, time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC), 10)
	require.NoError(t, err)
	require.Len(t, pastDue, 1)

	changed, err := debts.MarkOverdue(ctx, db, debt.ID, now)
	require.NoError(t, err)
	assert.True(t, changed)

	actions := programacionrepo.Provide()
	campaignID := node.Generate()
	nodeID := node.Generate()
	newAction := func() *programaciondomain.Action {
		return &programaciondomain.Action{
			ID:          node.Generate(),
			OwnerID:     debt.OwnerID,
			DebtID:      debt.ID,
			CampaignID:  campaignID,
			NodeID:      &nodeID,
			Channel:     "email",
			Destination: "ana@example.com",
			EventKind:   "days_after_due",
			ScheduledAt: now,
			Status:      programaciondomain.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	first := newAction()
	require.NoError(t, actions.Insert(ctx, db, first))
	assert.Error(t, actions.Insert(ctx, db, newAction()), "second in-flight action for the same node must be rejected")

	var claimed []programaciondomain.Action
	require.NoError(t, db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		claimed, err = actions.ClaimDue(ctx, tx, now, 10)
		return err
	}))
	require.Len(t, claimed, 1)
	assert.Equal(t, first.ID, claimed[0].ID)
}
