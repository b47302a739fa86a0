// Package enginetest provides an in-memory database and fixtures for engine tests.
package enginetest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB returns an isolated in-memory SQLite database with the engine schema.
// FOR UPDATE clauses are stripped since SQLite serializes writers anyway.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	stripLocks := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	if err := db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripLocks); err != nil {
		t.Fatalf("register query callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripLocks); err != nil {
		t.Fatalf("register row callback: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v\n%s", err, stmt)
		}
	}
	return db
}

// NewNode returns a snowflake generator for fixtures.
func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

var schema = []string{
	`CREATE TABLE debts (
		id BIGINT PRIMARY KEY,
		owner_id BIGINT NOT NULL,
		debtor_id BIGINT NOT NULL,
		amount NUMERIC NOT NULL,
		currency TEXT NOT NULL,
		due_date DATETIME NOT NULL,
		state TEXT NOT NULL,
		deleted_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE debtor_contacts (
		id BIGINT PRIMARY KEY,
		debtor_id BIGINT NOT NULL,
		type TEXT NOT NULL,
		value TEXT NOT NULL,
		preferred BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE payments (
		id BIGINT PRIMARY KEY,
		debt_id BIGINT NOT NULL,
		amount NUMERIC NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE campaigns (
		id BIGINT PRIMARY KEY,
		owner_id BIGINT NOT NULL,
		name TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE message_templates (
		id BIGINT PRIMARY KEY,
		owner_id BIGINT NOT NULL,
		channel TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE campaign_nodes (
		id BIGINT PRIMARY KEY,
		campaign_id BIGINT NOT NULL,
		type TEXT NOT NULL,
		template_id BIGINT,
		agent_ref TEXT,
		filter TEXT,
		next_node_id BIGINT,
		deleted_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE campaign_triggers (
		id BIGINT PRIMARY KEY,
		campaign_id BIGINT NOT NULL,
		node_id BIGINT NOT NULL,
		event_kind TEXT NOT NULL,
		offset_days INTEGER,
		active BOOLEAN NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE workflow_debt_states (
		id BIGINT PRIMARY KEY,
		owner_id BIGINT NOT NULL,
		campaign_id BIGINT NOT NULL,
		debt_id BIGINT NOT NULL,
		last_node_id BIGINT,
		next_evaluation_date DATETIME,
		ledger TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_workflow_debt_states_campaign_debt ON workflow_debt_states (campaign_id, debt_id)`,
	`CREATE TABLE scheduled_actions (
		id BIGINT PRIMARY KEY,
		owner_id BIGINT NOT NULL,
		debt_id BIGINT NOT NULL,
		contact_id BIGINT,
		campaign_id BIGINT NOT NULL,
		node_id BIGINT,
		channel TEXT NOT NULL,
		destination TEXT NOT NULL DEFAULT '',
		template_id BIGINT,
		agent_ref TEXT,
		variables TEXT,
		event_kind TEXT NOT NULL DEFAULT '',
		scheduled_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		retry_of BIGINT,
		started_at DATETIME,
		finished_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_scheduled_actions_in_flight
		ON scheduled_actions (campaign_id, debt_id, node_id)
		WHERE status IN ('pending', 'running')`,
	`CREATE TABLE action_history (
		id BIGINT PRIMARY KEY,
		scheduled_action_id BIGINT NOT NULL,
		owner_id BIGINT NOT NULL,
		debt_id BIGINT NOT NULL,
		campaign_id BIGINT NOT NULL,
		node_id BIGINT,
		channel TEXT NOT NULL,
		destination TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		delivery_status TEXT NOT NULL DEFAULT '',
		failure_class TEXT NOT NULL DEFAULT '',
		external_id TEXT,
		attempt INTEGER NOT NULL DEFAULT 0,
		details TEXT,
		guardrail_blocked BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX idx_action_history_external_id ON action_history (external_id)`,
	`CREATE TABLE guardrail_settings (
		id BIGINT PRIMARY KEY,
		owner_id BIGINT,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_guardrail_settings_owner_key ON guardrail_settings (COALESCE(owner_id, 0), key)`,
	`CREATE TABLE webhook_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		received_at DATETIME NOT NULL,
		processed_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_webhook_events_provider_event ON webhook_events (provider, provider_event_id)`,
}
