package logger

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/dunning/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextOmitsEmptyFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	WithContext(ctx, base).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "system", fields["actor_type"])
	assert.Equal(t, "scheduler", fields["actor_id"])
	assert.NotContains(t, fields, "owner_id")
	assert.NotContains(t, fields, "trace_id")
}

func TestForDebt(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ForDebt(zap.New(core), snowflake.ID(7), snowflake.ID(42)).Info("scoped")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "7", fields["owner_id"])
	assert.Equal(t, "42", fields["debt_id"])
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(nil, Config{Level: "loud"})
	require.Error(t, err)
}

func TestEncoding(t *testing.T) {
	assert.Equal(t, "console", encoding(" Console "))
	assert.Equal(t, "json", encoding("text"))
}

func TestAccessLevel(t *testing.T) {
	assert.Equal(t, zapcore.ErrorLevel, accessLevel("/v1/engine/dispatch", 500, "internal_error"))
	assert.Equal(t, zapcore.DebugLevel, accessLevel("/health", 200, ""))
	assert.Equal(t, zapcore.DebugLevel, accessLevel("/webhooks/:provider", 400, "validation_error"))
	assert.Equal(t, zapcore.InfoLevel, accessLevel("/webhooks/:provider", 401, "unauthorized"))
	assert.Equal(t, zapcore.InfoLevel, accessLevel("/v1/debts/:id/actions", 200, ""))
}

func TestDescribeSQL(t *testing.T) {
	op, table := describeSQL(`UPDATE "scheduled_actions" SET status = $1 WHERE id = $2`)
	assert.Equal(t, "UPDATE", op)
	assert.Equal(t, "scheduled_actions", table)

	op, table = describeSQL("WITH due AS (SELECT id FROM scheduled_actions) SELECT * FROM due")
	assert.Equal(t, "SELECT", op)
	assert.Equal(t, "scheduled_actions", table)

	op, table = describeSQL("")
	assert.Equal(t, "UNKNOWN", op)
	assert.Empty(t, table)
}
