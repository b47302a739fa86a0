package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bsm/redislock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func testSchedulerMetrics() *SchedulerMetrics {
	return newSchedulerMetrics(prometheus.NewRegistry(), Config{ServiceName: "dunning", Environment: "test"})
}

func TestClassifySchedulerJobReason(t *testing.T) {
	assert.Equal(t, SchedulerJobReasonDeadlineExceeded, ClassifySchedulerJobReason(context.Canceled))
	assert.Equal(t, SchedulerJobReasonLockNotObtained,
		ClassifySchedulerJobReason(fmt.Errorf("dispatch pass: %w", redislock.ErrNotObtained)))
	assert.Equal(t, SchedulerJobReasonDBLockTimeout,
		ClassifySchedulerJobReason(fmt.Errorf("claim due: %w", &pgconn.PgError{Code: "55P03"})))
	assert.Equal(t, SchedulerJobReasonSerializationFailure,
		ClassifySchedulerJobReason(&pgconn.PgError{Code: "40001"}))
	assert.Equal(t, SchedulerJobReasonUniqueViolation,
		ClassifySchedulerJobReason(errors.New("UNIQUE constraint failed: scheduled_actions.debt_id")))
	assert.Equal(t, SchedulerJobReasonUnknown, ClassifySchedulerJobReason(errors.New("template missing")))
	assert.Equal(t, SchedulerJobReasonUnknown, ClassifySchedulerJobReason(nil))
}

func TestClassifySchedulerErrorType(t *testing.T) {
	assert.Equal(t, SchedulerErrorTypeLockContended, ClassifySchedulerErrorType(redislock.ErrNotObtained))
	assert.Equal(t, SchedulerErrorTypeDB, ClassifySchedulerErrorType(gorm.ErrInvalidTransaction))
	assert.Equal(t, SchedulerErrorTypeBusinessRule, ClassifySchedulerErrorType(errors.New("no contact")))

	assert.True(t, IsSchedulerErrorRetryable(context.DeadlineExceeded))
	assert.False(t, IsSchedulerErrorRetryable(gorm.ErrRecordNotFound))
}

func TestSchedulerCounters(t *testing.T) {
	m := testSchedulerMetrics()

	m.AddBatchProcessed("evaluate_triggers", "debts", 3)
	m.AddBatchProcessed("evaluate_triggers", "debts", 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.batchProcessed.WithLabelValues("evaluate_triggers", "debts")))

	m.IncActionTransition(ActionStatusPending, ActionStatusRunning)
	m.IncActionTransition(ActionStatusRunning, ActionStatusDone)
	m.IncActionTransition(ActionStatusRunning, ActionStatusDone)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.actionTransitions.WithLabelValues(ActionStatusRunning, ActionStatusDone)))

	m.IncStageError(StageDispatch, &pgconn.PgError{Code: "08006"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageErrors.WithLabelValues(StageDispatch, SchedulerErrorTypeDB)))
}

func TestNilSchedulerMetricsIsSafe(t *testing.T) {
	var m *SchedulerMetrics
	assert.NotPanics(t, func() {
		m.IncJobRun("evaluate_triggers")
		m.IncActionTransition(ActionStatusPending, ActionStatusCancelled)
		m.IncStageError(StageWebhook, errors.New("x"))
	})
}
