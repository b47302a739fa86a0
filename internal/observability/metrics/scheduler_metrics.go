package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	dbpkg "github.com/smallbiznis/dunning/pkg/db"
	"gorm.io/gorm"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeLockContended    = "lock_contended"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonLockNotObtained      = "lock_not_obtained"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonSkipLockedEmpty = "skip_locked_empty"
	SchedulerBatchDeferredReasonPassLocked      = "pass_locked"
	SchedulerBatchDeferredReasonThrottled       = "throttled"
)

const (
	StageOverdueSweep = "overdue_sweep"
	StageEvaluate     = "evaluate"
	StageDispatch     = "dispatch"
	StageRetry        = "retry"
	StageWebhook      = "webhook"
	StageRecovery     = "recovery"
)

// Scheduled action statuses as they appear on transition labels.
const (
	ActionStatusPending   = "pending"
	ActionStatusRunning   = "running"
	ActionStatusDone      = "done"
	ActionStatusCancelled = "cancelled"
)

const (
	LockResourceScheduledActionsForWork = "scheduled_actions_for_work"
	LockResourceDebtsForEvaluation      = "debts_for_evaluation"
	LockResourceWorkflowState           = "workflow_debt_state"
)

// SchedulerMetrics captures engine job health signals.
type SchedulerMetrics struct {
	jobRuns           *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobTimeouts       *prometheus.CounterVec
	jobErrors         *prometheus.CounterVec
	batchProcessed    *prometheus.CounterVec
	batchDeferred     *prometheus.CounterVec
	runLoopLag        prometheus.Observer
	actionTransitions *prometheus.CounterVec
	stageErrors       *prometheus.CounterVec
	dbLockWait        *prometheus.HistogramVec
	transitionCounts  map[string]map[string]prometheus.Counter
	stageErrorCounts  map[string]map[string]prometheus.Counter
	lockWaitObserver  map[string]prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func serviceLabel(cfg Config) string {
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		return name
	}
	return "dunning"
}

func envLabel(cfg Config) string {
	if env := strings.TrimSpace(cfg.Environment); env != "" {
		return env
	}
	return "unknown"
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	constLabels := prometheus.Labels{
		"service": serviceLabel(cfg),
		"env":     envLabel(cfg),
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "dunning_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "dunning_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "dunning_scheduler_job_timeouts_total",
		Help:        "Scheduler jobs that ran past their soft timeout.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "dunning_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "dunning_scheduler_batch_processed_total",
		Help:        "Items processed per job and resource.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "dunning_scheduler_batch_deferred_total",
		Help:        "Scheduler batch deferrals by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "dunning_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	actionTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "dunning_scheduled_action_transition_total",
		Help:        "Scheduled action status transitions.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	stageErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "dunning_engine_stage_error_total",
		Help:        "Engine errors by stage and error type.",
		ConstLabels: constLabels,
	}, []string{"stage", "error_type"})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "dunning_scheduler_db_lock_wait_seconds",
		Help:        "Time spent claiming rows with SELECT FOR UPDATE SKIP LOCKED.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		batchDeferred,
		runLoopLag,
		actionTransitions,
		stageErrors,
		dbLockWait,
	)

	transitionCounts := map[string]map[string]prometheus.Counter{}
	for from, targets := range map[string][]string{
		ActionStatusPending: {ActionStatusRunning, ActionStatusCancelled},
		ActionStatusRunning: {ActionStatusDone, ActionStatusCancelled, ActionStatusPending},
	} {
		counters := map[string]prometheus.Counter{}
		for _, to := range targets {
			counters[to] = actionTransitions.WithLabelValues(from, to)
		}
		transitionCounts[from] = counters
	}

	lockWaitObserver := map[string]prometheus.Observer{
		LockResourceScheduledActionsForWork: dbLockWait.WithLabelValues(LockResourceScheduledActionsForWork),
		LockResourceDebtsForEvaluation:      dbLockWait.WithLabelValues(LockResourceDebtsForEvaluation),
		LockResourceWorkflowState:           dbLockWait.WithLabelValues(LockResourceWorkflowState),
	}

	stageErrorCounts := map[string]map[string]prometheus.Counter{}
	errorTypes := []string{
		SchedulerErrorTypeDeadlineExceeded,
		SchedulerErrorTypeLockContended,
		SchedulerErrorTypeBusinessRule,
		SchedulerErrorTypeDB,
	}
	for _, stage := range []string{
		StageOverdueSweep,
		StageEvaluate,
		StageDispatch,
		StageRetry,
		StageWebhook,
		StageRecovery,
	} {
		stageCounters := map[string]prometheus.Counter{}
		for _, errType := range errorTypes {
			stageCounters[errType] = stageErrors.WithLabelValues(stage, errType)
		}
		stageErrorCounts[stage] = stageCounters
	}

	return &SchedulerMetrics{
		jobRuns:           jobRuns,
		jobDuration:       jobDuration,
		jobTimeouts:       jobTimeouts,
		jobErrors:         jobErrors,
		batchProcessed:    batchProcessed,
		batchDeferred:     batchDeferred,
		runLoopLag:        runLoopLag,
		actionTransitions: actionTransitions,
		stageErrors:       stageErrors,
		dbLockWait:        dbLockWait,
		transitionCounts:  transitionCounts,
		stageErrorCounts:  stageErrorCounts,
		lockWaitObserver:  lockWaitObserver,
	}
}

// IncJobRun increments the run counter for a scheduler job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the scheduler job.
func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the scheduler job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

// AddBatchProcessed increments the batch processed counter for a resource by count.
func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 || m.batchProcessed == nil {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// IncBatchDeferred increments the batch deferred counter for a job and reason.
func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m == nil || m.batchDeferred == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// IncActionTransition counts a scheduled action status change.
func (m *SchedulerMetrics) IncActionTransition(from, to string) {
	if m == nil {
		return
	}
	if toCounters, ok := m.transitionCounts[from]; ok {
		if counter, ok := toCounters[to]; ok {
			counter.Inc()
			return
		}
	}
	m.actionTransitions.WithLabelValues(from, to).Inc()
}

// IncStageError counts an engine error by stage and type.
func (m *SchedulerMetrics) IncStageError(stage string, err error) {
	if m == nil || err == nil {
		return
	}
	errorType := ClassifySchedulerErrorType(err)
	if stageCounters, ok := m.stageErrorCounts[stage]; ok {
		if counter, ok := stageCounters[errorType]; ok {
			counter.Inc()
			return
		}
	}
	m.stageErrors.WithLabelValues(stage, errorType).Inc()
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *SchedulerMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string {
	if err == nil {
		return SchedulerErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerErrorTypeDeadlineExceeded
	}
	if errors.Is(err, redislock.ErrNotObtained) {
		return SchedulerErrorTypeLockContended
	}
	if isDBError(err) {
		return SchedulerErrorTypeDB
	}
	return SchedulerErrorTypeBusinessRule
}

// IsSchedulerErrorRetryable reports whether the scheduler error should be retried.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, redislock.ErrNotObtained) {
		return true
	}
	return isDBError(err)
}

// ClassifySchedulerJobReason maps scheduler job errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SchedulerJobReasonDeadlineExceeded
	case errors.Is(err, redislock.ErrNotObtained):
		return SchedulerJobReasonLockNotObtained
	case dbpkg.IsLockNotAvailable(err):
		return SchedulerJobReasonDBLockTimeout
	case dbpkg.IsSerializationFailure(err):
		return SchedulerJobReasonSerializationFailure
	case dbpkg.IsDuplicateKeyErr(err):
		return SchedulerJobReasonUniqueViolation
	default:
		return SchedulerJobReasonUnknown
	}
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrInvalidValue) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
