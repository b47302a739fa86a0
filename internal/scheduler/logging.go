package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	debtdomain "github.com/smallbiznis/dunning/internal/debt/domain"
	obscontext "github.com/smallbiznis/dunning/internal/observability/context"
	obslogger "github.com/smallbiznis/dunning/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/dunning/internal/observability/metrics"
	"github.com/smallbiznis/dunning/internal/trigger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	processedCount int
	errorCount     int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = s.withLogContext(ctx, 0)
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return run
	}
	return nil
}

func (s *Scheduler) withLogContext(ctx context.Context, ownerID snowflake.ID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	if ownerID != 0 {
		ctx = obscontext.WithOwnerID(ctx, ownerID.String())
	}
	return ctx
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (r *jobRun) fields(done bool) []zap.Field {
	fields := []zap.Field{
		zap.String("job", r.job),
		zap.String("run_id", r.runID),
	}
	if !done {
		return append(fields, zap.Int("batch_size", r.batchSize))
	}
	return append(fields,
		zap.Int64("duration_ms", time.Since(r.startedAt).Milliseconds()),
		zap.Int("processed_count", r.processedCount),
		zap.Int("error_count", r.errorCount),
	)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run != nil {
		s.logger(ctx).Info("scheduler.job.start", run.fields(false)...)
	}
}

// logJobFinish warns when any item in the run failed.
func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	level := zapcore.InfoLevel
	if run.errorCount > 0 {
		level = zapcore.WarnLevel
	}
	s.logger(ctx).Log(level, "scheduler.job.finish", run.fields(true)...)
}

// logSchedulerError counts the failure against run and logs it with its
// metric classification.
func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, job string, ownerID snowflake.ID, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.IncError()
	s.logger(s.withLogContext(ctx, ownerID)).Error(msg, append([]zap.Field{
		zap.String("job", job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}, fields...)...)
}

func (s *Scheduler) logDebtOverdue(ctx context.Context, debt debtdomain.Debt) {
	obslogger.ForDebt(s.logger(ctx), debt.OwnerID, debt.ID).Info("debt.overdue",
		zap.String("due_date", debt.DueDate.Format(time.DateOnly)),
		zap.String("previous_state", string(debt.State)),
	)
}

// logCandidateSkipped reports configuration problems at warn. Ordinary
// non-firing candidates stay at debug.
func (s *Scheduler) logCandidateSkipped(ctx context.Context, c trigger.Candidate, err error, configIssue bool) {
	level := zapcore.DebugLevel
	if configIssue {
		level = zapcore.WarnLevel
	}
	obslogger.ForDebt(s.logger(ctx), c.Debt.OwnerID, c.Debt.ID).Log(level, "programacion.skipped",
		zap.String("campaign_id", idString(c.Campaign.ID)),
		zap.String("node_id", idString(c.Node.ID)),
		zap.String("event_kind", string(c.Trigger.EventKind)),
		zap.String("reason", err.Error()),
	)
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}
