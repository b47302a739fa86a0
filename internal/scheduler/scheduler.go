package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/dunning/internal/clock"
	debtdomain "github.com/smallbiznis/dunning/internal/debt/domain"
	"github.com/smallbiznis/dunning/internal/dispatcher"
	"github.com/smallbiznis/dunning/internal/lock"
	obsmetrics "github.com/smallbiznis/dunning/internal/observability/metrics"
	programaciondomain "github.com/smallbiznis/dunning/internal/programacion/domain"
	programacion "github.com/smallbiznis/dunning/internal/programacion/service"
	"github.com/smallbiznis/dunning/internal/scheduler/guard"
	"github.com/smallbiznis/dunning/internal/trigger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobRecoverySweep    = "recovery_sweep"
	JobOverdueSweep     = "overdue_sweep"
	JobEvaluateTriggers = "evaluate_triggers"
	JobDispatchActions  = "dispatch_actions"
)

var (
	ErrInvalidConfig = errors.New("invalid_scheduler_config")
	ErrPassLocked    = errors.New("pass_locked")

	errPassAborted = errors.New("pass_aborted")
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     Config `optional:"true"`
	DebtRepo   debtdomain.Repository
	ActionRepo programaciondomain.Repository
	Evaluator  *trigger.Evaluator
	Generator  *programacion.Generator
	Dispatcher *dispatcher.Dispatcher
	Locker     *lock.PassLocker `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	loc        *time.Location
	debtRepo   debtdomain.Repository
	actionRepo programaciondomain.Repository
	evaluator  *trigger.Evaluator
	generator  *programacion.Generator
	dispatcher *dispatcher.Dispatcher
	locker     *lock.PassLocker

	mu             sync.Mutex
	schedule       cron.Schedule
	nextEvaluation time.Time
}

// EvaluateResult summarizes one evaluation pass.
type EvaluateResult struct {
	MarkedOverdue int `json:"marked_overdue"`
	Debts         int `json:"debts"`
	Candidates    int `json:"candidates"`
	Scheduled     int `json:"scheduled"`
	Existing      int `json:"existing"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.DebtRepo == nil ||
		p.ActionRepo == nil || p.Evaluator == nil || p.Generator == nil || p.Dispatcher == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()

	var schedule cron.Schedule
	if expr := strings.TrimSpace(cfg.EvaluationCron); expr != "" {
		parsed, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: evaluation cron %q: %w", ErrInvalidConfig, expr, err)
		}
		schedule = parsed
	}

	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        cfg,
		genID:      p.GenID,
		clock:      p.Clock,
		loc:        p.Evaluator.Location(),
		debtRepo:   p.DebtRepo,
		actionRepo: p.ActionRepo,
		evaluator:  p.Evaluator,
		generator:  p.Generator,
		dispatcher: p.Dispatcher,
		locker:     p.Locker,
		schedule:   schedule,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline and cancellation end the job softly; the next tick picks up
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once. Recovery runs first so actions
// released from a crashed dispatch are sent in the same tick, and the
// overdue sweep runs before evaluation so days_after_due sees fresh state.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobRecoverySweep, s.isJobEnabled(JobRecoverySweep), func(ctx context.Context) error {
			return s.runJob(ctx, JobRecoverySweep, s.cfg.DispatchBatchSize, 30*time.Second, s.RecoverySweepJob)
		}},
		{JobOverdueSweep, s.isJobEnabled(JobOverdueSweep), func(ctx context.Context) error {
			return s.runJob(ctx, JobOverdueSweep, s.cfg.BatchSize, s.cfg.JobTimeout, s.OverdueSweepJob)
		}},
		{JobEvaluateTriggers, s.isJobEnabled(JobEvaluateTriggers) && s.evaluationDue(s.clock.Now()), func(ctx context.Context) error {
			return s.runJob(ctx, JobEvaluateTriggers, s.cfg.BatchSize, s.cfg.JobTimeout, s.EvaluateTriggersJob)
		}},
		{JobDispatchActions, s.isJobEnabled(JobDispatchActions), func(ctx context.Context) error {
			return s.runJob(ctx, JobDispatchActions, s.cfg.DispatchBatchSize, s.cfg.JobTimeout, s.DispatchActionsJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// If EnabledJobs is empty, all jobs are enabled by default (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// evaluationDue reports whether the cron schedule has reached its next
// evaluation. The first call after start is always due.
func (s *Scheduler) evaluationDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return true
	}
	return !now.Before(s.nextEvaluation)
}

func (s *Scheduler) markEvaluated(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return
	}
	s.nextEvaluation = s.schedule.Next(now.In(s.loc))
}

// NextEvaluation is zero until the first evaluation pass completes.
func (s *Scheduler) NextEvaluation() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextEvaluation
}

func (s *Scheduler) OverdueSweepJob(ctx context.Context) error {
	err := s.withPassLock(ctx, JobOverdueSweep, func(ctx context.Context) error {
		_, err := s.sweepOverdue(ctx, s.clock.Now())
		return err
	})
	if errors.Is(err, ErrPassLocked) {
		return nil
	}
	return err
}

func (s *Scheduler) EvaluateTriggersJob(ctx context.Context) error {
	err := s.withPassLock(ctx, JobEvaluateTriggers, func(ctx context.Context) error {
		now := s.clock.Now()
		_, err := s.evaluate(ctx, now)
		if !errors.Is(err, errPassAborted) {
			s.markEvaluated(now)
		}
		return err
	})
	if errors.Is(err, ErrPassLocked) {
		return nil
	}
	return err
}

func (s *Scheduler) DispatchActionsJob(ctx context.Context) error {
	_, err := s.DispatchPass(ctx)
	if errors.Is(err, ErrPassLocked) {
		return nil
	}
	return err
}

// EvaluatePass marks past-due debts overdue and then evaluates every open
// debt, outside the cron schedule. It returns ErrPassLocked when another
// replica holds either pass.
func (s *Scheduler) EvaluatePass(ctx context.Context) (EvaluateResult, error) {
	var res EvaluateResult
	err := s.withPassLock(ctx, JobOverdueSweep, func(ctx context.Context) error {
		marked, err := s.sweepOverdue(ctx, s.clock.Now())
		res.MarkedOverdue = marked
		return err
	})
	if err != nil {
		return res, err
	}

	err = s.withPassLock(ctx, JobEvaluateTriggers, func(ctx context.Context) error {
		evaluated, err := s.evaluate(ctx, s.clock.Now())
		evaluated.MarkedOverdue = res.MarkedOverdue
		res = evaluated
		return err
	})
	return res, err
}

// DispatchPass drains due actions once.
func (s *Scheduler) DispatchPass(ctx context.Context) (dispatcher.Result, error) {
	var res dispatcher.Result
	err := s.withPassLock(ctx, JobDispatchActions, func(ctx context.Context) error {
		ctx, run, owner := s.ensureJobRun(ctx, JobDispatchActions, s.cfg.DispatchBatchSize)
		if owner {
			s.logJobStart(ctx, run)
			defer s.logJobFinish(ctx, run)
		}

		var err error
		res, err = s.dispatcher.Drain(ctx)
		run.AddProcessed(res.Claimed)
		obsmetrics.Scheduler().AddBatchProcessed(JobDispatchActions, "scheduled_actions", res.Claimed)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.dispatch.failed", JobDispatchActions, 0, err)
			return err
		}
		if res.Claimed > 0 {
			s.logger(ctx).Info("scheduler.dispatch.drained",
				zap.Int("claimed", res.Claimed),
				zap.Int("sent", res.Sent),
				zap.Int("failed", res.Failed),
				zap.Int("blocked", res.Blocked),
				zap.Int("deferred", res.Deferred),
				zap.Int("errored", res.Errored),
			)
		}
		return nil
	})
	return res, err
}

// sweepOverdue moves new/current debts whose due date has passed to overdue.
func (s *Scheduler) sweepOverdue(ctx context.Context, now time.Time) (int, error) {
	ctx, run, owner := s.ensureJobRun(ctx, JobOverdueSweep, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	today := clock.DateIn(now, s.loc)
	schedMetrics := obsmetrics.Scheduler()
	var (
		marked int
		errs   []error
	)
	for {
		if err := ctx.Err(); err != nil {
			return marked, errors.Join(append(errs, err)...)
		}
		debts, err := s.debtRepo.ListPastDue(ctx, s.db, today, s.cfg.BatchSize)
		if err != nil {
			schedMetrics.IncStageError(obsmetrics.StageOverdueSweep, err)
			return marked, errors.Join(append(errs, fmt.Errorf("list past due debts: %w", err))...)
		}
		if len(debts) == 0 {
			break
		}

		progressed := 0
		for _, debt := range debts {
			if err := guard.EnsureDebtCanBecomeOverdue(debt.State, debt.DeletedAt, debt.DueDate, today); err != nil {
				continue
			}
			ok, err := s.debtRepo.MarkOverdue(ctx, s.db, debt.ID, now)
			if err != nil {
				schedMetrics.IncStageError(obsmetrics.StageOverdueSweep, err)
				s.logSchedulerError(ctx, run, "scheduler.debt.overdue_failed", JobOverdueSweep, debt.OwnerID, err,
					zap.String("debt_id", idString(debt.ID)),
				)
				errs = append(errs, fmt.Errorf("debt %s: %w", debt.ID, err))
				continue
			}
			if ok {
				marked++
				progressed++
				s.logDebtOverdue(ctx, debt)
			}
		}
		run.AddProcessed(progressed)
		schedMetrics.AddBatchProcessed(JobOverdueSweep, "debts", progressed)

		// rows that failed to update come back on the next query
		if progressed == 0 || len(debts) < s.cfg.BatchSize {
			break
		}
	}
	return marked, errors.Join(errs...)
}

// evaluate walks every open debt in id order. Only a failure to read the
// first page aborts the pass; later failures are joined.
func (s *Scheduler) evaluate(ctx context.Context, now time.Time) (EvaluateResult, error) {
	ctx, run, owner := s.ensureJobRun(ctx, JobEvaluateTriggers, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	schedMetrics := obsmetrics.Scheduler()
	var (
		res   EvaluateResult
		errs  []error
		after snowflake.ID
		pages int
	)
	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		lockStart := time.Now()
		debts, err := s.debtRepo.ListOpen(ctx, s.db, after, s.cfg.BatchSize)
		schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceDebtsForEvaluation, time.Since(lockStart))
		if err != nil {
			schedMetrics.IncStageError(obsmetrics.StageEvaluate, err)
			if pages == 0 {
				return res, fmt.Errorf("%w: list open debts: %w", errPassAborted, err)
			}
			errs = append(errs, fmt.Errorf("list open debts after %s: %w", after, err))
			break
		}
		pages++

		for _, debt := range debts {
			after = debt.ID
			if err := guard.EnsureDebtEvaluable(debt.State, debt.DeletedAt); err != nil {
				continue
			}
			res.Debts++
			if err := s.evaluateDebt(ctx, run, debt, now, &res); err != nil {
				errs = append(errs, fmt.Errorf("debt %s: %w", debt.ID, err))
			}
		}
		run.AddProcessed(len(debts))
		schedMetrics.AddBatchProcessed(JobEvaluateTriggers, "debts", len(debts))

		if len(debts) < s.cfg.BatchSize {
			break
		}
	}

	if res.Scheduled > 0 || res.Failed > 0 {
		s.logger(ctx).Info("scheduler.evaluate.summary",
			zap.Int("debts", res.Debts),
			zap.Int("candidates", res.Candidates),
			zap.Int("scheduled", res.Scheduled),
			zap.Int("existing", res.Existing),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
		)
	}
	return res, errors.Join(errs...)
}

func (s *Scheduler) evaluateDebt(ctx context.Context, run *jobRun, debt debtdomain.Debt, now time.Time, res *EvaluateResult) error {
	ctx = s.withLogContext(ctx, debt.OwnerID)
	schedMetrics := obsmetrics.Scheduler()

	var errs []error
	candidates, err := s.evaluator.Evaluate(ctx, debt, now)
	if err != nil {
		schedMetrics.IncStageError(obsmetrics.StageEvaluate, err)
		s.logSchedulerError(ctx, run, "scheduler.trigger.evaluate_failed", JobEvaluateTriggers, debt.OwnerID, err,
			zap.String("debt_id", idString(debt.ID)),
		)
		errs = append(errs, err)
	}
	res.Candidates += len(candidates)

	for _, c := range candidates {
		action, err := s.generator.Generate(ctx, c)
		switch {
		case err == nil && action == nil:
			res.Existing++
		case err == nil:
			res.Scheduled++
		case programacion.Skipped(err):
			res.Skipped++
			s.logCandidateSkipped(ctx, c, err, false)
		case programacion.IsConfigError(err):
			res.Skipped++
			s.logCandidateSkipped(ctx, c, err, true)
		default:
			res.Failed++
			schedMetrics.IncStageError(obsmetrics.StageEvaluate, err)
			s.logSchedulerError(ctx, run, "scheduler.programacion.failed", JobEvaluateTriggers, debt.OwnerID, err,
				zap.String("debt_id", idString(debt.ID)),
				zap.String("node_id", idString(c.Node.ID)),
			)
			errs = append(errs, fmt.Errorf("node %s: %w", c.Node.ID, err))
		}
	}
	return errors.Join(errs...)
}
