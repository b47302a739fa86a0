package scheduler

import (
	"context"
	"fmt"

	obsmetrics "github.com/smallbiznis/dunning/internal/observability/metrics"
	programaciondomain "github.com/smallbiznis/dunning/internal/programacion/domain"
	"go.uber.org/zap"
)

// RecoverySweepJob returns actions stuck in running past RecoveryThreshold to
// pending. A crash between claim and record leaves them there.
func (s *Scheduler) RecoverySweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRecoverySweep, s.cfg.DispatchBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.cfg.RecoveryThreshold)
	schedMetrics := obsmetrics.Scheduler()

	recovered, err := s.actionRepo.RecoverStale(ctx, s.db, cutoff, now)
	if err != nil {
		schedMetrics.IncStageError(obsmetrics.StageRecovery, err)
		s.logSchedulerError(ctx, run, "scheduler.recovery.failed", JobRecoverySweep, 0, err)
		return fmt.Errorf("recover stale actions: %w", err)
	}
	if recovered == 0 {
		return nil
	}

	run.AddProcessed(int(recovered))
	schedMetrics.AddBatchProcessed(JobRecoverySweep, "scheduled_actions", int(recovered))
	for range recovered {
		schedMetrics.IncActionTransition(string(programaciondomain.StatusRunning), string(programaciondomain.StatusPending))
	}
	s.logger(ctx).Warn("scheduler.actions.recovered",
		zap.Int64("count", recovered),
		zap.Time("cutoff", cutoff),
	)
	return nil
}
