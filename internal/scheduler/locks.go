package scheduler

import (
	"context"

	obsmetrics "github.com/smallbiznis/dunning/internal/observability/metrics"
	"go.uber.org/zap"
)

// withPassLock runs fn while holding the replica-wide lock for job. Without a
// locker fn runs unguarded; claims in storage stay the source of truth.
func (s *Scheduler) withPassLock(ctx context.Context, job string, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	ran, err := s.locker.Run(ctx, job, s.cfg.PassLockTTL, fn)
	if err != nil {
		return err
	}
	if !ran {
		obsmetrics.Scheduler().IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonPassLocked)
		s.logger(ctx).Debug("scheduler.job.skipped",
			zap.String("job", job),
			zap.String("reason", "pass_locked"),
		)
		return ErrPassLocked
	}
	return nil
}
