package scheduler

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
)

// Runner drives the periodic evaluation and dispatch loop for serve and
// worker. One-shot commands use Module alone.
var Runner = fx.Module("scheduler.runner",
	fx.Invoke(startLoop),
)

func startLoop(lc fx.Lifecycle, sched *Scheduler) {
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.StartStopHook(
		func() {
			go func() {
				defer close(done)
				sched.RunForever(loopCtx)
			}()
		},
		func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	))
}
