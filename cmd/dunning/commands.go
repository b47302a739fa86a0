package main

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunning/internal/campaign"
	"github.com/smallbiznis/dunning/internal/channel"
	"github.com/smallbiznis/dunning/internal/clock"
	"github.com/smallbiznis/dunning/internal/config"
	"github.com/smallbiznis/dunning/internal/debt"
	"github.com/smallbiznis/dunning/internal/dispatcher"
	"github.com/smallbiznis/dunning/internal/events"
	"github.com/smallbiznis/dunning/internal/guardrail"
	"github.com/smallbiznis/dunning/internal/history"
	"github.com/smallbiznis/dunning/internal/lock"
	"github.com/smallbiznis/dunning/internal/migration"
	"github.com/smallbiznis/dunning/internal/observability"
	"github.com/smallbiznis/dunning/internal/programacion"
	"github.com/smallbiznis/dunning/internal/providers"
	"github.com/smallbiznis/dunning/internal/ratelimit"
	"github.com/smallbiznis/dunning/internal/retry"
	"github.com/smallbiznis/dunning/internal/scheduler"
	"github.com/smallbiznis/dunning/internal/seed"
	"github.com/smallbiznis/dunning/internal/server"
	"github.com/smallbiznis/dunning/internal/trigger"
	"github.com/smallbiznis/dunning/internal/webhook"
	"github.com/smallbiznis/dunning/internal/workflowstate"
	"github.com/smallbiznis/dunning/pkg/db"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func infrastructure() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
	)
}

func engine() fx.Option {
	return fx.Options(
		infrastructure(),

		debt.Module,
		campaign.Module,
		history.Module,
		workflowstate.Module,
		programacion.Module,
		trigger.Module,
		guardrail.Module,
		providers.Module,
		channel.Module,
		events.Module,
		lock.Module,
		ratelimit.Module,
		retry.Module,
		dispatcher.Module,
		scheduler.Module,
	)
}

var jobsFlag = &cli.StringSliceFlag{
	Name:    "jobs",
	Usage:   "Restrict the loop to these jobs (recovery_sweep, overdue_sweep, evaluate_triggers, dispatch_actions)",
	Sources: cli.EnvVars("ENGINE_ENABLED_JOBS"),
}

// withJobs overrides the enabled job list from the command line.
func withJobs(jobs []string) fx.Option {
	if len(jobs) == 0 {
		return fx.Options()
	}
	return fx.Decorate(func(cfg config.Config) config.Config {
		cfg.Engine.EnabledJobs = jobs
		return cfg
	})
}

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP server together with the scheduler loop",
		Flags: []cli.Flag{
			jobsFlag,
			&cli.BoolFlag{
				Name:    "migrate",
				Usage:   "Apply database migrations on startup",
				Value:   true,
				Sources: cli.EnvVars("AUTO_MIGRATE"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			opts := []fx.Option{
				engine(),
				withJobs(command.StringSlice("jobs")),
				webhook.Module,
				server.Module,
				scheduler.Runner,
			}
			if command.Bool("migrate") {
				opts = append(opts, migration.Module)
			}
			fx.New(opts...).Run()
			return nil
		},
	}
}

func newWorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run the scheduler loop without the HTTP server",
		Flags: []cli.Flag{jobsFlag},
		Action: func(ctx context.Context, command *cli.Command) error {
			fx.New(
				engine(),
				withJobs(command.StringSlice("jobs")),
				scheduler.Runner,
			).Run()
			return nil
		},
	}
}

func newEvaluateCommand() *cli.Command {
	return &cli.Command{
		Name:  "evaluate",
		Usage: "Run a single overdue sweep and trigger evaluation pass",
		Action: func(ctx context.Context, command *cli.Command) error {
			return runOnce(ctx, func(ctx context.Context, sched *scheduler.Scheduler, log *zap.Logger) error {
				res, err := sched.EvaluatePass(ctx)
				log.Info("evaluation pass finished",
					zap.Int("debts", res.Debts),
					zap.Int("marked_overdue", res.MarkedOverdue),
					zap.Int("candidates", res.Candidates),
					zap.Int("scheduled", res.Scheduled),
					zap.Int("existing", res.Existing),
					zap.Int("skipped", res.Skipped),
					zap.Int("failed", res.Failed),
				)
				return err
			})
		},
	}
}

func newDispatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "dispatch",
		Usage: "Run a single recovery sweep and dispatch pass",
		Action: func(ctx context.Context, command *cli.Command) error {
			return runOnce(ctx, func(ctx context.Context, sched *scheduler.Scheduler, log *zap.Logger) error {
				if err := sched.RecoverySweepJob(ctx); err != nil {
					log.Warn("recovery sweep failed", zap.Error(err))
				}
				res, err := sched.DispatchPass(ctx)
				log.Info("dispatch pass finished",
					zap.Int("claimed", res.Claimed),
					zap.Int("sent", res.Sent),
					zap.Int("failed", res.Failed),
					zap.Int("blocked", res.Blocked),
					zap.Int("deferred", res.Deferred),
					zap.Int("errored", res.Errored),
				)
				return err
			})
		},
	}
}

func newMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations and exit",
		Action: func(ctx context.Context, command *cli.Command) error {
			app := fx.New(
				infrastructure(),
				migration.Module,
				fx.NopLogger,
			)
			return app.Err()
		},
	}
}

// runOnce starts the engine graph without the loop, runs fn, then stops it.
func runOnce(ctx context.Context, fn func(context.Context, *scheduler.Scheduler, *zap.Logger) error) error {
	var (
		sched *scheduler.Scheduler
		log   *zap.Logger
	)
	app := fx.New(
		engine(),
		fx.Populate(&sched, &log),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	return fn(ctx, sched, log)
}

func newSeedCommand() *cli.Command {
	return &cli.Command{
		Name:  "seed",
		Usage: "Create the default reminder campaign for an owner",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     "owner-id",
				Usage:    "Owner the campaign belongs to",
				Required: true,
				Sources:  cli.EnvVars("SEED_OWNER_ID"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			ownerID := command.Int64("owner-id")
			if ownerID <= 0 {
				return errors.New("owner-id must be positive")
			}

			var (
				conn *gorm.DB
				node *snowflake.Node
				clk  clock.Clock
				log  *zap.Logger
			)
			app := fx.New(
				infrastructure(),
				fx.Populate(&conn, &node, &clk, &log),
				fx.NopLogger,
			)
			if err := app.Err(); err != nil {
				return err
			}

			campaign, err := seed.EnsureDefaultCampaign(ctx, conn, node, snowflake.ID(ownerID), clk.Now().UTC())
			if err != nil {
				return err
			}
			log.Info("default campaign ready",
				zap.String("campaign_id", campaign.ID.String()),
				zap.String("owner_id", campaign.OwnerID.String()),
			)
			return nil
		},
	}
}
