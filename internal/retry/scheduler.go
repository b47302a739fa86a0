// Package retry links follow-up scheduled actions to failed ones.
package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	channeldomain "github.com/smallbiznis/dunning/internal/channel/domain"
	"github.com/smallbiznis/dunning/internal/clock"
	"github.com/smallbiznis/dunning/internal/config"
	"github.com/smallbiznis/dunning/internal/events"
	guardraildomain "github.com/smallbiznis/dunning/internal/guardrail/domain"
	obsmetrics "github.com/smallbiznis/dunning/internal/observability/metrics"
	programaciondomain "github.com/smallbiznis/dunning/internal/programacion/domain"
	dbpkg "github.com/smallbiznis/dunning/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrAttemptsExhausted = errors.New("retry_attempts_exhausted")
	ErrPermanentFailure  = errors.New("permanent_failure_not_retried")
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Config     config.Config
	Repo       programaciondomain.Repository
	Clock      clock.Clock         `optional:"true"`
	Publisher  events.Publisher    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Scheduler struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	repo           programaciondomain.Repository
	clock          clock.Clock
	publisher      events.Publisher
	obsMetrics     *obsmetrics.Metrics
	retryPermanent bool
}

func NewScheduler(p Params) *Scheduler {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Scheduler{
		db:             p.DB,
		log:            p.Log.Named("retry.scheduler"),
		genID:          p.GenID,
		repo:           p.Repo,
		clock:          clk,
		publisher:      p.Publisher,
		obsMetrics:     p.ObsMetrics,
		retryPermanent: p.Config.Engine.RetryPermanentFailures,
	}
}

// Request describes a failed action that may deserve another attempt.
type Request struct {
	Predecessor  programaciondomain.Action
	Policy       guardraildomain.RetryPolicy
	FailureClass channeldomain.FailureClass
	Reason       string
}

// Schedule creates the next attempt of req.Predecessor. It returns
// (nil, nil) when the follow-up already exists or an in-flight action for
// the same node holds the slot.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*programaciondomain.Action, error) {
	next, err := s.ScheduleTx(ctx, s.db, req)
	if err != nil || next == nil {
		return next, err
	}
	s.Announce(ctx, req, next)
	return next, nil
}

// ScheduleTx inserts the follow-up through tx and stays silent. Callers
// run Announce once tx has committed.
func (s *Scheduler) ScheduleTx(ctx context.Context, tx *gorm.DB, req Request) (*programaciondomain.Action, error) {
	prev := req.Predecessor
	if prev.ID == 0 {
		return nil, programaciondomain.ErrActionNotFound
	}
	if req.FailureClass.Permanent() && !s.retryPermanent {
		return nil, ErrPermanentFailure
	}
	attempt := prev.Attempt + 1
	if !req.Policy.Eligible(attempt) {
		return nil, ErrAttemptsExhausted
	}

	existing, err := s.repo.FindByRetryOf(ctx, tx, prev.ID)
	if err != nil {
		return nil, fmt.Errorf("find retry: %w", err)
	}
	if existing != nil {
		return nil, nil
	}

	now := s.clock.Now().UTC()
	predecessorID := prev.ID
	next := &programaciondomain.Action{
		ID:          s.genID.Generate(),
		OwnerID:     prev.OwnerID,
		DebtID:      prev.DebtID,
		ContactID:   prev.ContactID,
		CampaignID:  prev.CampaignID,
		NodeID:      prev.NodeID,
		Channel:     prev.Channel,
		Destination: prev.Destination,
		TemplateID:  prev.TemplateID,
		AgentRef:    prev.AgentRef,
		Variables:   prev.Variables,
		EventKind:   prev.EventKind,
		ScheduledAt: now.Add(req.Policy.Backoff(attempt)),
		Status:      programaciondomain.StatusPending,
		Attempt:     attempt,
		RetryOf:     &predecessorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Nested so a unique violation rolls back to a savepoint instead of
	// aborting the caller's transaction.
	err = tx.WithContext(ctx).Transaction(func(inner *gorm.DB) error {
		return s.repo.Insert(ctx, inner, next)
	})
	if err != nil {
		if dbpkg.IsDuplicateKeyErr(err) {
			s.log.Debug("retry slot already taken",
				zap.String("predecessor_id", prev.ID.String()),
				zap.Int("attempt", attempt),
			)
			return nil, nil
		}
		return nil, fmt.Errorf("insert retry: %w", err)
	}
	return next, nil
}

// Announce records metrics and publishes the event for a committed retry.
func (s *Scheduler) Announce(ctx context.Context, req Request, next *programaciondomain.Action) {
	now := next.CreatedAt
	s.obsMetrics.RecordRetry(ctx, string(next.Channel), req.Reason)
	obsmetrics.Scheduler().IncActionTransition("", string(programaciondomain.StatusPending))
	if s.publisher != nil {
		_ = s.publisher.Publish(ctx, events.ActionEvent{
			Type:         events.ActionRetryScheduled,
			ActionID:     next.ID,
			OwnerID:      next.OwnerID,
			DebtID:       next.DebtID,
			CampaignID:   next.CampaignID,
			NodeID:       next.NodeID,
			Channel:      string(next.Channel),
			Attempt:      next.Attempt,
			RetryOf:      next.RetryOf,
			ScheduledAt:  next.ScheduledAt,
			FailureClass: string(req.FailureClass),
			OccurredAt:   now,
		})
	}

	s.log.Info("retry scheduled",
		zap.String("action_id", next.ID.String()),
		zap.String("predecessor_id", req.Predecessor.ID.String()),
		zap.Int("attempt", next.Attempt),
		zap.String("failure_class", string(req.FailureClass)),
		zap.Duration("delay", next.ScheduledAt.Sub(now)),
	)
}

// Stopped reports errors that end a retry chain on purpose.
func Stopped(err error) bool {
	return errors.Is(err, ErrAttemptsExhausted) || errors.Is(err, ErrPermanentFailure)
}

