package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunning/internal/clock"
	"github.com/smallbiznis/dunning/internal/guardrail"
	historydomain "github.com/smallbiznis/dunning/internal/history/domain"
	obsmetrics "github.com/smallbiznis/dunning/internal/observability/metrics"
	programaciondomain "github.com/smallbiznis/dunning/internal/programacion/domain"
	"github.com/smallbiznis/dunning/internal/retry"
	"github.com/smallbiznis/dunning/internal/webhook/domain"
	"github.com/smallbiznis/dunning/internal/webhook/parsers"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        domain.Repository
	HistoryRepo historydomain.Repository
	ActionRepo  programaciondomain.Repository
	Parsers     *parsers.Registry
	Guardrails  *guardrail.Engine
	Policies    *guardrail.Loader
	Retry       *retry.Scheduler
	Clock       clock.Clock         `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

// Ingestor reconciles provider delivery callbacks with history records.
type Ingestor struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        domain.Repository
	historyRepo historydomain.Repository
	actionRepo  programaciondomain.Repository
	parsers     *parsers.Registry
	guardrails  *guardrail.Engine
	policies    *guardrail.Loader
	retry       *retry.Scheduler
	clock       clock.Clock
	obsMetrics  *obsmetrics.Metrics
}

func NewIngestor(p Params) *Ingestor {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Ingestor{
		db:          p.DB,
		log:         p.Log.Named("webhook.ingestor"),
		genID:       p.GenID,
		repo:        p.Repo,
		historyRepo: p.HistoryRepo,
		actionRepo:  p.ActionRepo,
		parsers:     p.Parsers,
		guardrails:  p.Guardrails,
		policies:    p.Policies,
		retry:       p.Retry,
		clock:       clk,
		obsMetrics:  p.ObsMetrics,
	}
}

// Result describes what one callback changed.
type Result struct {
	Duplicate bool         `json:"duplicate"`
	Matched   bool         `json:"matched"`
	Updated   bool         `json:"updated"`
	RetryID   snowflake.ID `json:"retry_id,omitempty"`
}

// Ingest verifies, stores and applies one callback. Replayed callbacks and
// callbacks that would move a record backwards return without side effects.
func (s *Ingestor) Ingest(ctx context.Context, in domain.Inbound) (Result, error) {
	parser, err := s.parsers.Parser(in.Provider)
	if err != nil {
		return Result{}, err
	}
	if err := parser.Verify(in); err != nil {
		return Result{}, err
	}
	event, err := parser.Parse(in)
	if err != nil {
		return Result{}, err
	}
	if event == nil {
		return Result{}, domain.ErrInvalidEvent
	}

	now := s.clock.Now().UTC()
	payload := event.Payload
	if !json.Valid(payload) {
		return Result{}, domain.ErrInvalidPayload
	}
	received := domain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		ExternalID:      event.ExternalID,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return Result{}, fmt.Errorf("insert webhook event: %w", err)
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, event.Provider, event.ProviderEventID)
		if err != nil {
			return Result{}, err
		}
		if stored == nil {
			return Result{}, domain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			return Result{Duplicate: true}, nil
		}
	}

	res, err := s.apply(ctx, event)
	if err != nil {
		obsmetrics.Scheduler().IncStageError(obsmetrics.StageWebhook, err)
		return res, err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, now); err != nil {
		return res, fmt.Errorf("mark webhook processed: %w", err)
	}
	if inserted {
		s.obsMetrics.RecordWebhookEvent(ctx, event.Provider, event.Type)
	}
	return res, nil
}

func (s *Ingestor) apply(ctx context.Context, event *domain.DeliveryEvent) (Result, error) {
	log := s.log.With(
		zap.String("provider", event.Provider),
		zap.String("external_id", event.ExternalID),
		zap.String("event_type", event.Type),
	)
	if event.Status == historydomain.DeliveryNone {
		log.Debug("progress callback ignored")
		return Result{}, nil
	}

	record, err := s.historyRepo.FindByExternalID(ctx, s.db, event.ExternalID)
	if err != nil {
		return Result{}, fmt.Errorf("find history record: %w", err)
	}
	if record == nil {
		log.Warn("callback does not match any history record")
		return Result{}, nil
	}
	res := Result{Matched: true}

	details := decodeDetails(record.Details)
	details["delivery"] = map[string]any{
		"provider":    event.Provider,
		"event":       event.Type,
		"reason":      event.Reason,
		"occurred_at": event.OccurredAt,
	}

	var (
		action   *programaciondomain.Action
		retryReq retry.Request
	)
	if event.Failed() {
		action, err = s.actionRepo.FindByID(ctx, s.db, record.ScheduledActionID)
		if err != nil {
			return res, fmt.Errorf("find scheduled action: %w", err)
		}
		if action == nil {
			return res, programaciondomain.ErrActionNotFound
		}
		cfg, err := s.policies.Load(ctx, record.OwnerID)
		if err != nil {
			return res, err
		}
		decision, err := s.guardrails.Allowed(ctx, cfg, record.OwnerID, record.DebtID, record.Channel, s.clock.Now().UTC())
		if err != nil {
			return res, fmt.Errorf("evaluate guardrails: %w", err)
		}
		details["webhook_guardrail"] = decision
		retryReq = retry.Request{
			Predecessor:  *action,
			Policy:       cfg.RetryFor(record.Channel),
			FailureClass: event.FailureClass,
			Reason:       "webhook_" + strings.ReplaceAll(event.Type, "-", "_"),
		}
	}

	encoded, err := json.Marshal(details)
	if err != nil {
		return res, err
	}

	// The delivery status and its retry commit together so a failed insert
	// leaves the record open for the provider's redelivery.
	var (
		updated bool
		stopped error
		next    *programaciondomain.Action
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		updated, err = s.historyRepo.UpdateDelivery(ctx, tx, record.ID, historydomain.DeliveryUpdate{
			Status:       event.Status,
			FailureClass: string(event.FailureClass),
			Details:      datatypes.JSON(encoded),
			UpdatedAt:    s.clock.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("update delivery: %w", err)
		}
		if !updated || action == nil {
			return nil
		}
		next, err = s.retry.ScheduleTx(ctx, tx, retryReq)
		if retry.Stopped(err) {
			stopped = err
			return nil
		}
		if err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	if !updated {
		log.Debug("stale delivery status ignored",
			zap.String("current", string(record.DeliveryStatus)),
			zap.String("incoming", string(event.Status)),
		)
		return res, nil
	}
	res.Updated = true
	log.Info("delivery status updated", zap.String("status", string(event.Status)))

	if stopped != nil {
		log.Info("retry chain stopped", zap.Error(stopped), zap.Int("attempt", action.Attempt))
	}
	if next != nil {
		s.retry.Announce(ctx, retryReq, next)
		res.RetryID = next.ID
	}
	return res, nil
}

func decodeDetails(raw datatypes.JSON) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// IsClientError reports errors caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, domain.ErrInvalidPayload) ||
		errors.Is(err, domain.ErrInvalidEvent) ||
		errors.Is(err, domain.ErrUnknownProvider)
}
