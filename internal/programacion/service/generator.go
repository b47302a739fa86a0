package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	campaigndomain "github.com/smallbiznis/dunning/internal/campaign/domain"
	channeldomain "github.com/smallbiznis/dunning/internal/channel/domain"
	"github.com/smallbiznis/dunning/internal/clock"
	"github.com/smallbiznis/dunning/internal/config"
	debtdomain "github.com/smallbiznis/dunning/internal/debt/domain"
	"github.com/smallbiznis/dunning/internal/events"
	obsmetrics "github.com/smallbiznis/dunning/internal/observability/metrics"
	"github.com/smallbiznis/dunning/internal/programacion/domain"
	"github.com/smallbiznis/dunning/internal/trigger"
	workflowdomain "github.com/smallbiznis/dunning/internal/workflowstate/domain"
	workflowstate "github.com/smallbiznis/dunning/internal/workflowstate/service"
	dbpkg "github.com/smallbiznis/dunning/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Config       config.Config
	Repo         domain.Repository
	DebtRepo     debtdomain.Repository
	CampaignRepo campaigndomain.Repository
	StateSvc     *workflowstate.Service
	Clock        clock.Clock         `optional:"true"`
	Publisher    events.Publisher    `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

// Generator turns trigger candidates into persisted scheduled actions.
type Generator struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	repo         domain.Repository
	debtRepo     debtdomain.Repository
	campaignRepo campaigndomain.Repository
	stateSvc     *workflowstate.Service
	clock        clock.Clock
	publisher    events.Publisher
	obsMetrics   *obsmetrics.Metrics
	sendHour     int
	loc          *time.Location
}

func NewGenerator(p Params) *Generator {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Generator{
		db:           p.DB,
		log:          p.Log.Named("programacion.generator"),
		genID:        p.GenID,
		repo:         p.Repo,
		debtRepo:     p.DebtRepo,
		campaignRepo: p.CampaignRepo,
		stateSvc:     p.StateSvc,
		clock:        clk,
		publisher:    p.Publisher,
		obsMetrics:   p.ObsMetrics,
		sendHour:     p.Config.Engine.SendHour,
		loc:          p.Config.Engine.Location(),
	}
}

// Skipped reports errors that end a candidate without being a failure.
func Skipped(err error) bool {
	return errors.Is(err, domain.ErrFilterNotMatched) || errors.Is(err, domain.ErrStateMismatch)
}

// Generate persists the action for c and marks its node pending. It returns
// (nil, nil) when an equivalent action already exists.
func (g *Generator) Generate(ctx context.Context, c trigger.Candidate) (*domain.Action, error) {
	ch, ok := c.Node.Type.Channel()
	if !ok {
		return nil, domain.ErrNotCommunication
	}
	if err := checkPreconditions(c.Trigger.EventKind, c.Debt.State); err != nil {
		return nil, err
	}

	contacts, err := g.debtRepo.ListContacts(ctx, g.db, c.Debt.DebtorID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}

	daysOverdue := clock.DaysBetween(c.Debt.DueDate, c.Today)
	predicate, err := c.Node.FilterPredicate()
	if err != nil {
		return nil, err
	}
	if predicate != nil && !predicate.Matches(c.Debt, daysOverdue, contacts) {
		return nil, domain.ErrFilterNotMatched
	}

	contact := ResolveContact(ch, contacts)
	if contact == nil && ch != channeldomain.ChannelCall {
		return nil, domain.ErrMissingContact
	}

	if err := g.checkContent(ctx, ch, c.Node); err != nil {
		return nil, err
	}

	triggers, err := g.campaignRepo.ListTriggers(ctx, g.db, c.Campaign.ID)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}

	now := g.clock.Now().UTC()
	action := g.buildAction(c, ch, contact, daysOverdue, now)

	key := workflowstate.Key{OwnerID: c.Debt.OwnerID, CampaignID: c.Campaign.ID, DebtID: c.Debt.ID}
	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := g.repo.ExistsInFlight(ctx, tx, c.Campaign.ID, c.Debt.ID, c.Node.ID)
		if err != nil {
			return err
		}
		if exists {
			return domain.ErrDuplicateAction
		}
		superseded, err := g.repo.SupersedeLegacy(ctx, tx, c.Campaign.ID, c.Debt.ID, now)
		if err != nil {
			return fmt.Errorf("supersede legacy actions: %w", err)
		}
		if superseded > 0 {
			g.log.Info("superseded legacy actions without node",
				zap.String("campaign_id", c.Campaign.ID.String()),
				zap.String("debt_id", c.Debt.ID.String()),
				zap.Int64("count", superseded),
			)
		}

		state, err := g.stateSvc.EnsureTx(ctx, tx, key)
		if err != nil {
			return err
		}
		ledger := state.Nodes()
		if ledger.Blocks(c.Node.ID) {
			return domain.ErrDuplicateAction
		}

		if err := g.repo.Insert(ctx, tx, action); err != nil {
			if dbpkg.IsDuplicateKeyErr(err) {
				return domain.ErrDuplicateAction
			}
			return fmt.Errorf("insert scheduled action: %w", err)
		}

		consumed := ledger.Consumed()
		consumed[c.Node.ID] = true
		next := trigger.NextEvaluationDate(triggers, consumed, c.Debt.DueDate, c.Today)

		eventAt := c.EventAt.UTC()
		return g.stateSvc.TransitionTx(ctx, tx, state, workflowstate.Mutation{
			NodeID: c.Node.ID,
			Entry: workflowdomain.NodeEntry{
				ScheduledActionID: action.ID,
				Status:            workflowdomain.NodePending,
				EventKind:         string(c.Trigger.EventKind),
				EventAt:           &eventAt,
				Offset:            c.Trigger.Offset(),
			},
			SetNextEvaluation: true,
			NextEvaluation:    next,
			SetLastNode:       true,
		})
	})
	if errors.Is(err, domain.ErrDuplicateAction) {
		g.log.Debug("scheduled action already exists",
			zap.String("campaign_id", c.Campaign.ID.String()),
			zap.String("debt_id", c.Debt.ID.String()),
			zap.String("node_id", c.Node.ID.String()),
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	g.obsMetrics.RecordActionScheduled(ctx, string(c.Trigger.EventKind), string(ch))
	obsmetrics.Scheduler().IncActionTransition("", string(domain.StatusPending))
	g.publish(ctx, events.ActionScheduled, action)

	g.log.Info("scheduled action created",
		zap.String("action_id", action.ID.String()),
		zap.String("campaign_id", c.Campaign.ID.String()),
		zap.String("debt_id", c.Debt.ID.String()),
		zap.String("node_id", c.Node.ID.String()),
		zap.String("channel", string(ch)),
		zap.String("event_kind", string(c.Trigger.EventKind)),
		zap.Time("scheduled_at", action.ScheduledAt),
	)
	return action, nil
}

func (g *Generator) buildAction(c trigger.Candidate, ch channeldomain.Channel, contact *debtdomain.Contact, daysOverdue int, now time.Time) *domain.Action {
	nodeID := c.Node.ID
	action := &domain.Action{
		ID:          g.genID.Generate(),
		OwnerID:     c.Debt.OwnerID,
		DebtID:      c.Debt.ID,
		CampaignID:  c.Campaign.ID,
		NodeID:      &nodeID,
		Channel:     ch,
		TemplateID:  c.Node.TemplateID,
		AgentRef:    c.Node.AgentRef,
		EventKind:   string(c.Trigger.EventKind),
		ScheduledAt: trigger.ScheduleAt(c.Trigger, c.Debt.DueDate, c.Today, c.EventAt, g.sendHour, g.loc),
		Status:      domain.StatusPending,
		Attempt:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	contactValue := ""
	if contact != nil {
		contactID := contact.ID
		action.ContactID = &contactID
		action.Destination = strings.TrimSpace(contact.Value)
		contactValue = action.Destination
	}

	vars := map[string]any{
		"debt_id":       c.Debt.ID.String(),
		"amount":        c.Debt.Amount.StringFixed(2),
		"currency":      c.Debt.Currency,
		"due_date":      clock.CivilDate(c.Debt.DueDate).Format(time.DateOnly),
		"days_overdue":  daysOverdue,
		"contact_value": contactValue,
		"campaign_id":   c.Campaign.ID.String(),
		"event_kind":    string(c.Trigger.EventKind),
		"event_at":      c.EventAt.UTC().Format(time.RFC3339),
	}
	if payload, err := json.Marshal(vars); err == nil {
		action.Variables = datatypes.JSON(payload)
	}
	return action
}

func (g *Generator) checkContent(ctx context.Context, ch channeldomain.Channel, node campaigndomain.Node) error {
	if ch == channeldomain.ChannelCall {
		if node.AgentRef == nil || strings.TrimSpace(*node.AgentRef) == "" {
			return channeldomain.ErrMissingAgent
		}
		return nil
	}
	if node.TemplateID == nil {
		return domain.ErrMissingTemplate
	}
	tmpl, err := g.campaignRepo.FindTemplate(ctx, g.db, *node.TemplateID)
	if err != nil {
		return fmt.Errorf("find template: %w", err)
	}
	if tmpl == nil || strings.TrimSpace(tmpl.Body) == "" {
		return domain.ErrMissingTemplate
	}
	return nil
}

func (g *Generator) publish(ctx context.Context, t events.Type, action *domain.Action) {
	if g.publisher == nil {
		return
	}
	_ = g.publisher.Publish(ctx, events.ActionEvent{
		Type:        t,
		ActionID:    action.ID,
		OwnerID:     action.OwnerID,
		DebtID:      action.DebtID,
		CampaignID:  action.CampaignID,
		NodeID:      action.NodeID,
		Channel:     string(action.Channel),
		Attempt:     action.Attempt,
		RetryOf:     action.RetryOf,
		ScheduledAt: action.ScheduledAt,
		OccurredAt:  g.clock.Now().UTC(),
	})
}

func checkPreconditions(kind campaigndomain.EventKind, state debtdomain.State) error {
	switch kind {
	case campaigndomain.EventDebtCreated:
		if state != debtdomain.StateNew {
			return domain.ErrStateMismatch
		}
	case campaigndomain.EventDaysAfterDue:
		if state != debtdomain.StateOverdue {
			return domain.ErrStateMismatch
		}
	}
	return nil
}

var contactPreference = map[channeldomain.Channel][]debtdomain.ContactType{
	channeldomain.ChannelEmail: {debtdomain.ContactEmail},
	channeldomain.ChannelSMS:   {debtdomain.ContactMobile, debtdomain.ContactPhone},
	channeldomain.ChannelCall:  {debtdomain.ContactPhone, debtdomain.ContactMobile},
}

// ResolveContact picks the destination for ch: contact types in channel
// order, preferred contacts first within a type.
func ResolveContact(ch channeldomain.Channel, contacts []debtdomain.Contact) *debtdomain.Contact {
	for _, typ := range contactPreference[ch] {
		var fallback *debtdomain.Contact
		for i := range contacts {
			c := &contacts[i]
			if c.Type != typ || strings.TrimSpace(c.Value) == "" {
				continue
			}
			if c.Preferred {
				return c
			}
			if fallback == nil {
				fallback = c
			}
		}
		if fallback != nil {
			return fallback
		}
	}
	return nil
}

// IsConfigError reports generation failures caused by campaign setup rather
// than by storage; these are logged and not retried.
func IsConfigError(err error) bool {
	return slices.ContainsFunc([]error{
		domain.ErrMissingContact,
		domain.ErrMissingTemplate,
		domain.ErrNotCommunication,
		channeldomain.ErrMissingAgent,
		campaigndomain.ErrInvalidFilter,
	}, func(target error) bool { return errors.Is(err, target) })
}
