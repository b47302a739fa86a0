package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunning/internal/cache"
	campaigndomain "github.com/smallbiznis/dunning/internal/campaign/domain"
	"github.com/smallbiznis/dunning/internal/clock"
	"github.com/smallbiznis/dunning/internal/config"
	debtdomain "github.com/smallbiznis/dunning/internal/debt/domain"
	workflowdomain "github.com/smallbiznis/dunning/internal/workflowstate/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Candidate is a trigger that fired for a debt and whose node has not been consumed.
type Candidate struct {
	Campaign campaigndomain.Campaign
	Node     campaigndomain.Node
	Trigger  campaigndomain.Trigger
	Debt     debtdomain.Debt
	EventAt  time.Time
	Today    time.Time
}

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Config       config.Config
	DebtRepo     debtdomain.Repository
	CampaignRepo campaigndomain.Repository
	StateRepo    workflowdomain.Repository
	Cache        cache.CampaignCache `optional:"true"`
}

type Evaluator struct {
	db           *gorm.DB
	log          *zap.Logger
	loc          *time.Location
	debtRepo     debtdomain.Repository
	campaignRepo campaigndomain.Repository
	stateRepo    workflowdomain.Repository
	cache        cache.CampaignCache
}

func NewEvaluator(p Params) *Evaluator {
	return &Evaluator{
		db:           p.DB,
		log:          p.Log.Named("trigger.evaluator"),
		loc:          p.Config.Engine.Location(),
		debtRepo:     p.DebtRepo,
		campaignRepo: p.CampaignRepo,
		stateRepo:    p.StateRepo,
		cache:        p.Cache,
	}
}

// Location is the timezone that defines "today" for the engine.
func (e *Evaluator) Location() *time.Location {
	return e.loc
}

// Evaluate returns every candidate for the debt at now. Per-campaign failures
// are joined and returned alongside the candidates that did resolve.
func (e *Evaluator) Evaluate(ctx context.Context, debt debtdomain.Debt, now time.Time) ([]Candidate, error) {
	if !debt.State.Open() || debt.DeletedAt != nil {
		return nil, nil
	}

	today := clock.DateIn(now, e.loc)
	campaigns, err := e.evaluableCampaigns(ctx, debt.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}

	var (
		out     []Candidate
		errs    []error
		payment *debtdomain.Payment
		fetched bool
	)
	loadPayment := func() (*debtdomain.Payment, error) {
		if fetched {
			return payment, nil
		}
		p, err := e.debtRepo.LatestConfirmedPayment(ctx, e.db, debt.ID, now.Add(-PaymentWindow))
		if err != nil {
			return nil, err
		}
		payment, fetched = p, true
		return payment, nil
	}

	for _, campaign := range campaigns {
		found, err := e.evaluateCampaign(ctx, campaign, debt, today, now, loadPayment)
		if err != nil {
			errs = append(errs, fmt.Errorf("campaign %s: %w", campaign.ID, err))
			continue
		}
		out = append(out, found...)
	}
	return out, errors.Join(errs...)
}

func (e *Evaluator) evaluateCampaign(
	ctx context.Context,
	campaign campaigndomain.Campaign,
	debt debtdomain.Debt,
	today, now time.Time,
	loadPayment func() (*debtdomain.Payment, error),
) ([]Candidate, error) {
	state, err := e.stateRepo.Find(ctx, e.db, campaign.ID, debt.ID)
	if err != nil {
		return nil, err
	}
	ledger := workflowdomain.Ledger{}
	if state != nil {
		if state.ShortCircuits(today, debt.UpdatedAt) {
			return nil, nil
		}
		ledger = state.Nodes()
	}

	triggers, err := e.triggers(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	seen := map[snowflake.ID]bool{}
	for _, t := range triggers {
		if !t.Active || seen[t.NodeID] || ledger.Blocks(t.NodeID) {
			continue
		}

		var payment *debtdomain.Payment
		if t.EventKind == campaigndomain.EventPaymentRegistered {
			if payment, err = loadPayment(); err != nil {
				return nil, err
			}
		}

		firing := Fires(t, debt, today, now, payment)
		if !firing.Applies {
			continue
		}

		node, err := e.campaignRepo.FindNode(ctx, e.db, t.NodeID)
		if err != nil {
			return nil, err
		}
		if node == nil || node.CampaignID != campaign.ID {
			e.log.Debug("trigger references missing node",
				zap.String("trigger_id", t.ID.String()),
				zap.String("node_id", t.NodeID.String()),
			)
			continue
		}
		if _, ok := node.Type.Channel(); !ok {
			continue
		}

		seen[t.NodeID] = true
		out = append(out, Candidate{
			Campaign: campaign,
			Node:     *node,
			Trigger:  t,
			Debt:     debt,
			EventAt:  firing.EventAt,
			Today:    today,
		})
	}
	return out, nil
}

func (e *Evaluator) evaluableCampaigns(ctx context.Context, ownerID snowflake.ID) ([]campaigndomain.Campaign, error) {
	if e.cache != nil {
		if items, ok := e.cache.GetEvaluableCampaigns(ownerID); ok {
			return items, nil
		}
	}
	items, err := e.campaignRepo.ListEvaluable(ctx, e.db, ownerID)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.SetEvaluableCampaigns(ownerID, items)
	}
	return items, nil
}

func (e *Evaluator) triggers(ctx context.Context, campaignID snowflake.ID) ([]campaigndomain.Trigger, error) {
	if e.cache != nil {
		if items, ok := e.cache.GetTriggers(campaignID); ok {
			return items, nil
		}
	}
	items, err := e.campaignRepo.ListTriggers(ctx, e.db, campaignID)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.SetTriggers(campaignID, items)
	}
	return items, nil
}
