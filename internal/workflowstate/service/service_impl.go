package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunning/internal/clock"
	"github.com/smallbiznis/dunning/internal/workflowstate/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
	clock clock.Clock
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("workflowstate.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: clk,
	}
}

// Key identifies one execution context.
type Key struct {
	OwnerID    snowflake.ID
	CampaignID snowflake.ID
	DebtID     snowflake.ID
}

func (s *Service) Find(ctx context.Context, campaignID, debtID snowflake.ID) (*domain.State, error) {
	return s.repo.Find(ctx, s.db, campaignID, debtID)
}

func (s *Service) ListByDebt(ctx context.Context, debtID snowflake.ID) ([]domain.State, error) {
	return s.repo.ListByDebt(ctx, s.db, debtID)
}

// EnsureTx creates the state row if needed and returns it locked for tx.
func (s *Service) EnsureTx(ctx context.Context, tx *gorm.DB, key Key) (*domain.State, error) {
	now := s.clock.Now().UTC()
	if err := s.repo.Ensure(ctx, tx, domain.State{
		ID:         s.genID.Generate(),
		OwnerID:    key.OwnerID,
		CampaignID: key.CampaignID,
		DebtID:     key.DebtID,
		Ledger:     datatypes.NewJSONType(domain.Ledger{}),
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		return nil, fmt.Errorf("ensure workflow state: %w", err)
	}

	state, err := s.repo.FindForUpdate(ctx, tx, key.CampaignID, key.DebtID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, domain.ErrStateNotFound
	}
	return state, nil
}

// Mutation describes the changes written alongside a ledger transition.
type Mutation struct {
	NodeID snowflake.ID
	Entry  domain.NodeEntry
	// SetNextEvaluation replaces next_evaluation_date with NextEvaluation when true.
	SetNextEvaluation bool
	NextEvaluation    *time.Time
	SetLastNode       bool
}

// ApplyTx transitions one node of the ledger inside tx.
func (s *Service) ApplyTx(ctx context.Context, tx *gorm.DB, key Key, m Mutation) (*domain.State, error) {
	state, err := s.EnsureTx(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if err := s.TransitionTx(ctx, tx, state, m); err != nil {
		return nil, err
	}
	return state, nil
}

// TransitionTx writes m onto a state row already locked by EnsureTx. A failed
// node clears next_evaluation_date so the next pass re-evaluates the campaign.
func (s *Service) TransitionTx(ctx context.Context, tx *gorm.DB, state *domain.State, m Mutation) error {
	now := s.clock.Now().UTC()
	if m.Entry.UpdatedAt.IsZero() {
		m.Entry.UpdatedAt = now
	}

	ledger, err := state.Nodes().Apply(m.NodeID, m.Entry)
	if err != nil {
		return err
	}

	state.Ledger = datatypes.NewJSONType(ledger)
	if m.SetLastNode {
		nodeID := m.NodeID
		state.LastNodeID = &nodeID
	}
	switch {
	case m.Entry.Status == domain.NodeFailed:
		state.NextEvaluationDate = nil
	case m.SetNextEvaluation:
		state.NextEvaluationDate = m.NextEvaluation
	}
	state.UpdatedAt = now

	return s.repo.Save(ctx, tx, *state)
}

// MarkNode records a dispatch outcome in its own transaction.
func (s *Service) MarkNode(ctx context.Context, key Key, nodeID, actionID snowflake.ID, status domain.NodeStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.ApplyTx(ctx, tx, key, Mutation{
			NodeID: nodeID,
			Entry: domain.NodeEntry{
				ScheduledActionID: actionID,
				Status:            status,
			},
		})
		return err
	})
}
