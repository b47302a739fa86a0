package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunning/internal/workflowstate/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const stateColumns = `id, owner_id, campaign_id, debt_id, last_node_id, next_evaluation_date, ledger, created_at, updated_at`

func (r *repo) Find(ctx context.Context, db *gorm.DB, campaignID, debtID snowflake.ID) (*domain.State, error) {
	return r.find(ctx, db, campaignID, debtID, false)
}

// FindForUpdate locks the row for the rest of the transaction.
func (r *repo) FindForUpdate(ctx context.Context, db *gorm.DB, campaignID, debtID snowflake.ID) (*domain.State, error) {
	return r.find(ctx, db, campaignID, debtID, true)
}

func (r *repo) find(ctx context.Context, db *gorm.DB, campaignID, debtID snowflake.ID, lock bool) (*domain.State, error) {
	query := `SELECT ` + stateColumns + `
		 FROM workflow_debt_states
		 WHERE campaign_id = ? AND debt_id = ?
		 LIMIT 1`
	if lock {
		query += ` FOR UPDATE`
	}

	var item domain.State
	if err := db.WithContext(ctx).Raw(query, campaignID, debtID).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByDebt(ctx context.Context, db *gorm.DB, debtID snowflake.ID) ([]domain.State, error) {
	var items []domain.State
	err := db.WithContext(ctx).Raw(
		`SELECT `+stateColumns+`
		 FROM workflow_debt_states
		 WHERE debt_id = ?
		 ORDER BY campaign_id ASC`,
		debtID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Ensure inserts the row unless one already exists for (campaign_id, debt_id).
func (r *repo) Ensure(ctx context.Context, db *gorm.DB, state domain.State) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO workflow_debt_states (
			id, owner_id, campaign_id, debt_id, last_node_id, next_evaluation_date, ledger, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (campaign_id, debt_id) DO NOTHING`,
		state.ID,
		state.OwnerID,
		state.CampaignID,
		state.DebtID,
		state.LastNodeID,
		state.NextEvaluationDate,
		state.Ledger,
		state.CreatedAt,
		state.UpdatedAt,
	).Error
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, state domain.State) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE workflow_debt_states
		 SET last_node_id = ?, next_evaluation_date = ?, ledger = ?, updated_at = ?
		 WHERE id = ?`,
		state.LastNodeID,
		state.NextEvaluationDate,
		state.Ledger,
		state.UpdatedAt,
		state.ID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrStateNotFound
	}
	return nil
}
