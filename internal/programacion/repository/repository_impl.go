package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunning/internal/programacion/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const actionColumns = `id, owner_id, debt_id, contact_id, campaign_id, node_id, channel, destination, template_id,
	agent_ref, variables, event_kind, scheduled_at, status, attempt, retry_of, started_at, finished_at, created_at, updated_at`

// Insert relies on the partial unique index over in-flight (campaign_id, debt_id, node_id).
func (r *repo) Insert(ctx context.Context, db *gorm.DB, action *domain.Action) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO scheduled_actions (
			id, owner_id, debt_id, contact_id, campaign_id, node_id, channel, destination, template_id,
			agent_ref, variables, event_kind, scheduled_at, status, attempt, retry_of, started_at, finished_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID,
		action.OwnerID,
		action.DebtID,
		action.ContactID,
		action.CampaignID,
		action.NodeID,
		action.Channel,
		action.Destination,
		action.TemplateID,
		action.AgentRef,
		action.Variables,
		action.EventKind,
		action.ScheduledAt.UTC(),
		action.Status,
		action.Attempt,
		action.RetryOf,
		action.StartedAt,
		action.FinishedAt,
		action.CreatedAt,
		action.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Action, error) {
	var item domain.Action
	err := db.WithContext(ctx).Raw(
		`SELECT `+actionColumns+`
		 FROM scheduled_actions
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByRetryOf(ctx context.Context, db *gorm.DB, predecessorID snowflake.ID) (*domain.Action, error) {
	var item domain.Action
	err := db.WithContext(ctx).Raw(
		`SELECT `+actionColumns+`
		 FROM scheduled_actions
		 WHERE retry_of = ?
		 ORDER BY id ASC
		 LIMIT 1`,
		predecessorID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ExistsInFlight(ctx context.Context, db *gorm.DB, campaignID, debtID, nodeID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM scheduled_actions
		 WHERE campaign_id = ? AND debt_id = ? AND node_id = ?
		   AND status IN (?, ?)`,
		campaignID,
		debtID,
		nodeID,
		domain.StatusPending,
		domain.StatusRunning,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SupersedeLegacy cancels in-flight rows written before node ids were recorded.
func (r *repo) SupersedeLegacy(ctx context.Context, db *gorm.DB, campaignID, debtID snowflake.ID, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE scheduled_actions
		 SET status = ?, finished_at = ?, updated_at = ?
		 WHERE campaign_id = ? AND debt_id = ? AND node_id IS NULL
		   AND status IN (?, ?)`,
		domain.StatusCancelled,
		now.UTC(),
		now.UTC(),
		campaignID,
		debtID,
		domain.StatusPending,
		domain.StatusRunning,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// ClaimDue must run inside a transaction; rows locked by another claimer are skipped.
func (r *repo) ClaimDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Action, error) {
	var items []domain.Action
	err := db.WithContext(ctx).Raw(
		`SELECT `+actionColumns+`
		 FROM scheduled_actions
		 WHERE status = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		domain.StatusPending,
		now.UTC(),
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) MarkRunning(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE scheduled_actions
		 SET status = ?, started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusRunning,
		now.UTC(),
		now.UTC(),
		id,
		domain.StatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Finish(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.Status, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE scheduled_actions
		 SET status = ?, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		status,
		now.UTC(),
		now.UTC(),
		id,
		domain.StatusRunning,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) RevertToPending(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE scheduled_actions
		 SET status = ?, started_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusPending,
		now.UTC(),
		id,
		domain.StatusRunning,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RecoverStale returns actions stuck in running since before cutoff to pending.
func (r *repo) RecoverStale(ctx context.Context, db *gorm.DB, cutoff, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE scheduled_actions
		 SET status = ?, started_at = NULL, updated_at = ?
		 WHERE status = ? AND started_at <= ?`,
		domain.StatusPending,
		now.UTC(),
		domain.StatusRunning,
		cutoff.UTC(),
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) ListByDebt(ctx context.Context, db *gorm.DB, debtID, beforeID snowflake.ID, limit int) ([]domain.Action, error) {
	var items []domain.Action
	err := db.WithContext(ctx).Raw(
		`SELECT `+actionColumns+`
		 FROM scheduled_actions
		 WHERE debt_id = ? AND (? = 0 OR id < ?)
		 ORDER BY id DESC
		 LIMIT ?`,
		debtID,
		beforeID,
		beforeID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
