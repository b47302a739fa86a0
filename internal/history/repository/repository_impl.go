package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunning/internal/history/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const recordColumns = `id, scheduled_action_id, owner_id, debt_id, campaign_id, node_id, channel, destination,
	outcome, delivery_status, failure_class, external_id, attempt, details, guardrail_blocked, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.Record) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO action_history (
			id, scheduled_action_id, owner_id, debt_id, campaign_id, node_id, channel, destination,
			outcome, delivery_status, failure_class, external_id, attempt, details, guardrail_blocked, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.ScheduledActionID,
		record.OwnerID,
		record.DebtID,
		record.CampaignID,
		record.NodeID,
		record.Channel,
		record.Destination,
		record.Outcome,
		record.DeliveryStatus,
		record.FailureClass,
		record.ExternalID,
		record.Attempt,
		record.Details,
		record.GuardrailBlocked,
		record.CreatedAt,
		record.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Record, error) {
	var item domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM action_history
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

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.Record, error) {
	var item domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM action_history
		 WHERE external_id = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		externalID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// UpdateDelivery applies the update only when the stored status may move to
// update.Status. It reports whether a row changed.
func (r *repo) UpdateDelivery(ctx context.Context, db *gorm.DB, id snowflake.ID, update domain.DeliveryUpdate) (bool, error) {
	from := update.Status.AllowedFrom()
	if len(from) == 0 {
		return false, nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE action_history
		 SET delivery_status = ?,
		     failure_class = CASE WHEN ? = '' THEN failure_class ELSE ? END,
		     details = COALESCE(?, details),
		     updated_at = ?
		 WHERE id = ? AND delivery_status IN ?`,
		update.Status,
		update.FailureClass,
		update.FailureClass,
		update.Details,
		update.UpdatedAt.UTC(),
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CountContacts counts contact attempts for a debt since the given instant.
// Guardrail-blocked records are excluded.
func (r *repo) CountContacts(ctx context.Context, db *gorm.DB, debtID snowflake.ID, since time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM action_history
		 WHERE debt_id = ?
		   AND outcome IN (?, ?)
		   AND guardrail_blocked = ?
		   AND created_at >= ?`,
		debtID,
		domain.OutcomeSent,
		domain.OutcomeFailed,
		false,
		since.UTC(),
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repo) ListByDebt(ctx context.Context, db *gorm.DB, debtID, beforeID snowflake.ID, limit int) ([]domain.Record, error) {
	var items []domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM action_history
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
