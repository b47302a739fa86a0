package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunning/internal/campaign/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// ListEvaluable returns the owner's active and paused campaigns. Paused
// campaigns keep firing their triggers; only draft and archived ones stop.
func (r *repo) ListEvaluable(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]domain.Campaign, error) {
	var items []domain.Campaign
	err := db.WithContext(ctx).Raw(
		`SELECT id, owner_id, name, state, created_at, updated_at
		 FROM campaigns
		 WHERE owner_id = ? AND state IN (?, ?)
		 ORDER BY id ASC`,
		ownerID,
		domain.StateActive,
		domain.StatePaused,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Campaign, error) {
	var item domain.Campaign
	err := db.WithContext(ctx).Raw(
		`SELECT id, owner_id, name, state, created_at, updated_at
		 FROM campaigns
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

// FindNode returns nil for missing or soft-deleted nodes.
func (r *repo) FindNode(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Node, error) {
	var item domain.Node
	err := db.WithContext(ctx).Raw(
		`SELECT id, campaign_id, type, template_id, agent_ref, filter, next_node_id, deleted_at, created_at
		 FROM campaign_nodes
		 WHERE id = ? AND deleted_at IS NULL
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

func (r *repo) ListTriggers(ctx context.Context, db *gorm.DB, campaignID snowflake.ID) ([]domain.Trigger, error) {
	var items []domain.Trigger
	err := db.WithContext(ctx).Raw(
		`SELECT id, campaign_id, node_id, event_kind, offset_days, active
		 FROM campaign_triggers
		 WHERE campaign_id = ? AND active = ?
		 ORDER BY id ASC`,
		campaignID,
		true,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindTemplate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Template, error) {
	var item domain.Template
	err := db.WithContext(ctx).Raw(
		`SELECT id, owner_id, channel, subject, body, created_at
		 FROM message_templates
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
