package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunning/internal/guardrail/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ListSettings(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]domain.Setting, error) {
	var items []domain.Setting
	err := db.WithContext(ctx).Raw(
		`SELECT id, owner_id, key, value, created_at, updated_at
		 FROM guardrail_settings
		 WHERE owner_id IS NULL OR owner_id = ?
		 ORDER BY CASE WHEN owner_id IS NULL THEN 0 ELSE 1 END, id ASC`,
		ownerID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
