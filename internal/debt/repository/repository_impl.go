package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunning/internal/debt/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const debtColumns = `id, owner_id, debtor_id, amount, currency, due_date, state, deleted_at, created_at, updated_at`

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Debt, error) {
	var item domain.Debt
	err := db.WithContext(ctx).Raw(
		`SELECT `+debtColumns+`
		 FROM debts
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

// ListOpen pages through debts still under collection in id order.
func (r *repo) ListOpen(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]domain.Debt, error) {
	var items []domain.Debt
	err := db.WithContext(ctx).Raw(
		`SELECT `+debtColumns+`
		 FROM debts
		 WHERE deleted_at IS NULL
		   AND state IN (?, ?, ?)
		   AND id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		domain.StateNew,
		domain.StateCurrent,
		domain.StateOverdue,
		afterID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListContacts(ctx context.Context, db *gorm.DB, debtorID snowflake.ID) ([]domain.Contact, error) {
	var items []domain.Contact
	err := db.WithContext(ctx).Raw(
		`SELECT id, debtor_id, type, value, preferred, created_at
		 FROM debtor_contacts
		 WHERE debtor_id = ?
		 ORDER BY preferred DESC, id ASC`,
		debtorID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) LatestConfirmedPayment(ctx context.Context, db *gorm.DB, debtID snowflake.ID, since time.Time) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT id, debt_id, amount, status, created_at
		 FROM payments
		 WHERE debt_id = ? AND status = ? AND created_at >= ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		debtID,
		domain.PaymentConfirmed,
		since.UTC(),
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// ListPastDue returns new/current debts whose due date is before today.
func (r *repo) ListPastDue(ctx context.Context, db *gorm.DB, today time.Time, limit int) ([]domain.Debt, error) {
	var items []domain.Debt
	err := db.WithContext(ctx).Raw(
		`SELECT `+debtColumns+`
		 FROM debts
		 WHERE deleted_at IS NULL
		   AND state IN (?, ?)
		   AND due_date < ?
		 ORDER BY due_date ASC, id ASC
		 LIMIT ?`,
		domain.StateNew,
		domain.StateCurrent,
		today.UTC(),
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) MarkOverdue(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE debts
		 SET state = ?, updated_at = ?
		 WHERE id = ? AND state IN (?, ?) AND deleted_at IS NULL`,
		domain.StateOverdue,
		now.UTC(),
		id,
		domain.StateNew,
		domain.StateCurrent,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
