package guard

import (
	"errors"
	"time"

	debtdomain "github.com/smallbiznis/dunning/internal/debt/domain"
)

var (
	ErrDebtNotOpen    = errors.New("debt_not_open")
	ErrDebtDeleted    = errors.New("debt_deleted")
	ErrDebtNotPastDue = errors.New("debt_not_past_due")
	ErrDebtOverdue    = errors.New("debt_already_overdue")
)

// EnsureDebtEvaluable rejects debts that no longer take collection outreach.
func EnsureDebtEvaluable(state debtdomain.State, deletedAt *time.Time) error {
	if deletedAt != nil {
		return ErrDebtDeleted
	}
	if !state.Open() {
		return ErrDebtNotOpen
	}
	return nil
}

// EnsureDebtCanBecomeOverdue holds when a new or current debt's due date is
// strictly before today.
func EnsureDebtCanBecomeOverdue(state debtdomain.State, deletedAt *time.Time, dueDate time.Time, today time.Time) error {
	if err := EnsureDebtEvaluable(state, deletedAt); err != nil {
		return err
	}
	if state == debtdomain.StateOverdue {
		return ErrDebtOverdue
	}
	if !dueDate.Before(today) {
		return ErrDebtNotPastDue
	}
	return nil
}
