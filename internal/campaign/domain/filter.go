package domain

import (
	"slices"

	"github.com/shopspring/decimal"
	debtdomain "github.com/smallbiznis/dunning/internal/debt/domain"
)

// FilterPredicate narrows which debts a node applies to. Empty fields match everything.
type FilterPredicate struct {
	States         []debtdomain.State       `json:"states,omitempty"`
	MinAmount      *decimal.Decimal         `json:"min_amount,omitempty"`
	MaxAmount      *decimal.Decimal         `json:"max_amount,omitempty"`
	MinDaysOverdue *int                     `json:"min_days_overdue,omitempty"`
	MaxDaysOverdue *int                     `json:"max_days_overdue,omitempty"`
	ContactTypes   []debtdomain.ContactType `json:"contact_types,omitempty"`
}

// Matches evaluates the predicate. daysOverdue is negative before the due date.
func (p FilterPredicate) Matches(debt debtdomain.Debt, daysOverdue int, contacts []debtdomain.Contact) bool {
	if len(p.States) > 0 && !slices.Contains(p.States, debt.State) {
		return false
	}
	if p.MinAmount != nil && debt.Amount.LessThan(*p.MinAmount) {
		return false
	}
	if p.MaxAmount != nil && debt.Amount.GreaterThan(*p.MaxAmount) {
		return false
	}
	if p.MinDaysOverdue != nil && daysOverdue < *p.MinDaysOverdue {
		return false
	}
	if p.MaxDaysOverdue != nil && daysOverdue > *p.MaxDaysOverdue {
		return false
	}
	if len(p.ContactTypes) > 0 {
		found := false
		for _, c := range contacts {
			if slices.Contains(p.ContactTypes, c.Type) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
