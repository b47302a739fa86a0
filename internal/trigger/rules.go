package trigger

import (
	"time"

	"github.com/bwmarrin/snowflake"
	campaigndomain "github.com/smallbiznis/dunning/internal/campaign/domain"
	"github.com/smallbiznis/dunning/internal/clock"
	debtdomain "github.com/smallbiznis/dunning/internal/debt/domain"
)

// PaymentWindow bounds how recent a confirmed payment must be to fire payment_registered.
const PaymentWindow = 24 * time.Hour

// Firing is the outcome of matching one trigger against one debt.
type Firing struct {
	Applies bool
	EventAt time.Time
}

// Fires applies the event rules. today is the engine-local calendar date
// encoded as midnight UTC; now is the wall-clock instant of the pass.
func Fires(t campaigndomain.Trigger, debt debtdomain.Debt, today, now time.Time, payment *debtdomain.Payment) Firing {
	due := clock.CivilDate(debt.DueDate)
	offset := t.Offset()

	switch t.EventKind {
	case campaigndomain.EventDebtCreated:
		if debt.State == debtdomain.StateNew && !due.Before(today) {
			return Firing{Applies: true, EventAt: today}
		}
	case campaigndomain.EventDaysBeforeDue:
		if today.Equal(due.AddDate(0, 0, -offset)) {
			return Firing{Applies: true, EventAt: today}
		}
	case campaigndomain.EventDueDay:
		if today.Equal(due) {
			return Firing{Applies: true, EventAt: today}
		}
	case campaigndomain.EventDaysAfterDue:
		if debt.State == debtdomain.StateOverdue && !today.Before(due.AddDate(0, 0, offset)) {
			return Firing{Applies: true, EventAt: today}
		}
	case campaigndomain.EventPaymentRegistered:
		if payment == nil || payment.Status != debtdomain.PaymentConfirmed {
			break
		}
		at := payment.CreatedAt.UTC()
		if !at.After(now) && now.Sub(at) <= PaymentWindow {
			return Firing{Applies: true, EventAt: at}
		}
	}
	return Firing{}
}

// FireDate is the calendar date a date-based trigger targets.
func FireDate(t campaigndomain.Trigger, due time.Time) (time.Time, bool) {
	due = clock.CivilDate(due)
	switch t.EventKind {
	case campaigndomain.EventDaysBeforeDue:
		return due.AddDate(0, 0, -t.Offset()), true
	case campaigndomain.EventDueDay:
		return due, true
	case campaigndomain.EventDaysAfterDue:
		return due.AddDate(0, 0, t.Offset()), true
	default:
		return time.Time{}, false
	}
}

// NextEvaluationDate returns the earliest future date on which an unconsumed
// trigger of the campaign can fire. It returns nil when some trigger is
// event-driven or fireable today, and when nothing can fire again.
func NextEvaluationDate(triggers []campaigndomain.Trigger, consumed map[snowflake.ID]bool, due, today time.Time) *time.Time {
	var next *time.Time
	for _, t := range triggers {
		if !t.Active || consumed[t.NodeID] {
			continue
		}
		if !t.EventKind.DateBased() {
			return nil
		}
		date, _ := FireDate(t, due)
		switch {
		case date.Equal(today):
			return nil
		case date.Before(today):
			if t.EventKind == campaigndomain.EventDaysAfterDue {
				return nil
			}
		default:
			if next == nil || date.Before(*next) {
				d := date
				next = &d
			}
		}
	}
	return next
}

// ScheduleAt returns the instant an action generated for this firing should run.
func ScheduleAt(t campaigndomain.Trigger, due, today, eventAt time.Time, sendHour int, loc *time.Location) time.Time {
	due = clock.CivilDate(due)
	switch t.EventKind {
	case campaigndomain.EventPaymentRegistered:
		return eventAt.UTC()
	case campaigndomain.EventDaysBeforeDue:
		return clock.AtLocalHour(due.AddDate(0, 0, -t.Offset()), sendHour, loc)
	case campaigndomain.EventDueDay:
		return clock.AtLocalHour(due, sendHour, loc)
	case campaigndomain.EventDaysAfterDue:
		target := due.AddDate(0, 0, t.Offset())
		if target.Before(today) {
			target = today
		}
		return clock.AtLocalHour(target, sendHour, loc)
	default:
		return clock.AtLocalHour(today, sendHour, loc)
	}
}
