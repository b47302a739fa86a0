package trigger

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	campaigndomain "github.com/smallbiznis/dunning/internal/campaign/domain"
	debtdomain "github.com/smallbiznis/dunning/internal/debt/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func trig(kind campaigndomain.EventKind, offset int, node snowflake.ID) campaigndomain.Trigger {
	return campaigndomain.Trigger{ID: node + 1000, NodeID: node, EventKind: kind, OffsetDays: &offset, Active: true}
}

func TestFiresDaysBeforeDueIsExactDay(t *testing.T) {
	due := day(2025, 1, 20)
	debt := debtdomain.Debt{DueDate: due, State: debtdomain.StateCurrent}
	tr := trig(campaigndomain.EventDaysBeforeDue, 3, 1)

	for d := 10; d <= 25; d++ {
		today := day(2025, 1, d)
		got := Fires(tr, debt, today, today.Add(15*time.Hour), nil)
		assert.Equal(t, d == 17, got.Applies, "day %d", d)
	}
}

func TestFiresDueDayOnlyOnDueDate(t *testing.T) {
	due := day(2025, 1, 20)
	debt := debtdomain.Debt{DueDate: due, State: debtdomain.StateCurrent}
	tr := trig(campaigndomain.EventDueDay, 0, 1)

	assert.False(t, Fires(tr, debt, due.AddDate(0, 0, -1), due, nil).Applies)
	got := Fires(tr, debt, due, due, nil)
	assert.True(t, got.Applies)
	assert.Equal(t, due, got.EventAt)
	assert.False(t, Fires(tr, debt, due.AddDate(0, 0, 1), due, nil).Applies)
}

func TestFiresDaysAfterDueIsOnOrAfter(t *testing.T) {
	due := day(2025, 1, 20)
	tr := trig(campaigndomain.EventDaysAfterDue, 5, 1)
	overdue := debtdomain.Debt{DueDate: due, State: debtdomain.StateOverdue}

	assert.False(t, Fires(tr, overdue, day(2025, 1, 24), due, nil).Applies)
	assert.True(t, Fires(tr, overdue, day(2025, 1, 25), due, nil).Applies)
	assert.True(t, Fires(tr, overdue, day(2025, 2, 10), due, nil).Applies, "caught late")

	current := debtdomain.Debt{DueDate: due, State: debtdomain.StateCurrent}
	assert.False(t, Fires(tr, current, day(2025, 1, 26), due, nil).Applies, "requires overdue state")
}

func TestFiresDebtCreated(t *testing.T) {
	today := day(2025, 1, 10)
	tr := trig(campaigndomain.EventDebtCreated, 0, 1)

	fresh := debtdomain.Debt{DueDate: today.AddDate(0, 0, 30), State: debtdomain.StateNew}
	got := Fires(tr, fresh, today, today, nil)
	assert.True(t, got.Applies)
	assert.Equal(t, today, got.EventAt)

	dueToday := debtdomain.Debt{DueDate: today, State: debtdomain.StateNew}
	assert.True(t, Fires(tr, dueToday, today, today, nil).Applies)

	pastDue := debtdomain.Debt{DueDate: today.AddDate(0, 0, -1), State: debtdomain.StateNew}
	assert.False(t, Fires(tr, pastDue, today, today, nil).Applies)

	notNew := debtdomain.Debt{DueDate: today.AddDate(0, 0, 30), State: debtdomain.StateCurrent}
	assert.False(t, Fires(tr, notNew, today, today, nil).Applies)
}

func TestFiresPaymentRegisteredWithinWindow(t *testing.T) {
	now := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	today := day(2025, 1, 10)
	tr := trig(campaigndomain.EventPaymentRegistered, 0, 1)
	debt := debtdomain.Debt{DueDate: day(2025, 1, 20), State: debtdomain.StateCurrent}

	paidAt := now.Add(-3 * time.Hour)
	got := Fires(tr, debt, today, now, &debtdomain.Payment{Status: debtdomain.PaymentConfirmed, CreatedAt: paidAt})
	require.True(t, got.Applies)
	assert.Equal(t, paidAt, got.EventAt)

	assert.False(t, Fires(tr, debt, today, now, &debtdomain.Payment{Status: debtdomain.PaymentConfirmed, CreatedAt: now.Add(-25 * time.Hour)}).Applies)
	assert.False(t, Fires(tr, debt, today, now, &debtdomain.Payment{Status: debtdomain.PaymentPending, CreatedAt: paidAt}).Applies)
	assert.False(t, Fires(tr, debt, today, now, nil).Applies)
}

func TestNextEvaluationDate(t *testing.T) {
	due := day(2025, 1, 20)
	today := day(2025, 1, 10)

	before5 := trig(campaigndomain.EventDaysBeforeDue, 5, 1)
	dueDay := trig(campaigndomain.EventDueDay, 0, 2)
	after3 := trig(campaigndomain.EventDaysAfterDue, 3, 3)
	created := trig(campaigndomain.EventDebtCreated, 0, 4)

	got := NextEvaluationDate([]campaigndomain.Trigger{dueDay, before5, after3}, nil, due, today)
	require.NotNil(t, got)
	assert.Equal(t, day(2025, 1, 15), *got)

	got = NextEvaluationDate([]campaigndomain.Trigger{dueDay, before5, after3}, map[snowflake.ID]bool{1: true}, due, today)
	require.NotNil(t, got)
	assert.Equal(t, due, *got)

	assert.Nil(t, NextEvaluationDate([]campaigndomain.Trigger{before5, created}, nil, due, today), "event-driven trigger keeps evaluating")
	assert.Nil(t, NextEvaluationDate([]campaigndomain.Trigger{before5}, nil, due, day(2025, 1, 15)), "fireable today")
	assert.Nil(t, NextEvaluationDate([]campaigndomain.Trigger{after3}, nil, due, day(2025, 1, 30)), "days_after_due already reachable")
	assert.Nil(t, NextEvaluationDate([]campaigndomain.Trigger{before5, dueDay}, nil, due, day(2025, 1, 25)), "nothing can fire again")

	inactive := dueDay
	inactive.Active = false
	assert.Nil(t, NextEvaluationDate([]campaigndomain.Trigger{inactive}, nil, due, today))
}

func TestScheduleAt(t *testing.T) {
	loc, err := time.LoadLocation("America/Mexico_City")
	require.NoError(t, err)
	due := day(2025, 1, 20)
	today := day(2025, 1, 10)

	nine := func(d time.Time) time.Time { return time.Date(d.Year(), d.Month(), d.Day(), 15, 0, 0, 0, time.UTC) }

	assert.Equal(t, nine(today), ScheduleAt(trig(campaigndomain.EventDebtCreated, 0, 1), due, today, today, 9, loc))
	assert.Equal(t, nine(day(2025, 1, 17)), ScheduleAt(trig(campaigndomain.EventDaysBeforeDue, 3, 1), due, day(2025, 1, 17), today, 9, loc))
	assert.Equal(t, nine(due), ScheduleAt(trig(campaigndomain.EventDueDay, 0, 1), due, due, due, 9, loc))
	assert.Equal(t, nine(day(2025, 1, 25)), ScheduleAt(trig(campaigndomain.EventDaysAfterDue, 5, 1), due, day(2025, 1, 25), today, 9, loc))
	assert.Equal(t, nine(day(2025, 2, 3)), ScheduleAt(trig(campaigndomain.EventDaysAfterDue, 5, 1), due, day(2025, 2, 3), today, 9, loc), "caught late runs today")

	paidAt := time.Date(2025, 1, 10, 18, 42, 0, 0, time.UTC)
	assert.Equal(t, paidAt, ScheduleAt(trig(campaigndomain.EventPaymentRegistered, 0, 1), due, today, paidAt, 9, loc))
}
