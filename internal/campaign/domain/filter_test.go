package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	debtdomain "github.com/smallbiznis/dunning/internal/debt/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func intPtr(v int) *int { return &v }

func TestFilterPredicateMatches(t *testing.T) {
	min := decimal.NewFromInt(100)
	max := decimal.NewFromInt(5000)
	debt := debtdomain.Debt{State: debtdomain.StateOverdue, Amount: decimal.NewFromInt(1200)}
	contacts := []debtdomain.Contact{{Type: debtdomain.ContactMobile, Value: "+5215555555555"}}

	cases := []struct {
		name        string
		pred        FilterPredicate
		daysOverdue int
		want        bool
	}{
		{name: "empty", pred: FilterPredicate{}, want: true},
		{name: "state match", pred: FilterPredicate{States: []debtdomain.State{debtdomain.StateOverdue}}, want: true},
		{name: "state mismatch", pred: FilterPredicate{States: []debtdomain.State{debtdomain.StateNew}}, want: false},
		{name: "amount in range", pred: FilterPredicate{MinAmount: &min, MaxAmount: &max}, want: true},
		{name: "amount below", pred: FilterPredicate{MinAmount: &max}, want: false},
		{name: "days overdue in range", pred: FilterPredicate{MinDaysOverdue: intPtr(3), MaxDaysOverdue: intPtr(10)}, daysOverdue: 5, want: true},
		{name: "days overdue too early", pred: FilterPredicate{MinDaysOverdue: intPtr(7)}, daysOverdue: 5, want: false},
		{name: "contact type present", pred: FilterPredicate{ContactTypes: []debtdomain.ContactType{debtdomain.ContactMobile}}, want: true},
		{name: "contact type missing", pred: FilterPredicate{ContactTypes: []debtdomain.ContactType{debtdomain.ContactEmail}}, want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.pred.Matches(debt, tc.daysOverdue, contacts))
		})
	}
}

func TestNodeFilterPredicateDecoding(t *testing.T) {
	node := Node{Filter: datatypes.JSON(`{"states":["overdue"],"min_amount":"250.50"}`)}
	pred, err := node.FilterPredicate()
	require.NoError(t, err)
	require.NotNil(t, pred)
	assert.Equal(t, []debtdomain.State{debtdomain.StateOverdue}, pred.States)
	assert.True(t, pred.MinAmount.Equal(decimal.RequireFromString("250.50")))

	empty, err := Node{}.FilterPredicate()
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = Node{Filter: datatypes.JSON(`{"states":`)}.FilterPredicate()
	assert.ErrorIs(t, err, ErrInvalidFilter)
}
