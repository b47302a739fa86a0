package trigger_test

import (
	"context"
	"testing"
	"time"

	campaigndomain "github.com/smallbiznis/dunning/internal/campaign/domain"
	campaignrepo "github.com/smallbiznis/dunning/internal/campaign/repository"
	channeldomain "github.com/smallbiznis/dunning/internal/channel/domain"
	"github.com/smallbiznis/dunning/internal/config"
	debtdomain "github.com/smallbiznis/dunning/internal/debt/domain"
	debtrepo "github.com/smallbiznis/dunning/internal/debt/repository"
	"github.com/smallbiznis/dunning/internal/enginetest"
	"github.com/smallbiznis/dunning/internal/trigger"
	workflowrepo "github.com/smallbiznis/dunning/internal/workflowstate/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEvaluator(t *testing.T, now time.Time) (*trigger.Evaluator, *enginetest.Fixtures) {
	t.Helper()
	db := enginetest.OpenDB(t)
	cfg := config.Config{Engine: config.EngineConfig{Timezone: "UTC", SendHour: 9}}
	evaluator := trigger.NewEvaluator(trigger.Params{
		DB:           db,
		Log:          zap.NewNop(),
		Config:       cfg,
		DebtRepo:     debtrepo.Provide(),
		CampaignRepo: campaignrepo.Provide(),
		StateRepo:    workflowrepo.Provide(),
	})
	return evaluator, enginetest.NewFixtures(db, enginetest.NewNode(t), now)
}

func noon(d int) time.Time {
	return time.Date(2025, 3, d, 12, 0, 0, 0, time.UTC)
}

func midnight(d int) time.Time {
	return time.Date(2025, 3, d, 0, 0, 0, 0, time.UTC)
}

func TestEvaluateCampaignStates(t *testing.T) {
	cases := []struct {
		state campaigndomain.State
		want  int
	}{
		{campaigndomain.StateActive, 1},
		{campaigndomain.StatePaused, 1},
		{campaigndomain.StateDraft, 0},
		{campaigndomain.StateArchived, 0},
	}
	for _, tc := range cases {
		t.Run(string(tc.state), func(t *testing.T) {
			evaluator, fx := newEvaluator(t, noon(10))
			campaign, node, _ := fx.EmailCampaignIn(t, tc.state, campaigndomain.EventDueDay, -1)
			debt := fx.Debt(t, midnight(10), debtdomain.StateCurrent)

			candidates, err := evaluator.Evaluate(context.Background(), debt, noon(10))
			require.NoError(t, err)
			require.Len(t, candidates, tc.want)
			if tc.want == 0 {
				return
			}
			assert.Equal(t, campaign.ID, candidates[0].Campaign.ID)
			assert.Equal(t, node.ID, candidates[0].Node.ID)
			assert.Equal(t, campaigndomain.EventDueDay, candidates[0].Trigger.EventKind)
		})
	}
}

func TestEvaluateSkipsSoftDeletedNode(t *testing.T) {
	evaluator, fx := newEvaluator(t, noon(10))
	campaign := fx.Campaign(t, campaigndomain.StateActive)
	tpl := fx.Template(t, channeldomain.ChannelEmail, "Aviso", "Su saldo vence hoy.")
	deletedAt := noon(9)
	removed := fx.Node(t, campaign.ID, campaigndomain.NodeEmail, func(n *campaigndomain.Node) {
		n.TemplateID = &tpl.ID
		n.DeletedAt = &deletedAt
	})
	kept := fx.Node(t, campaign.ID, campaigndomain.NodeEmail, func(n *campaigndomain.Node) {
		n.TemplateID = &tpl.ID
	})
	fx.Trigger(t, campaign.ID, removed.ID, campaigndomain.EventDueDay, -1)
	fx.Trigger(t, campaign.ID, kept.ID, campaigndomain.EventDueDay, -1)
	debt := fx.Debt(t, midnight(10), debtdomain.StateCurrent)

	candidates, err := evaluator.Evaluate(context.Background(), debt, noon(10))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, kept.ID, candidates[0].Node.ID)
}

func TestEvaluateOnlySoftDeletedNodeYieldsNothing(t *testing.T) {
	evaluator, fx := newEvaluator(t, noon(10))
	campaign := fx.Campaign(t, campaigndomain.StateActive)
	deletedAt := noon(9)
	removed := fx.Node(t, campaign.ID, campaigndomain.NodeSMS, func(n *campaigndomain.Node) {
		n.DeletedAt = &deletedAt
	})
	fx.Trigger(t, campaign.ID, removed.ID, campaigndomain.EventDueDay, -1)
	debt := fx.Debt(t, midnight(10), debtdomain.StateCurrent)

	candidates, err := evaluator.Evaluate(context.Background(), debt, noon(10))
	require.NoError(t, err)
	assert.Empty(t, candidates)
}
