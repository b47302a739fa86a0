package dispatcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	campaigndomain "github.com/smallbiznis/dunning/internal/campaign/domain"
	campaignrepo "github.com/smallbiznis/dunning/internal/campaign/repository"
	"github.com/smallbiznis/dunning/internal/channel"
	channeldomain "github.com/smallbiznis/dunning/internal/channel/domain"
	"github.com/smallbiznis/dunning/internal/clock"
	"github.com/smallbiznis/dunning/internal/config"
	debtdomain "github.com/smallbiznis/dunning/internal/debt/domain"
	debtrepo "github.com/smallbiznis/dunning/internal/debt/repository"
	"github.com/smallbiznis/dunning/internal/dispatcher"
	"github.com/smallbiznis/dunning/internal/enginetest"
	"github.com/smallbiznis/dunning/internal/events"
	"github.com/smallbiznis/dunning/internal/guardrail"
	guardrailrepo "github.com/smallbiznis/dunning/internal/guardrail/repository"
	historydomain "github.com/smallbiznis/dunning/internal/history/domain"
	historyrepo "github.com/smallbiznis/dunning/internal/history/repository"
	programaciondomain "github.com/smallbiznis/dunning/internal/programacion/domain"
	programacionrepo "github.com/smallbiznis/dunning/internal/programacion/repository"
	programacion "github.com/smallbiznis/dunning/internal/programacion/service"
	"github.com/smallbiznis/dunning/internal/retry"
	"github.com/smallbiznis/dunning/internal/trigger"
	workflowdomain "github.com/smallbiznis/dunning/internal/workflowstate/domain"
	workflowrepo "github.com/smallbiznis/dunning/internal/workflowstate/repository"
	workflowstate "github.com/smallbiznis/dunning/internal/workflowstate/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeAdapter struct {
	mu       sync.Mutex
	channel  channeldomain.Channel
	result   channeldomain.Result
	err      error
	requests []channeldomain.Request
}

func (a *fakeAdapter) Channel() channeldomain.Channel { return a.channel }

func (a *fakeAdapter) Send(ctx context.Context, req channeldomain.Request) (channeldomain.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	return a.result, a.err
}

func (a *fakeAdapter) sent() []channeldomain.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]channeldomain.Request(nil), a.requests...)
}

type harness struct {
	db         *gorm.DB
	fx         *enginetest.Fixtures
	clock      *clock.FakeClock
	evaluator  *trigger.Evaluator
	generator  *programacion.Generator
	dispatcher *dispatcher.Dispatcher
	states     *workflowstate.Service
	adapter    *fakeAdapter
	events     *events.Recorder
}

type options struct {
	mode      string
	guardrail config.GuardrailFile
}

// Friday 2025-01-17, 10:00 UTC.
var friday = time.Date(2025, 1, 17, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	db := enginetest.OpenDB(t)
	genID := enginetest.NewNode(t)
	log := zap.NewNop()
	clk := clock.NewFakeClock(friday)
	cfg := config.Config{Engine: config.EngineConfig{
		Timezone:              "UTC",
		SendHour:              9,
		DispatchBatchSize:     10,
		AdapterTimeout:        time.Second,
		GuardrailDispatchMode: opts.mode,
	}}

	debts := debtrepo.Provide()
	campaigns := campaignrepo.Provide()
	stateRepo := workflowrepo.Provide()
	actions := programacionrepo.Provide()
	history := historyrepo.Provide()
	recorder := &events.Recorder{}
	adapter := &fakeAdapter{
		channel: channeldomain.ChannelEmail,
		result:  channeldomain.Result{Success: true, ExternalID: "msg-1@dunning.local"},
	}

	states := workflowstate.NewService(workflowstate.Params{DB: db, Log: log, GenID: genID, Repo: stateRepo, Clock: clk})
	retries := retry.NewScheduler(retry.Params{
		DB: db, Log: log, GenID: genID, Config: cfg, Repo: actions, Clock: clk, Publisher: recorder,
	})

	return &harness{
		db:    db,
		fx:    enginetest.NewFixtures(db, genID, friday),
		clock: clk,
		evaluator: trigger.NewEvaluator(trigger.Params{
			DB: db, Log: log, Config: cfg, DebtRepo: debts, CampaignRepo: campaigns, StateRepo: stateRepo,
		}),
		generator: programacion.NewGenerator(programacion.Params{
			DB: db, Log: log, GenID: genID, Config: cfg, Repo: actions, DebtRepo: debts,
			CampaignRepo: campaigns, StateSvc: states, Clock: clk, Publisher: recorder,
		}),
		dispatcher: dispatcher.New(dispatcher.Params{
			DB:           db,
			Log:          log,
			GenID:        genID,
			Config:       cfg,
			Repo:         actions,
			HistoryRepo:  history,
			CampaignRepo: campaigns,
			StateSvc:     states,
			Guardrails:   guardrail.NewEngine(guardrail.EngineParams{DB: db, Log: log, HistoryRepo: history}),
			Policies: guardrail.NewLoader(guardrail.LoaderParams{
				DB: db, Log: log, Config: cfg,
				Holder: config.NewStaticGuardrailConfigHolder(opts.guardrail),
				Repo:   guardrailrepo.Provide(),
			}),
			Registry:  channel.NewRegistry(adapter),
			Retry:     retries,
			Clock:     clk,
			Publisher: recorder,
		}),
		states:  states,
		adapter: adapter,
		events:  recorder,
	}
}

// schedule creates one due email action for a debt three days from due.
func (h *harness) schedule(t *testing.T) (debtdomain.Debt, campaigndomain.Campaign, campaigndomain.Node, *programaciondomain.Action) {
	t.Helper()
	ctx := context.Background()
	campaign, node, _ := h.fx.EmailCampaign(t, campaigndomain.EventDaysBeforeDue, 3)
	debt := h.fx.Debt(t, time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC), debtdomain.StateCurrent)
	h.fx.Contact(t, debt.DebtorID, debtdomain.ContactEmail, "ana@example.com", true)

	candidates, err := h.evaluator.Evaluate(ctx, debt, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	action, err := h.generator.Generate(ctx, candidates[0])
	require.NoError(t, err)
	require.NotNil(t, action)
	return debt, campaign, node, action
}

func (h *harness) history(t *testing.T, debtID any) []historydomain.Record {
	t.Helper()
	var records []historydomain.Record
	require.NoError(t, h.db.Where("debt_id = ?", debtID).Order("id ASC").Find(&records).Error)
	return records
}

func (h *harness) nodeStatus(t *testing.T, campaign campaigndomain.Campaign, debt debtdomain.Debt, node campaigndomain.Node) workflowdomain.NodeStatus {
	t.Helper()
	state, err := h.states.Find(context.Background(), campaign.ID, debt.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	entry, ok := state.Nodes().Entry(node.ID)
	require.True(t, ok)
	return entry.Status
}

func TestDrainSendsDueAction(t *testing.T) {
	h := newHarness(t, options{mode: config.GuardrailModeEnforce})
	debt, campaign, node, action := h.schedule(t)

	res, err := h.dispatcher.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dispatcher.Result{Claimed: 1, Sent: 1}, res)

	sent := h.adapter.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, action.ID, sent[0].ActionID)
	assert.Equal(t, "ana@example.com", sent[0].Destination)
	assert.Equal(t, "Recordatorio de pago", sent[0].Subject)
	assert.Contains(t, sent[0].Content, "1500.00 MXN")
	assert.Contains(t, sent[0].Content, "2025-01-20")

	records := h.history(t, debt.ID)
	require.Len(t, records, 1)
	assert.Equal(t, historydomain.OutcomeSent, records[0].Outcome)
	assert.Equal(t, historydomain.DeliveryQueued, records[0].DeliveryStatus)
	require.NotNil(t, records[0].ExternalID)
	assert.Equal(t, "msg-1@dunning.local", *records[0].ExternalID)
	assert.False(t, records[0].GuardrailBlocked)

	actions := enginetest.ListActions(t, h.db, debt.ID)
	require.Len(t, actions, 1)
	assert.Equal(t, programaciondomain.StatusDone, actions[0].Status)
	assert.NotNil(t, actions[0].FinishedAt)

	assert.Equal(t, workflowdomain.NodeFired, h.nodeStatus(t, campaign, debt, node))
	assert.Len(t, h.events.OfType(events.ActionDispatched), 1)

	// Nothing left to claim.
	res, err = h.dispatcher.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dispatcher.Result{}, res)
	assert.Len(t, h.adapter.sent(), 1)
}

func TestDrainSkipsFutureActions(t *testing.T) {
	h := newHarness(t, options{mode: config.GuardrailModeEnforce})
	h.clock.Set(time.Date(2025, 1, 17, 7, 0, 0, 0, time.UTC))
	h.fx.Now = h.clock.Now()
	debt, _, _, _ := h.schedule(t)

	res, err := h.dispatcher.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	assert.Empty(t, h.adapter.sent())

	h.clock.Set(time.Date(2025, 1, 17, 9, 0, 0, 0, time.UTC))
	res, err = h.dispatcher.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, h.history(t, debt.ID), 1)
}

func TestDrainEnforcedGuardrailBlocksSend(t *testing.T) {
	h := newHarness(t, options{
		mode:      config.GuardrailModeEnforce,
		guardrail: config.GuardrailFile{BlockedWeekdays: []string{"friday"}},
	})
	debt, campaign, node, _ := h.schedule(t)

	res, err := h.dispatcher.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dispatcher.Result{Claimed: 1, Blocked: 1}, res)
	assert.Empty(t, h.adapter.sent())

	records := h.history(t, debt.ID)
	require.Len(t, records, 1)
	assert.Equal(t, historydomain.OutcomeBlocked, records[0].Outcome)
	assert.True(t, records[0].GuardrailBlocked)

	var details map[string]any
	require.NoError(t, json.Unmarshal(records[0].Details, &details))
	assert.Equal(t, config.GuardrailModeEnforce, details["guardrail_mode"])

	actions := enginetest.ListActions(t, h.db, debt.ID)
	require.Len(t, actions, 1)
	assert.Equal(t, programaciondomain.StatusCancelled, actions[0].Status)
	assert.Equal(t, workflowdomain.NodeFailed, h.nodeStatus(t, campaign, debt, node))
	assert.Len(t, h.events.OfType(events.ActionFailed), 1)
}

func TestDrainAdvisoryGuardrailFlagsAndSends(t *testing.T) {
	h := newHarness(t, options{
		mode:      config.GuardrailModeAdvisory,
		guardrail: config.GuardrailFile{BlockedWeekdays: []string{"friday"}},
	})
	debt, campaign, node, _ := h.schedule(t)

	res, err := h.dispatcher.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dispatcher.Result{Claimed: 1, Sent: 1}, res)
	assert.Len(t, h.adapter.sent(), 1)

	records := h.history(t, debt.ID)
	require.Len(t, records, 1)
	assert.Equal(t, historydomain.OutcomeSent, records[0].Outcome)
	assert.True(t, records[0].GuardrailBlocked)
	assert.Equal(t, workflowdomain.NodeFired, h.nodeStatus(t, campaign, debt, node))
}

func TestDrainSyncFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, options{
		mode: config.GuardrailModeEnforce,
		guardrail: config.GuardrailFile{Retry: config.RetryFile{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Minute,
			MaxDelay:    time.Hour,
		}},
	})
	h.adapter.result = channeldomain.Result{
		Success:      false,
		Error:        "smtp 451 temporary failure",
		FailureClass: channeldomain.FailureProviderError,
	}
	debt, campaign, node, action := h.schedule(t)

	res, err := h.dispatcher.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dispatcher.Result{Claimed: 1, Failed: 1}, res)

	records := h.history(t, debt.ID)
	require.Len(t, records, 1)
	assert.Equal(t, historydomain.OutcomeFailed, records[0].Outcome)
	assert.Equal(t, historydomain.DeliveryFailed, records[0].DeliveryStatus)
	assert.Equal(t, string(channeldomain.FailureProviderError), records[0].FailureClass)

	actions := enginetest.ListActions(t, h.db, debt.ID)
	require.Len(t, actions, 2)
	assert.Equal(t, programaciondomain.StatusCancelled, actions[0].Status)

	next := actions[1]
	assert.Equal(t, programaciondomain.StatusPending, next.Status)
	assert.Equal(t, 1, next.Attempt)
	require.NotNil(t, next.RetryOf)
	assert.Equal(t, action.ID, *next.RetryOf)
	assert.Equal(t, friday.Add(10*time.Minute), next.ScheduledAt.UTC())
	assert.Equal(t, workflowdomain.NodeFailed, h.nodeStatus(t, campaign, debt, node))
	assert.Len(t, h.events.OfType(events.ActionRetryScheduled), 1)

	// The retry goes out once due.
	h.adapter.result = channeldomain.Result{Success: true, ExternalID: "msg-2@dunning.local"}
	h.clock.Advance(10 * time.Minute)
	res, err = h.dispatcher.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dispatcher.Result{Claimed: 1, Sent: 1}, res)
	assert.Equal(t, workflowdomain.NodeFired, h.nodeStatus(t, campaign, debt, node))
}

func TestDrainRenderFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, options{
		mode:      config.GuardrailModeEnforce,
		guardrail: config.GuardrailFile{Retry: config.RetryFile{MaxAttempts: 3, BaseDelay: time.Minute}},
	})
	debt, _, _, action := h.schedule(t)
	require.NoError(t, h.db.Exec(
		`UPDATE message_templates SET body = ? WHERE id = ?`,
		"Hola {{.nombre_inexistente}}",
		*action.TemplateID,
	).Error)

	res, err := h.dispatcher.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dispatcher.Result{Claimed: 1, Failed: 1}, res)
	assert.Empty(t, h.adapter.sent())

	actions := enginetest.ListActions(t, h.db, debt.ID)
	require.Len(t, actions, 1)
	assert.Equal(t, programaciondomain.StatusCancelled, actions[0].Status)
	assert.Empty(t, h.events.OfType(events.ActionRetryScheduled))
}

// failFirstExec makes the first raw statement starting with prefix fail.
func failFirstExec(t *testing.T, db *gorm.DB, prefix string) {
	t.Helper()
	armed := true
	require.NoError(t, db.Callback().Raw().Before("gorm:raw").Register("fail_first_exec", func(d *gorm.DB) {
		if armed && strings.HasPrefix(strings.TrimSpace(d.Statement.SQL.String()), prefix) {
			armed = false
			_ = d.AddError(errors.New("connection reset by peer"))
		}
	}))
}

func TestDrainStorageFailureRevertsOnlyThatAction(t *testing.T) {
	h := newHarness(t, options{mode: config.GuardrailModeEnforce})
	ctx := context.Background()
	h.fx.EmailCampaign(t, campaigndomain.EventDaysBeforeDue, 3)

	var debts []debtdomain.Debt
	for _, email := range []string{"ana@example.com", "luis@example.com"} {
		debt := h.fx.Debt(t, time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC), debtdomain.StateCurrent)
		h.fx.Contact(t, debt.DebtorID, debtdomain.ContactEmail, email, true)
		candidates, err := h.evaluator.Evaluate(ctx, debt, h.clock.Now())
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		action, err := h.generator.Generate(ctx, candidates[0])
		require.NoError(t, err)
		require.NotNil(t, action)
		debts = append(debts, debt)
	}
	failFirstExec(t, h.db, "INSERT INTO workflow_debt_states")

	res, err := h.dispatcher.Drain(ctx)
	require.Error(t, err)
	assert.Equal(t, dispatcher.Result{Claimed: 2, Sent: 1, Errored: 1}, res)
	require.Len(t, h.adapter.sent(), 1)

	var reverted, done programaciondomain.Action
	for _, debt := range debts {
		actions := enginetest.ListActions(t, h.db, debt.ID)
		require.Len(t, actions, 1)
		switch actions[0].Status {
		case programaciondomain.StatusPending:
			reverted = actions[0]
		case programaciondomain.StatusDone:
			done = actions[0]
		}
	}
	require.NotZero(t, reverted.ID)
	require.NotZero(t, done.ID)
	assert.Nil(t, reverted.StartedAt)
	assert.Equal(t, done.ID, h.adapter.sent()[0].ActionID)

	records := h.history(t, reverted.DebtID)
	require.Len(t, records, 1)
	assert.Equal(t, historydomain.OutcomeError, records[0].Outcome)
	assert.Equal(t, reverted.ID, records[0].ScheduledActionID)

	records = h.history(t, done.DebtID)
	require.Len(t, records, 1)
	assert.Equal(t, historydomain.OutcomeSent, records[0].Outcome)

	// The reverted action goes out on the next pass.
	res, err = h.dispatcher.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, dispatcher.Result{Claimed: 1, Sent: 1}, res)
	assert.Len(t, h.adapter.sent(), 2)
}

func TestDrainRetryInsertFailureKeepsActionClaimable(t *testing.T) {
	h := newHarness(t, options{
		mode:      config.GuardrailModeEnforce,
		guardrail: config.GuardrailFile{Retry: config.RetryFile{MaxAttempts: 3, BaseDelay: 5 * time.Minute, MaxDelay: time.Hour}},
	})
	h.adapter.result = channeldomain.Result{
		Success:      false,
		Error:        "smtp 451 temporary failure",
		FailureClass: channeldomain.FailureProviderError,
	}
	ctx := context.Background()
	debt, _, _, action := h.schedule(t)
	failFirstExec(t, h.db, "INSERT INTO scheduled_actions")

	res, err := h.dispatcher.Drain(ctx)
	require.Error(t, err)
	assert.Equal(t, dispatcher.Result{Claimed: 1, Errored: 1}, res)

	actions := enginetest.ListActions(t, h.db, debt.ID)
	require.Len(t, actions, 1)
	assert.Equal(t, programaciondomain.StatusPending, actions[0].Status)

	res, err = h.dispatcher.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, dispatcher.Result{Claimed: 1, Failed: 1}, res)

	actions = enginetest.ListActions(t, h.db, debt.ID)
	require.Len(t, actions, 2)
	assert.Equal(t, programaciondomain.StatusCancelled, actions[0].Status)
	assert.Equal(t, programaciondomain.StatusPending, actions[1].Status)
	require.NotNil(t, actions[1].RetryOf)
	assert.Equal(t, action.ID, *actions[1].RetryOf)

	records := h.history(t, debt.ID)
	require.Len(t, records, 2)
	assert.Equal(t, historydomain.OutcomeError, records[0].Outcome)
	assert.Equal(t, historydomain.OutcomeFailed, records[1].Outcome)
	assert.Len(t, h.events.OfType(events.ActionRetryScheduled), 1)
}
