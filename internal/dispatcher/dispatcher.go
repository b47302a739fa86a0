// Package dispatcher executes due scheduled actions through channel adapters.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	campaigndomain "github.com/smallbiznis/dunning/internal/campaign/domain"
	"github.com/smallbiznis/dunning/internal/channel"
	channeldomain "github.com/smallbiznis/dunning/internal/channel/domain"
	"github.com/smallbiznis/dunning/internal/clock"
	"github.com/smallbiznis/dunning/internal/config"
	"github.com/smallbiznis/dunning/internal/events"
	"github.com/smallbiznis/dunning/internal/guardrail"
	guardraildomain "github.com/smallbiznis/dunning/internal/guardrail/domain"
	historydomain "github.com/smallbiznis/dunning/internal/history/domain"
	obsmetrics "github.com/smallbiznis/dunning/internal/observability/metrics"
	programaciondomain "github.com/smallbiznis/dunning/internal/programacion/domain"
	"github.com/smallbiznis/dunning/internal/ratelimit"
	"github.com/smallbiznis/dunning/internal/retry"
	workflowdomain "github.com/smallbiznis/dunning/internal/workflowstate/domain"
	workflowstate "github.com/smallbiznis/dunning/internal/workflowstate/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Config       config.Config
	Repo         programaciondomain.Repository
	HistoryRepo  historydomain.Repository
	CampaignRepo campaigndomain.Repository
	StateSvc     *workflowstate.Service
	Guardrails   *guardrail.Engine
	Policies     *guardrail.Loader
	Registry     *channel.Registry
	Retry        *retry.Scheduler
	Limiter      *ratelimit.SendLimiter `optional:"true"`
	Clock        clock.Clock            `optional:"true"`
	Publisher    events.Publisher       `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics    `optional:"true"`
}

type Dispatcher struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	repo         programaciondomain.Repository
	historyRepo  historydomain.Repository
	campaignRepo campaigndomain.Repository
	stateSvc     *workflowstate.Service
	guardrails   *guardrail.Engine
	policies     *guardrail.Loader
	registry     *channel.Registry
	retry        *retry.Scheduler
	limiter      *ratelimit.SendLimiter
	clock        clock.Clock
	publisher    events.Publisher
	obsMetrics   *obsmetrics.Metrics

	batchSize      int
	adapterTimeout time.Duration
	enforce        bool
}

func New(p Params) *Dispatcher {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	batchSize := p.Config.Engine.DispatchBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	timeout := p.Config.Engine.AdapterTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{
		db:             p.DB,
		log:            p.Log.Named("dispatcher"),
		genID:          p.GenID,
		repo:           p.Repo,
		historyRepo:    p.HistoryRepo,
		campaignRepo:   p.CampaignRepo,
		stateSvc:       p.StateSvc,
		guardrails:     p.Guardrails,
		policies:       p.Policies,
		registry:       p.Registry,
		retry:          p.Retry,
		limiter:        p.Limiter,
		clock:          clk,
		publisher:      p.Publisher,
		obsMetrics:     p.ObsMetrics,
		batchSize:      batchSize,
		adapterTimeout: timeout,
		enforce:        p.Config.Engine.GuardrailDispatchMode == config.GuardrailModeEnforce,
	}
}

// Result summarises one Drain call.
type Result struct {
	Claimed  int `json:"claimed"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Blocked  int `json:"blocked"`
	Deferred int `json:"deferred"`
	Errored  int `json:"errored"`
}

func (r *Result) add(o Result) {
	r.Claimed += o.Claimed
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.Blocked += o.Blocked
	r.Deferred += o.Deferred
	r.Errored += o.Errored
}

// Drain claims and executes due actions batch by batch until none are left.
// Per-action errors are joined into the returned error; only a failed claim
// stops the pass.
func (d *Dispatcher) Drain(ctx context.Context) (Result, error) {
	var (
		total Result
		errs  []error
	)
	policies := map[snowflake.ID]guardraildomain.Config{}

	for {
		if err := ctx.Err(); err != nil {
			return total, errors.Join(append(errs, err)...)
		}

		batch, err := d.claim(ctx)
		if err != nil {
			return total, errors.Join(append(errs, fmt.Errorf("claim due actions: %w", err))...)
		}
		if len(batch) == 0 {
			break
		}

		var res Result
		res.Claimed = len(batch)
		for _, action := range batch {
			outcome, err := d.process(ctx, action, policies)
			switch outcome {
			case outcomeSent:
				res.Sent++
			case outcomeFailed:
				res.Failed++
			case outcomeBlocked:
				res.Blocked++
			case outcomeDeferred:
				res.Deferred++
			case outcomeErrored:
				res.Errored++
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("action %s: %w", action.ID, err))
			}
		}
		total.add(res)

		// Deferred and reverted actions are due again immediately; leave them
		// to the next pass.
		if len(batch) < d.batchSize || res.Deferred > 0 || res.Errored > 0 {
			break
		}
	}
	return total, errors.Join(errs...)
}

func (d *Dispatcher) claim(ctx context.Context) ([]programaciondomain.Action, error) {
	now := d.clock.Now().UTC()
	var claimed []programaciondomain.Action

	lockStart := time.Now()
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		due, err := d.repo.ClaimDue(ctx, tx, now, d.batchSize)
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceScheduledActionsForWork, time.Since(lockStart))
		if err != nil {
			return err
		}
		for _, action := range due {
			ok, err := d.repo.MarkRunning(ctx, tx, action.ID, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			started := now
			action.Status = programaciondomain.StatusRunning
			action.StartedAt = &started
			claimed = append(claimed, action)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for range claimed {
		obsmetrics.Scheduler().IncActionTransition(string(programaciondomain.StatusPending), string(programaciondomain.StatusRunning))
	}
	return claimed, nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSent
	outcomeFailed
	outcomeBlocked
	outcomeDeferred
	outcomeErrored
)

// failure is a dispatch that ended without a send; the action is closed.
type failure struct {
	class     channeldomain.FailureClass
	message   string
	retryable bool
}

func (d *Dispatcher) process(ctx context.Context, action programaciondomain.Action, policies map[snowflake.ID]guardraildomain.Config) (outcome, error) {
	log := d.log.With(
		zap.String("action_id", action.ID.String()),
		zap.String("debt_id", action.DebtID.String()),
		zap.String("channel", string(action.Channel)),
		zap.Int("attempt", action.Attempt),
	)

	if ok, wait := d.limiter.Allow(ctx, action.Channel); !ok {
		if _, err := d.repo.RevertToPending(ctx, d.db, action.ID, d.clock.Now().UTC()); err != nil {
			return outcomeErrored, err
		}
		d.obsMetrics.RecordSendThrottled(ctx, string(action.Channel))
		obsmetrics.Scheduler().IncBatchDeferred("dispatch_actions", "rate_limited")
		log.Debug("send throttled", zap.Duration("retry_after", wait))
		return outcomeDeferred, nil
	}

	key := workflowstate.Key{OwnerID: action.OwnerID, CampaignID: action.CampaignID, DebtID: action.DebtID}
	if err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := d.stateSvc.EnsureTx(ctx, tx, key)
		return err
	}); err != nil {
		return d.abort(ctx, log, action, fmt.Errorf("ensure workflow state: %w", err))
	}

	policy, err := d.policy(ctx, action.OwnerID, policies)
	if err != nil {
		return d.abort(ctx, log, action, err)
	}

	now := d.clock.Now().UTC()
	decision, err := d.guardrails.Allowed(ctx, policy, action.OwnerID, action.DebtID, action.Channel, now)
	if err != nil {
		return d.abort(ctx, log, action, fmt.Errorf("evaluate guardrails: %w", err))
	}
	details := map[string]any{"guardrail": decision}
	if !decision.Allowed {
		d.obsMetrics.RecordGuardrailBlock(ctx, string(action.Channel), string(decision.Reason))
		if d.enforce {
			details["guardrail_mode"] = config.GuardrailModeEnforce
			log.Info("guardrail blocked send", zap.String("reason", string(decision.Reason)))
			return d.close(ctx, log, action, historydomain.OutcomeBlocked, nil, true, details, policy, failure{message: string(decision.Reason)})
		}
		details["guardrail_mode"] = config.GuardrailModeAdvisory
		log.Warn("guardrail would block send, advisory mode", zap.String("reason", string(decision.Reason)))
	}
	blocked := !decision.Allowed

	req, err := d.buildRequest(ctx, action)
	if err != nil {
		if isConfigError(err) {
			details["error"] = err.Error()
			log.Warn("action cannot be rendered", zap.Error(err))
			return d.close(ctx, log, action, historydomain.OutcomeFailed, nil, blocked, details, policy, failure{message: err.Error()})
		}
		return d.abort(ctx, log, action, err)
	}

	adapter, err := d.registry.Adapter(action.Channel)
	if err != nil {
		details["error"] = err.Error()
		return d.close(ctx, log, action, historydomain.OutcomeFailed, nil, blocked, details, policy, failure{message: err.Error()})
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.adapterTimeout)
	res, err := adapter.Send(sendCtx, req)
	cancel()
	if err != nil {
		// Adapter validation errors describe the action itself; a resend cannot help.
		details["error"] = err.Error()
		log.Warn("adapter rejected action", zap.Error(err))
		return d.close(ctx, log, action, historydomain.OutcomeFailed, nil, blocked, details, policy, failure{message: err.Error()})
	}
	if !res.Success {
		details["error"] = res.Error
		class := res.FailureClass
		if class == channeldomain.FailureNone {
			class = channeldomain.FailureProviderError
		}
		log.Warn("provider send failed", zap.String("failure_class", string(class)), zap.String("error", res.Error))
		return d.close(ctx, log, action, historydomain.OutcomeFailed, nil, blocked, details, policy, failure{class: class, message: res.Error, retryable: true})
	}

	var externalID *string
	if res.ExternalID != "" {
		id := res.ExternalID
		externalID = &id
	}
	return d.close(ctx, log, action, historydomain.OutcomeSent, externalID, blocked, details, policy, failure{})
}

func (d *Dispatcher) policy(ctx context.Context, ownerID snowflake.ID, cache map[snowflake.ID]guardraildomain.Config) (guardraildomain.Config, error) {
	if p, ok := cache[ownerID]; ok {
		return p, nil
	}
	p, err := d.policies.Load(ctx, ownerID)
	if err != nil {
		return guardraildomain.Config{}, fmt.Errorf("load guardrail policy: %w", err)
	}
	cache[ownerID] = p
	return p, nil
}

func (d *Dispatcher) buildRequest(ctx context.Context, action programaciondomain.Action) (channeldomain.Request, error) {
	vars := action.VariableMap()
	req := channeldomain.Request{
		ActionID:    action.ID,
		OwnerID:     action.OwnerID,
		Destination: action.Destination,
		Variables:   vars,
	}
	if action.AgentRef != nil {
		req.AgentRef = strings.TrimSpace(*action.AgentRef)
	}

	if action.TemplateID == nil {
		if action.Channel == channeldomain.ChannelCall {
			return req, nil
		}
		return req, programaciondomain.ErrMissingTemplate
	}
	tmpl, err := d.campaignRepo.FindTemplate(ctx, d.db, *action.TemplateID)
	if err != nil {
		return req, fmt.Errorf("find template: %w", err)
	}
	if tmpl == nil {
		return req, programaciondomain.ErrMissingTemplate
	}

	subject, content, err := channel.Render(action.Channel, tmpl.Subject, tmpl.Body, vars)
	if err != nil {
		return req, err
	}
	req.Subject = subject
	req.Content = content
	return req, nil
}

// close records the history row and finishes the action. Sends finish as
// done and fire the node; everything else is cancelled and fails the node.
func (d *Dispatcher) close(
	ctx context.Context,
	log *zap.Logger,
	action programaciondomain.Action,
	out historydomain.Outcome,
	externalID *string,
	guardrailBlocked bool,
	details map[string]any,
	policy guardraildomain.Config,
	f failure,
) (outcome, error) {
	now := d.clock.Now().UTC()
	status := programaciondomain.StatusCancelled
	nodeStatus := workflowdomain.NodeFailed
	delivery := historydomain.DeliveryNone
	if out == historydomain.OutcomeSent {
		status = programaciondomain.StatusDone
		nodeStatus = workflowdomain.NodeFired
		delivery = historydomain.DeliveryQueued
	}
	if out == historydomain.OutcomeFailed {
		delivery = historydomain.DeliveryFailed
	}

	record := historydomain.Record{
		ID:                d.genID.Generate(),
		ScheduledActionID: action.ID,
		OwnerID:           action.OwnerID,
		DebtID:            action.DebtID,
		CampaignID:        action.CampaignID,
		NodeID:            action.NodeID,
		Channel:           action.Channel,
		Destination:       action.Destination,
		Outcome:           out,
		DeliveryStatus:    delivery,
		FailureClass:      string(f.class),
		ExternalID:        externalID,
		Attempt:           action.Attempt,
		Details:           encodeDetails(details),
		GuardrailBlocked:  guardrailBlocked,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	retryReq := retry.Request{
		Predecessor:  action,
		Policy:       policy.RetryFor(action.Channel),
		FailureClass: f.class,
		Reason:       "send_failed",
	}
	var (
		next    *programaciondomain.Action
		stopped error
	)
	// The retry commits with the cancel, otherwise a failed insert would
	// strand the chain behind a finished action.
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := d.historyRepo.Insert(ctx, tx, &record); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		ok, err := d.repo.Finish(ctx, tx, action.ID, status, now)
		if err != nil {
			return fmt.Errorf("finish action: %w", err)
		}
		if !ok {
			return programaciondomain.ErrActionNotFound
		}
		if !f.retryable {
			return nil
		}
		next, err = d.retry.ScheduleTx(ctx, tx, retryReq)
		if retry.Stopped(err) {
			stopped = err
			return nil
		}
		if err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		return nil
	})
	if err != nil {
		if out == historydomain.OutcomeSent {
			// The provider already accepted the message; reverting would send it twice.
			log.Error("sent action could not be recorded", zap.Error(err))
			return outcomeErrored, err
		}
		return d.abort(ctx, log, action, err)
	}
	obsmetrics.Scheduler().IncActionTransition(string(programaciondomain.StatusRunning), string(status))
	d.obsMetrics.RecordActionDispatched(ctx, string(action.Channel), string(out))

	var errs []error
	if action.NodeID != nil {
		key := workflowstate.Key{OwnerID: action.OwnerID, CampaignID: action.CampaignID, DebtID: action.DebtID}
		if err := d.stateSvc.MarkNode(ctx, key, *action.NodeID, action.ID, nodeStatus); err != nil {
			errs = append(errs, fmt.Errorf("mark node %s: %w", nodeStatus, err))
		}
	}

	eventType := events.ActionDispatched
	if out != historydomain.OutcomeSent {
		eventType = events.ActionFailed
	}
	d.publish(ctx, eventType, action, out, f.class)

	if next != nil {
		d.retry.Announce(ctx, retryReq, next)
	}
	if stopped != nil {
		log.Info("retry chain stopped", zap.Error(stopped))
	}

	switch out {
	case historydomain.OutcomeSent:
		log.Info("action dispatched", zap.Stringp("external_id", externalID))
		return outcomeSent, errors.Join(errs...)
	case historydomain.OutcomeBlocked:
		return outcomeBlocked, errors.Join(errs...)
	default:
		return outcomeFailed, errors.Join(errs...)
	}
}

// abort handles infrastructure failures: the action returns to pending and
// an error row is written when storage allows it.
func (d *Dispatcher) abort(ctx context.Context, log *zap.Logger, action programaciondomain.Action, cause error) (outcome, error) {
	now := d.clock.Now().UTC()
	obsmetrics.Scheduler().IncStageError(obsmetrics.StageDispatch, cause)

	record := historydomain.Record{
		ID:                d.genID.Generate(),
		ScheduledActionID: action.ID,
		OwnerID:           action.OwnerID,
		DebtID:            action.DebtID,
		CampaignID:        action.CampaignID,
		NodeID:            action.NodeID,
		Channel:           action.Channel,
		Destination:       action.Destination,
		Outcome:           historydomain.OutcomeError,
		Attempt:           action.Attempt,
		Details:           encodeDetails(map[string]any{"error": cause.Error()}),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := d.historyRepo.Insert(ctx, d.db, &record); err != nil {
		log.Warn("error history not written", zap.Error(err))
	}

	if _, err := d.repo.RevertToPending(ctx, d.db, action.ID, now); err != nil {
		log.Error("revert action to pending", zap.Error(err))
		return outcomeErrored, errors.Join(cause, err)
	}
	obsmetrics.Scheduler().IncActionTransition(string(programaciondomain.StatusRunning), string(programaciondomain.StatusPending))
	log.Warn("dispatch aborted, action reverted to pending",
		zap.Error(cause),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(cause)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(cause)),
	)
	return outcomeErrored, cause
}

func (d *Dispatcher) publish(ctx context.Context, t events.Type, action programaciondomain.Action, out historydomain.Outcome, class channeldomain.FailureClass) {
	if d.publisher == nil {
		return
	}
	_ = d.publisher.Publish(ctx, events.ActionEvent{
		Type:         t,
		ActionID:     action.ID,
		OwnerID:      action.OwnerID,
		DebtID:       action.DebtID,
		CampaignID:   action.CampaignID,
		NodeID:       action.NodeID,
		Channel:      string(action.Channel),
		Attempt:      action.Attempt,
		RetryOf:      action.RetryOf,
		ScheduledAt:  action.ScheduledAt,
		Outcome:      string(out),
		FailureClass: string(class),
		OccurredAt:   d.clock.Now().UTC(),
	})
}

func isConfigError(err error) bool {
	return errors.Is(err, programaciondomain.ErrMissingTemplate) ||
		errors.Is(err, channeldomain.ErrTemplateRender) ||
		errors.Is(err, channeldomain.ErrMissingContent)
}

func encodeDetails(details map[string]any) datatypes.JSON {
	if len(details) == 0 {
		return nil
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	return datatypes.JSON(payload)
}
