package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeSkipped   OutcomeStatus = "skipped"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeRetrying  OutcomeStatus = "retrying"
	OutcomeQueued    OutcomeStatus = "queued"
	// OutcomeError means the effect could not be processed because of an
	// infrastructure fault; nothing was decided about the run.
	OutcomeError OutcomeStatus = "error"
)

const (
	ReasonAlreadyProcessed = "already processed"
	ReasonAlreadyFailed    = "already failed"
	ReasonConditionsNotMet = "conditions not met"
	ReasonDisabled         = "disabled by settings"
	ReasonNoHandler        = "no handler"
	ReasonInProgress       = "in progress"
	ReasonRetryScheduled   = "retry scheduled"
	ReasonInvalidRule      = "invalid rule"
)

// EffectOutcome reports what happened to one rule of one event.
type EffectOutcome struct {
	EffectType  string         `json:"effectType"`
	RuleID      string         `json:"ruleId"`
	Status      OutcomeStatus  `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	Targets     []string       `json:"targets,omitempty"`
	Attempts    int            `json:"attempts,omitempty"`
	NextRetryAt *time.Time     `json:"nextRetryAt,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// EventReport aggregates the outcomes of one event.
type EventReport struct {
	EventID   string          `json:"eventId"`
	Completed int             `json:"completed"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	Retrying  int             `json:"retrying"`
	Queued    int             `json:"queued"`
	Errored   int             `json:"errored"`
	Results   []EffectOutcome `json:"results"`
}

func (r *EventReport) tally(o EffectOutcome) {
	switch o.Status {
	case OutcomeCompleted:
		r.Completed++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	case OutcomeRetrying:
		r.Retrying++
	case OutcomeQueued:
		r.Queued++
	case OutcomeError:
		r.Errored++
	}
}

// AsyncDispatcher hands async-mode effects to a worker.
type AsyncDispatcher interface {
	EnqueueEffect(ctx context.Context, eventID, ruleID string) error
}

type Options struct {
	Concurrency    int
	HandlerTimeout time.Duration
	StaleAfter     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 15 * time.Minute
	}
	return o
}

type Engine struct {
	repo       Repository
	guard      *Guard
	conditions *ConditionEvaluator
	targets    *TargetResolver
	settings   SettingsProvider
	registry   *Registry
	retry      *RetryScheduler
	async      AsyncDispatcher
	node       *snowflake.Node
	opts       Options
	tracer     trace.Tracer
	logger     *zap.Logger
	now        func() time.Time
}

type EngineParams struct {
	fx.In

	Repository Repository
	Registry   *Registry
	Conditions *ConditionEvaluator
	Targets    *TargetResolver
	Settings   SettingsProvider
	Retry      *RetryScheduler
	Node       *snowflake.Node
	Options    Options
	Async      AsyncDispatcher `optional:"true"`
	Logger     *zap.Logger     `optional:"true"`
}

func NewEngine(p EngineParams) *Engine {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		repo:       p.Repository,
		guard:      NewGuard(p.Repository),
		conditions: p.Conditions,
		targets:    p.Targets,
		settings:   p.Settings,
		registry:   p.Registry,
		retry:      p.Retry,
		async:      p.Async,
		node:       p.Node,
		opts:       p.Options.withDefaults(),
		tracer:     otel.Tracer("effect-dispatch/dispatch"),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ProcessEvent runs every active rule of the event and settles its outbox
// entry. Effects are independent: a failing effect never blocks the others.
func (e *Engine) ProcessEvent(ctx context.Context, eventID string) (*EventReport, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.ProcessEvent", trace.WithAttributes(
		attribute.String("event.id", eventID),
	))
	defer span.End()

	event, err := e.repo.GetEvent(ctx, eventID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("event.name", event.EventName))

	rules, err := e.repo.ListActiveRulesForEvent(ctx, event.EventName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list rules for %s: %w", event.EventName, err)
	}

	report := &EventReport{EventID: event.ID, Results: make([]EffectOutcome, len(rules))}

	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i := range rules {
		rule := &rules[i]
		g.Go(func() error {
			report.Results[i] = e.dispatchRule(ctx, event, rule)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range report.Results {
		report.tally(o)
	}

	// Effects that hit infrastructure faults are redelivered with the event;
	// completed ones are skipped on the next pass.
	status := OutboxCompleted
	if report.Errored > 0 {
		status = OutboxPending
	}
	if err := e.repo.UpdateOutboxStatus(ctx, event.ID, status); err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("update outbox %s: %w", event.ID, err)
	}

	e.logger.Info("event dispatched",
		zap.String("event_id", event.ID),
		zap.String("event_name", event.EventName),
		zap.Int("completed", report.Completed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("retrying", report.Retrying),
		zap.Int("queued", report.Queued),
		zap.Int("errored", report.Errored),
	)
	return report, nil
}

func (e *Engine) dispatchRule(ctx context.Context, event *SystemEvent, rule *EffectRule) EffectOutcome {
	if err := rule.Validate(); err != nil {
		return e.invalidRule(rule, err)
	}

	if rule.ExecutionMode == ExecutionAsync && e.async != nil {
		return e.enqueue(ctx, event, rule)
	}
	return e.ProcessEffect(ctx, event, rule)
}

// ProcessRule validates rule and runs it inline regardless of its execution
// mode. Retry sweeps and the async worker enter here.
func (e *Engine) ProcessRule(ctx context.Context, event *SystemEvent, rule *EffectRule) EffectOutcome {
	if err := rule.Validate(); err != nil {
		return e.invalidRule(rule, err)
	}
	return e.ProcessEffect(ctx, event, rule)
}

func (e *Engine) invalidRule(rule *EffectRule, err error) EffectOutcome {
	e.logger.Error("skipping invalid effect rule",
		zap.String("rule_id", rule.ID),
		zap.String("effect_type", rule.EffectType),
		zap.Error(err),
	)
	return e.record(EffectOutcome{
		EffectType: rule.EffectType,
		RuleID:     rule.ID,
		Status:     OutcomeSkipped,
		Reason:     ReasonInvalidRule,
		Error:      err.Error(),
	})
}

func (e *Engine) enqueue(ctx context.Context, event *SystemEvent, rule *EffectRule) EffectOutcome {
	out := EffectOutcome{EffectType: rule.EffectType, RuleID: rule.ID}

	done, err := e.guard.Completed(ctx, IdempotencyKey(event.ID, rule.EffectType))
	if err != nil {
		out.Status, out.Error = OutcomeError, err.Error()
		return e.record(out)
	}
	if done {
		out.Status, out.Reason = OutcomeSkipped, ReasonAlreadyProcessed
		return e.record(out)
	}

	if err := e.async.EnqueueEffect(ctx, event.ID, rule.ID); err != nil {
		e.logger.Error("failed to enqueue async effect",
			zap.String("event_id", event.ID),
			zap.String("rule_id", rule.ID),
			zap.Error(err),
		)
		out.Status, out.Error = OutcomeError, err.Error()
		return e.record(out)
	}
	out.Status = OutcomeQueued
	return e.record(out)
}

// ProcessEffect runs one rule against one event. The handler runs at most
// once successfully per (event, effect type).
func (e *Engine) ProcessEffect(ctx context.Context, event *SystemEvent, rule *EffectRule) (out EffectOutcome) {
	ctx, span := e.tracer.Start(ctx, "dispatch.ProcessEffect", trace.WithAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("effect.type", rule.EffectType),
		attribute.String("rule.id", rule.ID),
	))
	defer span.End()

	out = EffectOutcome{EffectType: rule.EffectType, RuleID: rule.ID}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("effect processing panicked",
				zap.String("event_id", event.ID),
				zap.String("effect_type", rule.EffectType),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			out.Status, out.Reason, out.Error = OutcomeError, "", fmt.Sprintf("panic: %v", r)
		}
		if out.Status == OutcomeError {
			span.SetStatus(codes.Error, out.Error)
		}
		span.SetAttributes(attribute.String("effect.outcome", string(out.Status)))
		e.record(out)
	}()

	fail := func(err error) EffectOutcome {
		span.RecordError(err)
		e.logger.Error("effect processing failed",
			zap.String("event_id", event.ID),
			zap.String("effect_type", rule.EffectType),
			zap.Error(err),
		)
		out.Status, out.Error = OutcomeError, err.Error()
		return out
	}

	key := IdempotencyKey(event.ID, rule.EffectType)
	existing, err := e.guard.Lookup(ctx, key)
	if err != nil {
		return fail(err)
	}
	if existing != nil && existing.Status == RunCompleted {
		out.Status, out.Reason, out.Attempts = OutcomeSkipped, ReasonAlreadyProcessed, existing.Attempts
		return out
	}

	if !e.conditions.Matches(event, rule.Conditions) {
		out.Status, out.Reason = OutcomeSkipped, ReasonConditionsNotMet
		return out
	}

	settings, err := e.settings.Settings(ctx, event.TenantID, rule.EffectType)
	if err != nil {
		return fail(fmt.Errorf("load settings: %w", err))
	}
	if !settings.Enabled {
		out.Status, out.Reason = OutcomeSkipped, ReasonDisabled
		return out
	}

	target := rule.Target()
	targets, err := e.targets.Resolve(ctx, event, target)
	if err != nil {
		return fail(err)
	}
	out.Targets = targets

	// started_at fences every later write of this claim; stores keep at
	// least millisecond precision.
	now := e.now().Truncate(time.Millisecond)
	run, won, err := e.guard.Claim(ctx, &EffectRun{
		ID:                   e.node.Generate().String(),
		EventID:              event.ID,
		EffectType:           rule.EffectType,
		EffectConfigSnapshot: rule.Config,
		TargetType:           string(target.Type),
		Status:               RunRunning,
		ExecutionMode:        rule.ExecutionMode,
		IdempotencyKey:       key,
		StartedAt:            &now,
	}, now, now.Add(-e.opts.StaleAfter))
	if err != nil {
		return fail(fmt.Errorf("claim effect run: %w", err))
	}
	if !won {
		out.Status, out.Attempts = OutcomeSkipped, run.Attempts
		switch {
		case run.Status == RunCompleted:
			out.Reason = ReasonAlreadyProcessed
		case run.Status == RunFailed:
			out.Reason = ReasonAlreadyFailed
		case run.Status == RunPending && run.NextRetryAt != nil && run.NextRetryAt.After(now):
			out.Reason, out.NextRetryAt = ReasonRetryScheduled, run.NextRetryAt
		default:
			out.Reason = ReasonInProgress
		}
		return out
	}
	out.Attempts = run.Attempts

	handler, ok := e.registry.Lookup(rule.EffectType)
	if !ok {
		e.logger.Warn("no handler registered for effect type",
			zap.String("effect_type", rule.EffectType),
			zap.String("event_id", event.ID),
		)
		skipped := *run
		skipped.Status = RunSkipped
		skipped.CompletedAt = &now
		skipped.NextRetryAt = nil
		skipped.ErrorMessage = ReasonNoHandler
		if _, err := e.repo.TransitionEffectRun(ctx, &skipped, RunRunning); err != nil {
			return fail(fmt.Errorf("mark run skipped: %w", err))
		}
		out.Status, out.Reason = OutcomeSkipped, ReasonNoHandler
		return out
	}

	result, herr := e.invoke(ctx, handler, Request{
		Event:          event,
		Rule:           rule,
		Targets:        targets,
		Settings:       settings,
		IdempotencyKey: key,
	})
	if herr == nil && !result.Success {
		herr = fmt.Errorf("%w: %s", ErrHandlerFailed, result.Error)
	}

	if herr == nil {
		finished := e.now()
		completed := *run
		completed.Status = RunCompleted
		completed.CompletedAt = &finished
		completed.NextRetryAt = nil
		completed.ErrorMessage = ""
		completed.Result = result.Data
		ok, err := e.repo.TransitionEffectRun(ctx, &completed, RunRunning)
		if err != nil {
			return fail(fmt.Errorf("mark run completed: %w", err))
		}
		if !ok {
			e.logger.Warn("effect run changed while handler was running",
				zap.String("effect_run_id", run.ID),
				zap.String("effect_type", rule.EffectType),
			)
			out.Status, out.Reason = OutcomeSkipped, ReasonInProgress
			return out
		}
		out.Status, out.Data = OutcomeCompleted, result.Data
		return out
	}

	if errors.Is(herr, context.Canceled) && ctx.Err() != nil {
		// An interrupted handler hands the claim back without spending an
		// attempt.
		due := e.now()
		released := *run
		released.Status = RunPending
		released.NextRetryAt = &due
		released.ErrorMessage = herr.Error()
		if _, err := e.repo.TransitionEffectRun(context.WithoutCancel(ctx), &released, RunRunning); err != nil {
			e.logger.Error("failed to release interrupted effect run",
				zap.String("effect_run_id", run.ID),
				zap.Error(err),
			)
		}
		return fail(herr)
	}

	span.RecordError(herr)
	decision, err := e.retry.Apply(ctx, run, rule, herr, e.now())
	if err != nil {
		if errors.Is(err, ErrRunConflict) {
			out.Status, out.Reason, out.Error = OutcomeSkipped, ReasonInProgress, herr.Error()
			return out
		}
		return fail(err)
	}

	out.Error, out.Attempts = herr.Error(), decision.Attempts
	if decision.Terminal {
		out.Status = OutcomeFailed
	} else {
		out.Status, out.NextRetryAt = OutcomeRetrying, decision.NextRetryAt
	}
	return out
}

type invocation struct {
	result Result
	err    error
}

// invoke runs handler bounded by the handler timeout. Panics become
// ErrHandlerPanic and an expired deadline ErrHandlerTimeout. Cancellation of
// the caller's context is returned as is.
func (e *Engine) invoke(ctx context.Context, handler Handler, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.HandlerTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		handlerDuration.WithLabelValues(req.Rule.EffectType).Observe(time.Since(start).Seconds())
	}()

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("effect handler panicked",
					zap.String("effect_type", req.Rule.EffectType),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				done <- invocation{err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
			}
		}()
		res, err := handler.Execute(ctx, req)
		done <- invocation{result: res, err: err}
	}()

	select {
	case inv := <-done:
		return inv.result, inv.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return Result{}, fmt.Errorf("effect handler interrupted: %w", ctx.Err())
		}
		return Result{}, fmt.Errorf("%w after %s", ErrHandlerTimeout, e.opts.HandlerTimeout)
	}
}

func (e *Engine) record(o EffectOutcome) EffectOutcome {
	effectOutcomes.WithLabelValues(o.EffectType, string(o.Status)).Inc()
	return o
}
