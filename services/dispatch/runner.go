package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	sweepBatch   = "batch"
	sweepRetry   = "retry"
	sweepRecover = "recover"
)

// ItemResult is the outcome of one item of a sweep.
type ItemResult struct {
	EventID     string         `json:"eventId,omitempty"`
	EffectRunID string         `json:"effectRunId,omitempty"`
	EffectType  string         `json:"effectType,omitempty"`
	Success     bool           `json:"success"`
	Skipped     bool           `json:"skipped,omitempty"`
	Report      *EventReport   `json:"report,omitempty"`
	Outcome     *EffectOutcome `json:"outcome,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type BatchReport struct {
	Processed int          `json:"processed"`
	Released  int64        `json:"released,omitempty"`
	Results   []ItemResult `json:"results"`
}

type RunnerOptions struct {
	BatchSize   int
	RetryLimit  int
	Concurrency int
	StaleAfter  time.Duration
}

func (o RunnerOptions) withDefaults() RunnerOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.RetryLimit <= 0 {
		o.RetryLimit = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 15 * time.Minute
	}
	return o
}

// Runner drives the engine over bounded sets of outbox entries and runs.
type Runner struct {
	engine *Engine
	repo   Repository
	retry  *RetryScheduler
	opts   RunnerOptions
	logger *zap.Logger
	now    func() time.Time
}

type RunnerParams struct {
	fx.In

	Engine     *Engine
	Repository Repository
	Retry      *RetryScheduler
	Options    RunnerOptions
	Logger     *zap.Logger `optional:"true"`
}

func NewRunner(p RunnerParams) *Runner {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		engine: p.Engine,
		repo:   p.Repository,
		retry:  p.Retry,
		opts:   p.Options.withDefaults(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ProcessBatch dispatches up to limit pending outbox entries, oldest first.
func (r *Runner) ProcessBatch(ctx context.Context, limit int) (*BatchReport, error) {
	if limit <= 0 {
		limit = r.opts.BatchSize
	}

	entries, err := r.repo.ListOutboxPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending outbox: %w", err)
	}

	results := r.forEach(ctx, sweepBatch, len(entries), func(ctx context.Context, i int) ItemResult {
		return r.processEntry(ctx, entries[i])
	})
	return &BatchReport{Processed: len(results), Results: results}, nil
}

func (r *Runner) processEntry(ctx context.Context, entry OutboxEntry) ItemResult {
	res := ItemResult{EventID: entry.EventID}

	won, err := r.repo.ClaimOutbox(ctx, entry.EventID, r.now())
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if !won {
		res.Success, res.Skipped = true, true
		return res
	}

	report, err := r.engine.ProcessEvent(ctx, entry.EventID)
	res.Report = report
	if err == nil {
		res.Success = true
		return res
	}

	res.Error = err.Error()
	next := OutboxPending
	if errors.Is(err, ErrEventNotFound) {
		next = OutboxCompleted
	}
	if uerr := r.repo.UpdateOutboxStatus(ctx, entry.EventID, next); uerr != nil {
		r.logger.Error("failed to settle outbox entry",
			zap.String("event_id", entry.EventID),
			zap.String("status", string(next)),
			zap.Error(uerr),
		)
	}
	return res
}

// RetryFailedEffects re-runs up to limit pending runs whose retry time has
// passed.
func (r *Runner) RetryFailedEffects(ctx context.Context, limit int) (*BatchReport, error) {
	if limit <= 0 {
		limit = r.opts.RetryLimit
	}

	runs, err := r.repo.ListPendingRunsForRetry(ctx, r.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs due for retry: %w", err)
	}

	results := r.forEach(ctx, sweepRetry, len(runs), func(ctx context.Context, i int) ItemResult {
		return r.retryRun(ctx, &runs[i])
	})
	return &BatchReport{Processed: len(results), Results: results}, nil
}

func (r *Runner) retryRun(ctx context.Context, run *EffectRun) ItemResult {
	res := ItemResult{EventID: run.EventID, EffectRunID: run.ID, EffectType: run.EffectType}

	event, rule, err := r.origin(ctx, run)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) || errors.Is(err, ErrRuleNotFound) {
			r.abandon(ctx, run, RunPending, err.Error())
		}
		res.Error = err.Error()
		return res
	}

	outcome := r.engine.ProcessRule(ctx, event, rule)
	res.Outcome = &outcome
	res.Success = outcome.Status != OutcomeError
	if !res.Success {
		res.Error = outcome.Error
	}

	// These skips happen before the run is claimed and would leave it due
	// on every sweep.
	if outcome.Status == OutcomeSkipped && settlesRetry(outcome.Reason) {
		r.abandon(ctx, run, RunPending, outcome.Reason)
	}
	return res
}

func settlesRetry(reason string) bool {
	switch reason {
	case ReasonConditionsNotMet, ReasonDisabled, ReasonInvalidRule:
		return true
	}
	return false
}

// RecoverStale fails runs stuck in running past the staleness threshold and
// returns stuck outbox entries to pending.
func (r *Runner) RecoverStale(ctx context.Context, limit int) (*BatchReport, error) {
	if limit <= 0 {
		limit = r.opts.RetryLimit
	}

	cutoff := r.now().Add(-r.opts.StaleAfter)
	runs, err := r.repo.ListStaleRunning(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}

	results := r.forEach(ctx, sweepRecover, len(runs), func(ctx context.Context, i int) ItemResult {
		return r.recoverRun(ctx, &runs[i])
	})

	released, err := r.repo.ReleaseStaleOutbox(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("release stale outbox: %w", err)
	}

	return &BatchReport{Processed: len(results), Released: released, Results: results}, nil
}

func (r *Runner) recoverRun(ctx context.Context, run *EffectRun) ItemResult {
	res := ItemResult{EventID: run.EventID, EffectRunID: run.ID, EffectType: run.EffectType}

	_, rule, err := r.origin(ctx, run)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) || errors.Is(err, ErrRuleNotFound) {
			r.abandon(ctx, run, RunRunning, err.Error())
		}
		res.Error = err.Error()
		return res
	}

	started := ""
	if run.StartedAt != nil {
		started = run.StartedAt.Format(time.RFC3339)
	}
	cause := fmt.Errorf("%w: running since %s", ErrStaleRun, started)
	d, err := r.retry.Apply(ctx, run, rule, cause, r.now())
	if errors.Is(err, ErrRunConflict) {
		res.Success, res.Skipped = true, true
		return res
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}

	outcome := EffectOutcome{
		EffectType:  run.EffectType,
		RuleID:      rule.ID,
		Status:      OutcomeRetrying,
		Attempts:    d.Attempts,
		NextRetryAt: d.NextRetryAt,
		Error:       cause.Error(),
	}
	if d.Terminal {
		outcome.Status = OutcomeFailed
	}
	res.Outcome, res.Success = &outcome, true
	return res
}

func (r *Runner) origin(ctx context.Context, run *EffectRun) (*SystemEvent, *EffectRule, error) {
	event, err := r.repo.GetEvent(ctx, run.EventID)
	if err != nil {
		return nil, nil, err
	}
	rule, err := r.repo.GetActiveRule(ctx, event.EventName, run.EffectType)
	if err != nil {
		return nil, nil, err
	}
	return event, rule, nil
}

// abandon marks a run that can no longer be retried as skipped so no sweep
// picks it up again. The write is fenced on the snapshot in run.
func (r *Runner) abandon(ctx context.Context, run *EffectRun, from RunStatus, reason string) {
	now := r.now()
	skipped := *run
	skipped.Status = RunSkipped
	skipped.NextRetryAt = nil
	skipped.CompletedAt = &now
	skipped.ErrorMessage = reason
	ok, err := r.repo.TransitionEffectRun(ctx, &skipped, from)
	if err != nil {
		r.logger.Error("failed to skip effect run",
			zap.String("effect_run_id", run.ID),
			zap.Error(err),
		)
		return
	}
	if ok {
		r.logger.Info("effect run skipped",
			zap.String("effect_run_id", run.ID),
			zap.String("effect_type", run.EffectType),
			zap.String("reason", reason),
		)
	}
}

// forEach runs fn for n items with bounded concurrency. Scheduling stops when
// ctx is cancelled; items already started finish on a detached context. A
// panic is contained to its item.
func (r *Runner) forEach(ctx context.Context, sweep string, n int, fn func(ctx context.Context, i int) ItemResult) []ItemResult {
	slots := make([]*ItemResult, n)
	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			r.logger.Warn("sweep cancelled", zap.String("sweep", sweep), zap.Int("scheduled", i), zap.Int("total", n))
			break
		}
		g.Go(func() error {
			res := r.safely(detached, sweep, i, fn)
			slots[i] = &res
			sweepItems.WithLabelValues(sweep, strconv.FormatBool(res.Success)).Inc()
			return nil
		})
	}
	_ = g.Wait()

	results := make([]ItemResult, 0, n)
	for _, s := range slots {
		if s != nil {
			results = append(results, *s)
		}
	}
	return results
}

func (r *Runner) safely(ctx context.Context, sweep string, i int, fn func(ctx context.Context, i int) ItemResult) (res ItemResult) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("sweep item panicked",
				zap.String("sweep", sweep),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			res = ItemResult{Success: false, Error: fmt.Sprintf("panic: %v", p)}
		}
	}()
	return fn(ctx, i)
}
