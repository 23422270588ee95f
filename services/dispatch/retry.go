package dispatch

import (
	"context"
	"fmt"
	"time"

	"effect-dispatch/pkg/backoff"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 60 * time.Second

	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// RetryPolicy bounds how often a failing effect is attempted.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Backoff     string `json:"backoff,omitempty"`
	// BaseDelay is in seconds.
	BaseDelay int `json:"base_delay,omitempty"`
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("retry policy max_attempts must not be negative")
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("retry policy base_delay must not be negative")
	}
	switch p.Backoff {
	case "", BackoffExponential, BackoffFixed:
		return nil
	default:
		return fmt.Errorf("unknown retry backoff %q", p.Backoff)
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff == "" {
		p.Backoff = BackoffExponential
	}
	return p
}

// Delay is the wait before attempt number attempts+1, given a fallback base.
func (p RetryPolicy) Delay(attempts int, fallback time.Duration) time.Duration {
	base := time.Duration(p.BaseDelay) * time.Second
	if base <= 0 {
		base = fallback
	}
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if p.Backoff == BackoffFixed {
		return base
	}
	return backoff.Exponential(base, attempts-1)
}

// RetryDecision is the run state after a failed attempt.
type RetryDecision struct {
	Status      RunStatus
	Attempts    int
	Terminal    bool
	Delay       time.Duration
	NextRetryAt *time.Time
	CompletedAt *time.Time
}

// Decide computes the state after a failed attempt. attempts is the count
// before this failure.
func Decide(attempts int, policy RetryPolicy, handling FailureHandling, baseDelay time.Duration, now time.Time) RetryDecision {
	p := policy.withDefaults()
	newAttempts := attempts + 1

	if handling != FailureRetry || newAttempts >= p.MaxAttempts {
		return RetryDecision{
			Status:      RunFailed,
			Attempts:    newAttempts,
			Terminal:    true,
			CompletedAt: &now,
		}
	}

	delay := p.Delay(newAttempts, baseDelay)
	next := now.Add(delay)
	return RetryDecision{
		Status:      RunPending,
		Attempts:    newAttempts,
		Delay:       delay,
		NextRetryAt: &next,
	}
}

// RetryScheduler persists retry decisions for running effect runs.
type RetryScheduler struct {
	runs        RunStore
	deadLetters DeadLetterStore
	node        *snowflake.Node
	baseDelay   time.Duration
	logger      *zap.Logger
}

func NewRetryScheduler(runs RunStore, deadLetters DeadLetterStore, node *snowflake.Node, baseDelay time.Duration, logger *zap.Logger) *RetryScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryScheduler{
		runs:        runs,
		deadLetters: deadLetters,
		node:        node,
		baseDelay:   baseDelay,
		logger:      logger,
	}
}

// Apply records a failed attempt of run, which must be in running state.
// Terminal failures write the failed run first and then one dead letter.
// ErrRunConflict is returned when another worker changed or reclaimed the run
// meanwhile.
func (s *RetryScheduler) Apply(ctx context.Context, run *EffectRun, rule *EffectRule, cause error, now time.Time) (RetryDecision, error) {
	d := Decide(run.Attempts, rule.Policy(), rule.FailureHandling, s.baseDelay, now)

	next := *run
	next.Status = d.Status
	next.Attempts = d.Attempts
	next.NextRetryAt = d.NextRetryAt
	next.CompletedAt = d.CompletedAt
	next.ErrorMessage = cause.Error()
	next.Result = nil

	ok, err := s.runs.TransitionEffectRun(ctx, &next, RunRunning)
	if err != nil {
		return d, fmt.Errorf("persist retry decision: %w", err)
	}
	if !ok {
		return d, ErrRunConflict
	}
	*run = next

	if !d.Terminal {
		s.logger.Info("effect scheduled for retry",
			zap.String("effect_run_id", run.ID),
			zap.String("effect_type", run.EffectType),
			zap.Int("attempts", d.Attempts),
			zap.Duration("delay", d.Delay),
		)
		return d, nil
	}

	record := &EffectDeadLetter{
		ID:          s.node.Generate().String(),
		EffectRunID: run.ID,
		EventID:     run.EventID,
		EffectType:  run.EffectType,
		ErrorDetails: datatypes.NewJSONType(DeadLetterDetails{
			Message:  cause.Error(),
			Attempts: d.Attempts,
		}),
	}
	inserted, err := s.deadLetters.InsertDeadLetter(ctx, record)
	if err != nil {
		return d, fmt.Errorf("insert dead letter: %w", err)
	}
	if inserted {
		deadLetters.WithLabelValues(run.EffectType).Inc()
	}

	s.logger.Warn("effect dead lettered",
		zap.String("effect_run_id", run.ID),
		zap.String("effect_type", run.EffectType),
		zap.Int("attempts", d.Attempts),
		zap.Error(cause),
	)
	return d, nil
}
