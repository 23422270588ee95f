package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"effect-dispatch/pkg/task"
	"effect-dispatch/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// EffectTaskPayload identifies one async-mode effect.
type EffectTaskPayload struct {
	EventID string `json:"event_id"`
	RuleID  string `json:"rule_id"`
}

// commandTasks maps worker task types to the command they run.
var commandTasks = map[string]string{
	taskname.DispatchProcessSingle: ActionProcessSingle,
	taskname.DispatchProcessBatch:  ActionProcessBatch,
	taskname.DispatchRetryFailed:   ActionRetryFailed,
	taskname.DispatchRecoverStale:  ActionRecoverStale,
}

// effectUniqueTTL bounds how long an unfinished effect task blocks a new one
// for the same event and rule.
const effectUniqueTTL = time.Hour

type taskDispatcher struct {
	enqueuer task.Enqueuer
}

// NewTaskDispatcher enqueues async-mode effects as effect:process tasks.
func NewTaskDispatcher(enqueuer task.Enqueuer) AsyncDispatcher {
	return &taskDispatcher{enqueuer: enqueuer}
}

func (d *taskDispatcher) EnqueueEffect(ctx context.Context, eventID, ruleID string) error {
	t, err := task.NewJSONTask(taskname.EffectProcess, EffectTaskPayload{EventID: eventID, RuleID: ruleID})
	if err != nil {
		return err
	}

	// asynq keys the unique lock on type and payload. It is released when
	// the task succeeds and otherwise expires after effectUniqueTTL, so an
	// archived task blocks redelivery for a bounded time only.
	_, err = d.enqueuer.Enqueue(ctx, t,
		asynq.Queue(taskname.QueueDefault),
		asynq.Unique(effectUniqueTTL),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

type TaskHandlers struct {
	svc    *Service
	engine *Engine
	repo   Repository
	logger *zap.Logger
}

func NewTaskHandlers(svc *Service, engine *Engine, repo Repository, logger *zap.Logger) *TaskHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandlers{svc: svc, engine: engine, repo: repo, logger: logger}
}

// Register binds every dispatch task type on mux.
func (h *TaskHandlers) Register(mux *asynq.ServeMux) {
	for taskType := range commandTasks {
		mux.HandleFunc(taskType, h.HandleCommand)
	}
	mux.HandleFunc(taskname.EffectProcess, h.HandleEffect)
}

// HandleCommand runs the command named by the task type. The payload is an
// optional Command carrying event_id or batch_size.
func (h *TaskHandlers) HandleCommand(ctx context.Context, t *asynq.Task) error {
	action, ok := commandTasks[t.Type()]
	if !ok {
		return fmt.Errorf("%w: %s", asynq.SkipRetry, t.Type())
	}

	var cmd Command
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &cmd); err != nil {
			h.logger.Error("invalid dispatch task payload", zap.String("task_type", t.Type()), zap.Error(err))
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
	}
	cmd.Action = action

	resp, err := h.svc.Handle(ctx, cmd)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) || errors.Is(err, ErrUnknownAction) {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return err
	}

	h.logger.Info("dispatch task finished",
		zap.String("task_type", t.Type()),
		zap.Any("processed", firstCount(resp)),
	)
	return nil
}

// HandleEffect runs one async-mode effect through the same path as inline
// effects. Infrastructure faults are returned so asynq redelivers the task.
func (h *TaskHandlers) HandleEffect(ctx context.Context, t *asynq.Task) error {
	var p EffectTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.logger.Error("invalid effect task payload", zap.Error(err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	event, err := h.repo.GetEvent(ctx, p.EventID)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return err
	}
	rule, err := h.repo.GetRule(ctx, p.RuleID)
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return err
	}

	outcome := h.engine.ProcessRule(ctx, event, rule)
	h.logger.Info("async effect processed",
		zap.String("event_id", event.ID),
		zap.String("effect_type", rule.EffectType),
		zap.String("status", string(outcome.Status)),
		zap.String("reason", outcome.Reason),
	)
	if outcome.Status == OutcomeError {
		return errors.New(outcome.Error)
	}
	return nil
}

func firstCount(resp *Response) int {
	for _, n := range []*int{resp.EffectsProcessed, resp.Processed, resp.Retried, resp.Recovered} {
		if n != nil {
			return *n
		}
	}
	return 0
}
