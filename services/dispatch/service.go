package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"effect-dispatch/pkg/db/pagination"
	"effect-dispatch/pkg/errutil"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ActionProcessSingle = "process_single"
	ActionProcessBatch  = "process_batch"
	ActionRetryFailed   = "retry_failed"
	ActionRecoverStale  = "recover_stale"
)

// Command is the request of the dispatch command surface.
type Command struct {
	Action    string `json:"action"`
	EventID   string `json:"event_id,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

// Response carries only the counters that belong to the command's action.
type Response struct {
	Success          bool   `json:"success"`
	EventID          string `json:"eventId,omitempty"`
	EffectsProcessed *int   `json:"effectsProcessed,omitempty"`
	Processed        *int   `json:"processed,omitempty"`
	Retried          *int   `json:"retried,omitempty"`
	Recovered        *int   `json:"recovered,omitempty"`
	Released         *int64 `json:"released,omitempty"`
	Results          any    `json:"results"`
}

type Service struct {
	engine *Engine
	runner *Runner
	repo   Repository
	logger *zap.Logger
}

type ServiceParams struct {
	fx.In

	Engine     *Engine
	Runner     *Runner
	Repository Repository
	Logger     *zap.Logger `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		engine: p.Engine,
		runner: p.Runner,
		repo:   p.Repository,
		logger: logger,
	}
}

// Handle executes cmd. Failures are returned as errutil errors so every
// transport maps them the same way.
func (s *Service) Handle(ctx context.Context, cmd Command) (*Response, error) {
	switch cmd.Action {
	case ActionProcessSingle:
		return s.processSingle(ctx, cmd.EventID)
	case ActionProcessBatch:
		return s.processBatch(ctx, cmd.BatchSize)
	case ActionRetryFailed:
		return s.retryFailed(ctx, cmd.BatchSize)
	case ActionRecoverStale:
		return s.recoverStale(ctx, cmd.BatchSize)
	default:
		return nil, errutil.BadRequest(fmt.Sprintf("unknown action %q", cmd.Action), ErrUnknownAction)
	}
}

func (s *Service) processSingle(ctx context.Context, eventID string) (*Response, error) {
	if eventID == "" {
		return nil, errutil.ValidationFailed("event_id is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "event_id", Message: "required"}))
	}

	report, err := s.engine.ProcessEvent(ctx, eventID)
	if err != nil {
		return nil, mapError(err)
	}

	n := len(report.Results)
	return &Response{
		Success:          true,
		EventID:          report.EventID,
		EffectsProcessed: &n,
		Results:          report.Results,
	}, nil
}

func (s *Service) processBatch(ctx context.Context, limit int) (*Response, error) {
	report, err := s.runner.ProcessBatch(ctx, limit)
	if err != nil {
		return nil, mapError(err)
	}
	return &Response{Success: true, Processed: &report.Processed, Results: report.Results}, nil
}

func (s *Service) retryFailed(ctx context.Context, limit int) (*Response, error) {
	report, err := s.runner.RetryFailedEffects(ctx, limit)
	if err != nil {
		return nil, mapError(err)
	}
	return &Response{Success: true, Retried: &report.Processed, Results: report.Results}, nil
}

func (s *Service) recoverStale(ctx context.Context, limit int) (*Response, error) {
	report, err := s.runner.RecoverStale(ctx, limit)
	if err != nil {
		return nil, mapError(err)
	}
	return &Response{
		Success:   true,
		Recovered: &report.Processed,
		Released:  &report.Released,
		Results:   report.Results,
	}, nil
}

// DeadLetterPage is one page of dead letters, newest first.
type DeadLetterPage struct {
	DeadLetters []EffectDeadLetter   `json:"dead_letters"`
	PageInfo    *pagination.PageInfo `json:"page_info"`
}

func (s *Service) ListDeadLetters(ctx context.Context, eventID string, page pagination.Pagination) (*DeadLetterPage, error) {
	limit := page.Size()

	q := DeadLetterQuery{EventID: eventID, Limit: limit + 1}
	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, errutil.BadRequest("invalid cursor", err)
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, errutil.BadRequest("invalid cursor", err)
		}
		q.BeforeCreatedAt, q.BeforeID = &createdAt, cursor.ID
	}

	records, err := s.repo.ListDeadLetters(ctx, q)
	if err != nil {
		return nil, errutil.Internal("failed to list dead letters", err)
	}

	records, info := pagination.Page(records, limit, func(d EffectDeadLetter) string {
		c, err := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: d.CreatedAt.UTC().Format(time.RFC3339Nano),
			ID:        d.ID,
		})
		if err != nil {
			s.logger.Warn("failed to encode dead letter cursor", zap.Error(err))
		}
		return c
	})

	return &DeadLetterPage{DeadLetters: records, PageInfo: info}, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrEventNotFound):
		return errutil.NotFound("event not found", err)
	case errors.Is(err, ErrRuleNotFound):
		return errutil.NotFound("rule not found", err)
	case errors.Is(err, ErrUnknownAction):
		return errutil.BadRequest("unknown action", err)
	default:
		return errutil.Internal("dispatch failed", err)
	}
}
