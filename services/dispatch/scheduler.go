package dispatch

import (
	"context"
	"time"

	"effect-dispatch/pkg/config"
	"effect-dispatch/pkg/task"
	"effect-dispatch/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// sweepTasks run on every scheduler tick.
var sweepTasks = []string{
	taskname.DispatchProcessBatch,
	taskname.DispatchRetryFailed,
	taskname.DispatchRecoverStale,
}

// Scheduler periodically enqueues the sweep tasks. Each sweep holds a unique
// lock for one interval so replicas of the dispatcher never queue the same
// sweep twice in a round.
type Scheduler struct {
	enqueuer  task.Enqueuer
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

func NewScheduler(enqueuer task.Enqueuer, cfg *config.Config, logger *zap.Logger) *Scheduler {
	interval := cfg.Dispatch.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		enqueuer:  enqueuer,
		interval:  interval,
		batchSize: cfg.Dispatch.BatchSize,
		logger:    logger,
	}
}

// StartScheduler is invoked by fx on start.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	s.logger.Info("[Scheduler] started dispatch sweeps", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			s.logger.Warn("[Scheduler] stopped")
			return
		}
	}
}

// Tick enqueues one round of sweeps. A sweep still locked from the previous
// round is left alone. The lock expires after one interval, or earlier once
// the sweep succeeds.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, taskType := range sweepTasks {
		t, err := task.NewJSONTask(taskType, Command{BatchSize: s.batchSize})
		if err != nil {
			s.logger.Error("[Scheduler] failed to build sweep", zap.String("task_type", taskType), zap.Error(err))
			continue
		}

		_, err = s.enqueuer.Enqueue(ctx, t,
			asynq.Queue(taskname.QueueLow),
			asynq.Unique(s.interval),
			asynq.MaxRetry(0),
			asynq.Timeout(s.interval),
		)
		switch {
		case err == nil:
			s.logger.Debug("[Scheduler] sweep enqueued", zap.String("task_type", taskType))
		case task.IsDuplicate(err):
			s.logger.Debug("[Scheduler] sweep already queued", zap.String("task_type", taskType))
		default:
			s.logger.Error("[Scheduler] failed to enqueue sweep", zap.String("task_type", taskType), zap.Error(err))
		}
	}
}
