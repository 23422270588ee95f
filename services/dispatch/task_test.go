package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"effect-dispatch/pkg/config"
	"effect-dispatch/pkg/taskname"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, t)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{Type: t.Type()}, nil
}

// option returns the value of the option of type typ, or nil.
func option(opts []asynq.Option, typ asynq.OptionType) any {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value()
		}
	}
	return nil
}

func TestTaskDispatcher_EnqueueEffect(t *testing.T) {
	enq := &fakeEnqueuer{}
	d := NewTaskDispatcher(enq)

	require.NoError(t, d.EnqueueEffect(context.Background(), "evt-1", "rule-1"))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, taskname.EffectProcess, enq.tasks[0].Type())

	var p EffectTaskPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &p))
	require.Equal(t, EffectTaskPayload{EventID: "evt-1", RuleID: "rule-1"}, p)
	require.Equal(t, effectUniqueTTL, option(enq.opts[0], asynq.UniqueOpt))
	require.Nil(t, option(enq.opts[0], asynq.TaskIDOpt))

	// A task of the same effect still holds the unique lock.
	enq.err = asynq.ErrDuplicateTask
	require.NoError(t, d.EnqueueEffect(context.Background(), "evt-1", "rule-1"))

	// Task ids are never reused, so a conflict is not taken for queued.
	enq.err = asynq.ErrTaskIDConflict
	require.Error(t, d.EnqueueEffect(context.Background(), "evt-1", "rule-1"))

	enq.err = errors.New("redis down")
	require.Error(t, d.EnqueueEffect(context.Background(), "evt-1", "rule-1"))
}

func TestTaskHandlers_HandleEffect(t *testing.T) {
	env := newTestEnv(t)
	h := succeeding()
	env.register(t, "integration.archive", h)
	event := absenceApproved(t, env)
	env.seedRule(t, EffectRule{
		ID:            "rule-1",
		EventName:     "absence.approved",
		EffectType:    "integration.archive",
		ExecutionMode: ExecutionAsync,
	})

	handlers := NewTaskHandlers(env.service, env.engine, env.repo, zap.NewNop())
	ctx := context.Background()

	payload, err := json.Marshal(EffectTaskPayload{EventID: event.ID, RuleID: "rule-1"})
	require.NoError(t, err)
	require.NoError(t, handlers.HandleEffect(ctx, asynq.NewTask(taskname.EffectProcess, payload)))
	require.Equal(t, 1, h.Calls())

	// Redelivery is absorbed by the idempotency guard.
	require.NoError(t, handlers.HandleEffect(ctx, asynq.NewTask(taskname.EffectProcess, payload)))
	require.Equal(t, 1, h.Calls())

	missing, err := json.Marshal(EffectTaskPayload{EventID: event.ID, RuleID: "rule-404"})
	require.NoError(t, err)
	err = handlers.HandleEffect(ctx, asynq.NewTask(taskname.EffectProcess, missing))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = handlers.HandleEffect(ctx, asynq.NewTask(taskname.EffectProcess, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestTaskHandlers_HandleCommand(t *testing.T) {
	env := newTestEnv(t)
	handlers := NewTaskHandlers(env.service, env.engine, env.repo, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, handlers.HandleCommand(ctx, asynq.NewTask(taskname.DispatchProcessBatch, nil)))
	require.NoError(t, handlers.HandleCommand(ctx, asynq.NewTask(taskname.DispatchRecoverStale, []byte(`{"batch_size":5}`))))

	err := handlers.HandleCommand(ctx, asynq.NewTask(taskname.DispatchProcessSingle, []byte(`{"event_id":"nope"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestScheduler_Tick(t *testing.T) {
	enq := &fakeEnqueuer{}
	cfg := &config.Config{}
	cfg.Dispatch.SweepInterval = time.Minute
	cfg.Dispatch.BatchSize = 25

	s := NewScheduler(enq, cfg, zap.NewNop())
	s.Tick(context.Background())

	require.Len(t, enq.tasks, len(sweepTasks))
	for i, task := range enq.tasks {
		require.Equal(t, sweepTasks[i], task.Type())
		var cmd Command
		require.NoError(t, json.Unmarshal(task.Payload(), &cmd))
		require.Equal(t, 25, cmd.BatchSize)
		require.Equal(t, time.Minute, option(enq.opts[i], asynq.UniqueOpt))
		require.Nil(t, option(enq.opts[i], asynq.TaskIDOpt))
	}

	// A sweep that is still locked is not an error.
	enq.err = asynq.ErrDuplicateTask
	s.Tick(context.Background())
	require.Len(t, enq.tasks, len(sweepTasks))

	// Once the lock is gone the next round enqueues again.
	enq.err = nil
	s.Tick(context.Background())
	require.Len(t, enq.tasks, 2*len(sweepTasks))
}
