package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestRunner_ProcessBatchIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.register(t, "notification.in_app", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		if req.Event.PayloadString("explode") == "yes" {
			panic("boom")
		}
		return Result{Success: true}, nil
	}))
	env.seedRule(t, EffectRule{ID: "rule-1", EventName: "task.completed", EffectType: "notification.in_app"})

	for i := 1; i <= 3; i++ {
		payload := datatypes.JSONMap{}
		if i == 2 {
			payload["explode"] = "yes"
		}
		id := fmt.Sprintf("evt-%d", i)
		env.seedEvent(t, SystemEvent{ID: id, EventName: "task.completed", Payload: payload})
		env.seedOutbox(t, id)
	}
	// An outbox entry whose event was never written.
	env.seedOutbox(t, "evt-ghost")

	report, err := env.runner.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 4, report.Processed)

	byEvent := map[string]ItemResult{}
	for _, r := range report.Results {
		byEvent[r.EventID] = r
	}
	require.True(t, byEvent["evt-1"].Success)
	require.True(t, byEvent["evt-3"].Success)
	require.True(t, byEvent["evt-2"].Success)
	require.Equal(t, OutcomeRetrying, byEvent["evt-2"].Report.Results[0].Status)
	require.False(t, byEvent["evt-ghost"].Success)

	require.Equal(t, RunCompleted, env.run(t, "evt-1", "notification.in_app").Status)
	require.Equal(t, RunCompleted, env.run(t, "evt-3", "notification.in_app").Status)
	require.Equal(t, RunPending, env.run(t, "evt-2", "notification.in_app").Status)

	pending, err := env.repo.ListOutboxPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	// Nothing is left to dispatch.
	again, err := env.runner.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, again.Processed)
}

func TestRunner_RetryUntilDeadLetter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h := failing("provider unavailable")
	env.register(t, "notification.email", h)
	event := absenceApproved(t, env)
	env.seedRule(t, EffectRule{
		ID:          "rule-1",
		EventName:   "absence.approved",
		EffectType:  "notification.email",
		RetryPolicy: policy(RetryPolicy{MaxAttempts: 3}),
	})

	_, err := env.engine.ProcessEvent(ctx, event.ID)
	require.NoError(t, err)

	// Not due yet.
	report, err := env.runner.RetryFailedEffects(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, report.Processed)

	env.clock.Advance(61 * time.Second)
	report, err = env.runner.RetryFailedEffects(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.Equal(t, OutcomeRetrying, report.Results[0].Outcome.Status)
	run := env.run(t, event.ID, "notification.email")
	require.Equal(t, 2, run.Attempts)
	require.WithinDuration(t, env.clock.Now().Add(120*time.Second), *run.NextRetryAt, time.Second)

	env.clock.Advance(121 * time.Second)
	report, err = env.runner.RetryFailedEffects(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.Equal(t, OutcomeFailed, report.Results[0].Outcome.Status)

	run = env.run(t, event.ID, "notification.email")
	require.Equal(t, RunFailed, run.Status)
	require.Equal(t, 3, run.Attempts)
	require.Nil(t, run.NextRetryAt)
	require.Equal(t, int64(1), env.deadLetterCount(t, event.ID))
	require.Equal(t, 3, h.Calls())

	// Failed runs never come back.
	env.clock.Advance(time.Hour)
	report, err = env.runner.RetryFailedEffects(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, report.Processed)
}

func TestRunner_RetrySkipsRunWithoutRule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	event := absenceApproved(t, env)
	due := env.clock.Now().Add(-time.Second)
	require.NoError(t, env.db.Create(&EffectRun{
		ID:             "run-1",
		EventID:        event.ID,
		EffectType:     "notification.sms",
		Status:         RunPending,
		IdempotencyKey: IdempotencyKey(event.ID, "notification.sms"),
		Attempts:       1,
		NextRetryAt:    &due,
	}).Error)

	report, err := env.runner.RetryFailedEffects(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.False(t, report.Results[0].Success)

	run := env.run(t, event.ID, "notification.sms")
	require.Equal(t, RunSkipped, run.Status)
	require.Nil(t, run.NextRetryAt)

	report, err = env.runner.RetryFailedEffects(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, report.Processed)
}

func TestRunner_RecoverStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	event := absenceApproved(t, env)
	env.seedRule(t, EffectRule{ID: "rule-1", EventName: "absence.approved", EffectType: "notification.email"})

	longAgo := env.clock.Now().Add(-time.Hour)
	recent := env.clock.Now().Add(-time.Minute)
	require.NoError(t, env.db.Create(&[]EffectRun{
		{
			ID:             "run-stale",
			EventID:        event.ID,
			EffectType:     "notification.email",
			Status:         RunRunning,
			IdempotencyKey: IdempotencyKey(event.ID, "notification.email"),
			StartedAt:      &longAgo,
		},
		{
			ID:             "run-fresh",
			EventID:        event.ID,
			EffectType:     "audit.log",
			Status:         RunRunning,
			IdempotencyKey: IdempotencyKey(event.ID, "audit.log"),
			StartedAt:      &recent,
		},
	}).Error)

	require.NoError(t, env.db.Create(&OutboxEntry{EventID: event.ID, Status: OutboxProcessing, LastAttemptAt: &longAgo}).Error)

	report, err := env.runner.RecoverStale(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.Equal(t, int64(1), report.Released)
	require.Equal(t, OutcomeRetrying, report.Results[0].Outcome.Status)

	stale := env.run(t, event.ID, "notification.email")
	require.Equal(t, RunPending, stale.Status)
	require.Equal(t, 1, stale.Attempts)
	require.Contains(t, stale.ErrorMessage, ErrStaleRun.Error())
	require.Equal(t, RunRunning, env.run(t, event.ID, "audit.log").Status)

	pending, err := env.repo.ListOutboxPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestRunner_CancelledSweepSchedulesNothing(t *testing.T) {
	env := newTestEnv(t)
	h := succeeding()
	env.register(t, "audit.log", h)
	env.seedRule(t, EffectRule{ID: "rule-1", EventName: "task.completed", EffectType: "audit.log"})
	env.seedEvent(t, SystemEvent{ID: "evt-1", EventName: "task.completed"})
	env.seedOutbox(t, "evt-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := env.runner.ProcessBatch(ctx, 10)
	if err != nil {
		// The pending list itself may observe the cancelled context.
		require.ErrorIs(t, err, context.Canceled)
		return
	}
	require.Zero(t, report.Processed)
	require.Zero(t, h.Calls())
}

func TestRunner_StaleRecoveryYieldsToTakeover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	event := absenceApproved(t, env)
	rule := env.seedRule(t, EffectRule{ID: "rule-1", EventName: "absence.approved", EffectType: "notification.email"})

	longAgo := env.clock.Now().Add(-time.Hour)
	require.NoError(t, env.db.Create(&EffectRun{
		ID:             "run-1",
		EventID:        event.ID,
		EffectType:     "notification.email",
		Status:         RunRunning,
		IdempotencyKey: IdempotencyKey(event.ID, "notification.email"),
		StartedAt:      &longAgo,
	}).Error)

	stale, err := env.repo.ListStaleRunning(ctx, env.clock.Now().Add(-15*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	// The recovery sweep acts on the row it listed before the engine took the
	// run over.
	var (
		recovered ItemResult
		calls     int
	)
	env.register(t, "notification.email", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		calls++
		recovered = env.runner.recoverRun(ctx, &stale[0])
		return Result{Success: true}, nil
	}))

	out := env.engine.ProcessRule(ctx, event, rule)
	require.Equal(t, OutcomeCompleted, out.Status)
	require.True(t, recovered.Success)
	require.True(t, recovered.Skipped)

	run := env.run(t, event.ID, "notification.email")
	require.Equal(t, RunCompleted, run.Status)
	require.Zero(t, run.Attempts)
	require.Nil(t, run.NextRetryAt)

	env.clock.Advance(time.Hour)
	report, err := env.runner.RetryFailedEffects(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, report.Processed)
	require.Equal(t, 1, calls)
}

func TestRunner_RetryOfDisabledEffectSettles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h := failing("provider unavailable")
	env.register(t, "notification.email", h)
	event := absenceApproved(t, env)
	env.seedRule(t, EffectRule{
		ID:          "rule-1",
		EventName:   "absence.approved",
		EffectType:  "notification.email",
		RetryPolicy: policy(RetryPolicy{MaxAttempts: 5}),
	})

	_, err := env.engine.ProcessEvent(ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, RunPending, env.run(t, event.ID, "notification.email").Status)

	require.NoError(t, env.db.Create(&EffectSettings{
		TenantID:   testTenant,
		EffectType: "notification.email",
		Enabled:    false,
	}).Error)

	env.clock.Advance(10 * time.Minute)
	report, err := env.runner.RetryFailedEffects(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.True(t, report.Results[0].Success)
	require.Equal(t, ReasonDisabled, report.Results[0].Outcome.Reason)

	run := env.run(t, event.ID, "notification.email")
	require.Equal(t, RunSkipped, run.Status)
	require.Nil(t, run.NextRetryAt)
	require.Equal(t, ReasonDisabled, run.ErrorMessage)
	require.Equal(t, 1, run.Attempts)

	for i := 0; i < 2; i++ {
		env.clock.Advance(10 * time.Minute)
		report, err = env.runner.RetryFailedEffects(ctx, 10)
		require.NoError(t, err)
		require.Zero(t, report.Processed)
	}
	require.Equal(t, 1, h.Calls())
}

func TestRunner_RetryWithUnmetConditionsSettles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	event := absenceApproved(t, env)
	env.seedRule(t, EffectRule{
		ID:         "rule-1",
		EventName:  "absence.approved",
		EffectType: "notification.email",
		Conditions: datatypes.JSONMap{"status_is": "rejected"},
	})

	started := env.clock.Now().Add(-2 * time.Minute)
	due := env.clock.Now().Add(-time.Minute)
	require.NoError(t, env.db.Create(&EffectRun{
		ID:             "run-1",
		EventID:        event.ID,
		EffectType:     "notification.email",
		Status:         RunPending,
		IdempotencyKey: IdempotencyKey(event.ID, "notification.email"),
		Attempts:       1,
		StartedAt:      &started,
		NextRetryAt:    &due,
	}).Error)

	report, err := env.runner.RetryFailedEffects(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.Equal(t, ReasonConditionsNotMet, report.Results[0].Outcome.Reason)
	require.Equal(t, RunSkipped, env.run(t, event.ID, "notification.email").Status)

	env.clock.Advance(10 * time.Minute)
	report, err = env.runner.RetryFailedEffects(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, report.Processed)
}
