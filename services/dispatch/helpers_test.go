package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"effect-dispatch/services/testutil"
)

const testTenant = "tenant-1"

type testEnv struct {
	db       *gorm.DB
	repo     Repository
	registry *Registry
	engine   *Engine
	runner   *Runner
	service  *Service
	async    *fakeAsync
	clock    *fakeClock
}

type envOption func(*envConfig)

type envConfig struct {
	opts  Options
	async bool
}

func withHandlerTimeout(d time.Duration) envOption {
	return func(c *envConfig) { c.opts.HandlerTimeout = d }
}

func withAsync() envOption {
	return func(c *envConfig) { c.async = true }
}

func newTestEnv(t *testing.T, options ...envOption) *testEnv {
	t.Helper()

	cfg := envConfig{}
	for _, o := range options {
		o(&cfg)
	}

	db := testutil.NewTestDB(t, Models()...)
	repo := NewRepository(db, map[string]string{"document": "documents"})
	logger := zap.NewNop()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	registry := NewRegistry()
	clock := &fakeClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}

	var async AsyncDispatcher
	fa := &fakeAsync{}
	if cfg.async {
		async = fa
	}

	retry := NewRetryScheduler(repo, repo, node, time.Minute, logger)
	engine := NewEngine(EngineParams{
		Repository: repo,
		Registry:   registry,
		Conditions: NewConditionEvaluator(NewProgramCache(time.Minute), logger),
		Targets:    NewTargetResolver(repo, logger),
		Settings:   NewSettingsProvider(repo, nil),
		Retry:      retry,
		Node:       node,
		Options:    cfg.opts,
		Async:      async,
		Logger:     logger,
	})
	engine.now = clock.Now

	runner := NewRunner(RunnerParams{
		Engine:     engine,
		Repository: repo,
		Retry:      retry,
		Options:    RunnerOptions{Concurrency: 4},
		Logger:     logger,
	})
	runner.now = clock.Now

	service := NewService(ServiceParams{
		Engine:     engine,
		Runner:     runner,
		Repository: repo,
		Logger:     logger,
	})

	return &testEnv{
		db:       db,
		repo:     repo,
		registry: registry,
		engine:   engine,
		runner:   runner,
		service:  service,
		async:    fa,
		clock:    clock,
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeAsync struct {
	mu       sync.Mutex
	enqueued []string
}

func (f *fakeAsync) EnqueueEffect(ctx context.Context, eventID, ruleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, eventID+"/"+ruleID)
	return nil
}

// countingHandler records every request and answers with result.
type countingHandler struct {
	mu       sync.Mutex
	requests []Request
	result   Result
	err      error
}

func (h *countingHandler) Execute(ctx context.Context, req Request) (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, req)
	return h.result, h.err
}

func (h *countingHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

func succeeding() *countingHandler {
	return &countingHandler{result: Result{Success: true, Data: map[string]any{"sent": true}}}
}

func failing(msg string) *countingHandler {
	return &countingHandler{result: Result{Success: false, Error: msg}}
}

func (e *testEnv) register(t *testing.T, effectType string, h Handler) {
	t.Helper()
	require.NoError(t, e.registry.Register(effectType, h))
}

func (e *testEnv) seedEvent(t *testing.T, event SystemEvent) *SystemEvent {
	t.Helper()
	if event.TenantID == "" {
		event.TenantID = testTenant
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.clock.Now()
	}
	require.NoError(t, e.db.Create(&event).Error)
	return &event
}

func (e *testEnv) seedOutbox(t *testing.T, eventID string) {
	t.Helper()
	require.NoError(t, e.db.Create(&OutboxEntry{EventID: eventID, Status: OutboxPending}).Error)
}

func (e *testEnv) seedRule(t *testing.T, rule EffectRule) *EffectRule {
	t.Helper()
	if rule.ExecutionMode == "" {
		rule.ExecutionMode = ExecutionSync
	}
	if rule.FailureHandling == "" {
		rule.FailureHandling = FailureRetry
	}
	rule.IsActive = true
	require.NoError(t, e.db.Create(&rule).Error)
	return &rule
}

func (e *testEnv) run(t *testing.T, eventID, effectType string) *EffectRun {
	t.Helper()
	run, err := e.repo.GetEffectRun(context.Background(), IdempotencyKey(eventID, effectType))
	require.NoError(t, err)
	return run
}

func (e *testEnv) deadLetterCount(t *testing.T, eventID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&EffectDeadLetter{}).Where("event_id = ?", eventID).Count(&n).Error)
	return n
}

func target(rule TargetRule) datatypes.JSONType[TargetRule] {
	return datatypes.NewJSONType(rule)
}

func policy(p RetryPolicy) datatypes.JSONType[RetryPolicy] {
	return datatypes.NewJSONType(p)
}
