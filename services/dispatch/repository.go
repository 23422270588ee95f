package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EventStore interface {
	GetEvent(ctx context.Context, id string) (*SystemEvent, error)
}

type RuleStore interface {
	ListActiveRulesForEvent(ctx context.Context, eventName string) ([]EffectRule, error)
	GetActiveRule(ctx context.Context, eventName, effectType string) (*EffectRule, error)
	GetRule(ctx context.Context, id string) (*EffectRule, error)
}

// RunStore keeps effect run bookkeeping. Every write is conditional so a
// completed run is never overwritten.
type RunStore interface {
	GetEffectRun(ctx context.Context, idempotencyKey string) (*EffectRun, error)
	UpsertEffectRun(ctx context.Context, run *EffectRun) error
	ClaimEffectRun(ctx context.Context, run *EffectRun, now, staleBefore time.Time) (*EffectRun, bool, error)
	TransitionEffectRun(ctx context.Context, run *EffectRun, from RunStatus) (bool, error)
	ListPendingRunsForRetry(ctx context.Context, now time.Time, limit int) ([]EffectRun, error)
	ListStaleRunning(ctx context.Context, startedBefore time.Time, limit int) ([]EffectRun, error)
}

type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, record *EffectDeadLetter) (bool, error)
	ListDeadLetters(ctx context.Context, params DeadLetterQuery) ([]EffectDeadLetter, error)
}

type OutboxStore interface {
	ListOutboxPending(ctx context.Context, limit int) ([]OutboxEntry, error)
	ClaimOutbox(ctx context.Context, eventID string, now time.Time) (bool, error)
	UpdateOutboxStatus(ctx context.Context, eventID string, status OutboxStatus) error
	ReleaseStaleOutbox(ctx context.Context, attemptedBefore time.Time) (int64, error)
}

type SettingsStore interface {
	GetEffectSettings(ctx context.Context, tenantID, effectType string) (*EffectSettings, error)
}

// Repository is the persistence boundary of the engine.
type Repository interface {
	EventStore
	RuleStore
	RunStore
	DeadLetterStore
	OutboxStore
	SettingsStore
	Directory
}

// DeadLetterQuery pages dead letters newest first.
type DeadLetterQuery struct {
	BeforeCreatedAt *time.Time
	BeforeID        string
	EventID         string
	Limit           int
}

type gormRepository struct {
	db           *gorm.DB
	entityTables map[string]string
}

// NewRepository returns a gorm backed Repository. entityTables maps entity
// types to the tables entity_owner resolution may read.
func NewRepository(db *gorm.DB, entityTables map[string]string) Repository {
	return &gormRepository{db: db, entityTables: entityTables}
}

func (r *gormRepository) GetEvent(ctx context.Context, id string) (*SystemEvent, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var event SystemEvent
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *gormRepository) ListActiveRulesForEvent(ctx context.Context, eventName string) ([]EffectRule, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var rules []EffectRule
	err := r.db.WithContext(ctx).
		Where("event_name = ? AND is_active = ?", eventName, true).
		Order("priority DESC").Order("id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *gormRepository) GetActiveRule(ctx context.Context, eventName, effectType string) (*EffectRule, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var rule EffectRule
	err := r.db.WithContext(ctx).
		Where("event_name = ? AND effect_type = ? AND is_active = ?", eventName, effectType, true).
		Order("priority DESC").Order("id ASC").
		First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrRuleNotFound, eventName, effectType)
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *gormRepository) GetRule(ctx context.Context, id string) (*EffectRule, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var rule EffectRule
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *gormRepository) GetEffectRun(ctx context.Context, idempotencyKey string) (*EffectRun, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var run EffectRun
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// UpsertEffectRun writes run under its idempotency key unless the stored run
// is already completed.
func (r *gormRepository) UpsertEffectRun(ctx context.Context, run *EffectRun) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).Model(&EffectRun{}).
		Where("idempotency_key = ? AND status <> ?", run.IdempotencyKey, RunCompleted).
		Updates(runColumns(run))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(run).Error
}

// ClaimEffectRun marks run as running for the caller. It inserts the run when
// the key is new, otherwise takes over a skipped run, a pending one whose
// retry is due at now, or a running one that started before staleBefore. The
// stored run is returned together with whether the caller won the claim.
func (r *gormRepository) ClaimEffectRun(ctx context.Context, run *EffectRun, now, staleBefore time.Time) (*EffectRun, bool, error) {
	if r == nil || r.db == nil {
		return nil, false, gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(run)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return run, true, nil
	}

	res = r.db.WithContext(ctx).Model(&EffectRun{}).
		Where("idempotency_key = ?", run.IdempotencyKey).
		Where("((status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)) OR status = ? OR (status = ? AND started_at < ?))",
			RunPending, now, RunSkipped, RunRunning, staleBefore).
		Updates(map[string]any{
			"status":                 RunRunning,
			"started_at":             run.StartedAt,
			"next_retry_at":          nil,
			"effect_config_snapshot": run.EffectConfigSnapshot,
			"target_type":            run.TargetType,
			"execution_mode":         run.ExecutionMode,
		})
	if res.Error != nil {
		return nil, false, res.Error
	}

	stored, err := r.GetEffectRun(ctx, run.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return stored, res.RowsAffected == 1, nil
}

// TransitionEffectRun persists run only if its stored status still equals
// from and its started_at still equals run.StartedAt. started_at is rewritten
// by every claim, so a caller holding an older claim loses the write. It
// reports whether the write happened.
func (r *gormRepository) TransitionEffectRun(ctx context.Context, run *EffectRun, from RunStatus) (bool, error) {
	if r == nil || r.db == nil {
		return false, gorm.ErrInvalidDB
	}

	q := r.db.WithContext(ctx).Model(&EffectRun{}).
		Where("id = ? AND status = ? AND status <> ?", run.ID, from, RunCompleted)
	if run.StartedAt == nil {
		q = q.Where("started_at IS NULL")
	} else {
		q = q.Where("started_at = ?", *run.StartedAt)
	}
	res := q.Updates(runColumns(run))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormRepository) ListPendingRunsForRetry(ctx context.Context, now time.Time, limit int) ([]EffectRun, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var runs []EffectRun
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", RunPending, now).
		Order("next_retry_at ASC").Order("id ASC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

func (r *gormRepository) ListStaleRunning(ctx context.Context, startedBefore time.Time, limit int) ([]EffectRun, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var runs []EffectRun
	err := r.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", RunRunning, startedBefore).
		Order("started_at ASC").Order("id ASC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// InsertDeadLetter stores record once per effect run. It reports whether a
// new row was written.
func (r *gormRepository) InsertDeadLetter(ctx context.Context, record *EffectDeadLetter) (bool, error) {
	if r == nil || r.db == nil {
		return false, gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "effect_run_id"}}, DoNothing: true}).
		Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormRepository) ListDeadLetters(ctx context.Context, params DeadLetterQuery) ([]EffectDeadLetter, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&EffectDeadLetter{})
	if params.EventID != "" {
		query = query.Where("event_id = ?", params.EventID)
	}
	if params.BeforeCreatedAt != nil && params.BeforeID != "" {
		query = query.Where("(created_at < ? OR (created_at = ? AND id < ?))",
			*params.BeforeCreatedAt, *params.BeforeCreatedAt, params.BeforeID)
	}
	if params.Limit > 0 {
		query = query.Limit(params.Limit)
	}

	var records []EffectDeadLetter
	err := query.Order("created_at DESC").Order("id DESC").Find(&records).Error
	return records, err
}

func (r *gormRepository) ListOutboxPending(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var entries []OutboxEntry
	err := r.db.WithContext(ctx).
		Where("status = ?", OutboxPending).
		Order("created_at ASC").Order("event_id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// ClaimOutbox moves a pending entry to processing. Only one caller wins.
func (r *gormRepository) ClaimOutbox(ctx context.Context, eventID string, now time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).Model(&OutboxEntry{}).
		Where("event_id = ? AND status = ?", eventID, OutboxPending).
		Updates(map[string]any{
			"status":          OutboxProcessing,
			"last_attempt_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateOutboxStatus sets the status of an entry. Events dispatched without
// an outbox row are not an error.
func (r *gormRepository) UpdateOutboxStatus(ctx context.Context, eventID string, status OutboxStatus) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	return r.db.WithContext(ctx).Model(&OutboxEntry{}).
		Where("event_id = ?", eventID).
		Update("status", status).Error
}

// ReleaseStaleOutbox returns entries stuck in processing to pending.
func (r *gormRepository) ReleaseStaleOutbox(ctx context.Context, attemptedBefore time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).Model(&OutboxEntry{}).
		Where("status = ? AND last_attempt_at < ?", OutboxProcessing, attemptedBefore).
		Update("status", OutboxPending)
	return res.RowsAffected, res.Error
}

// GetEffectSettings returns the tenant settings of effectType. A missing row
// means the effect is enabled with an empty config.
func (r *gormRepository) GetEffectSettings(ctx context.Context, tenantID, effectType string) (*EffectSettings, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var settings EffectSettings
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND effect_type = ?", tenantID, effectType).
		First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &EffectSettings{TenantID: tenantID, EffectType: effectType, Enabled: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func runColumns(run *EffectRun) map[string]any {
	return map[string]any{
		"status":         run.Status,
		"attempts":       run.Attempts,
		"next_retry_at":  run.NextRetryAt,
		"started_at":     run.StartedAt,
		"completed_at":   run.CompletedAt,
		"result":         run.Result,
		"error_message":  run.ErrorMessage,
		"execution_mode": run.ExecutionMode,
	}
}
