package dispatch

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunSkipped   RunStatus = "skipped"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the run is never picked up again by a sweep.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunSkipped || s == RunFailed
}

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxCompleted  OutboxStatus = "completed"
)

type ExecutionMode string

const (
	ExecutionSync  ExecutionMode = "sync"
	ExecutionAsync ExecutionMode = "async"
)

type FailureHandling string

const (
	FailureRetry  FailureHandling = "retry"
	FailureIgnore FailureHandling = "ignore"
)

// SystemEvent is an immutable fact recorded by a producer.
type SystemEvent struct {
	ID            string            `gorm:"column:id;primaryKey;type:varchar(64)" json:"id"`
	EventName     string            `gorm:"column:event_name;index;type:varchar(150);not null" json:"event_name"`
	TenantID      string            `gorm:"column:tenant_id;index;type:varchar(64);not null" json:"tenant_id"`
	ActorUserID   string            `gorm:"column:actor_user_id;type:varchar(64)" json:"actor_user_id,omitempty"`
	ActorRole     string            `gorm:"column:actor_role;type:varchar(64)" json:"actor_role,omitempty"`
	EntityType    string            `gorm:"column:entity_type;type:varchar(100)" json:"entity_type,omitempty"`
	EntityID      string            `gorm:"column:entity_id;type:varchar(64)" json:"entity_id,omitempty"`
	Module        string            `gorm:"column:module;type:varchar(100)" json:"module,omitempty"`
	Payload       datatypes.JSONMap `gorm:"column:payload" json:"payload"`
	Context       datatypes.JSONMap `gorm:"column:context" json:"context,omitempty"`
	CorrelationID *string           `gorm:"column:correlation_id;type:varchar(64)" json:"correlation_id,omitempty"`
	OccurredAt    time.Time         `gorm:"column:occurred_at" json:"occurred_at"`
	CreatedAt     time.Time         `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (SystemEvent) TableName() string { return "system_events" }

// PayloadString returns the payload value at key rendered as a string, or ""
// when it is absent or null.
func (e *SystemEvent) PayloadString(key string) string {
	if e == nil || e.Payload == nil {
		return ""
	}
	return stringValue(e.Payload[key])
}

// EffectRule is one row of the impact matrix.
type EffectRule struct {
	ID                   string                          `gorm:"column:id;primaryKey;type:varchar(64)"`
	EventName            string                          `gorm:"column:event_name;index;type:varchar(150);not null"`
	EffectType           string                          `gorm:"column:effect_type;type:varchar(100);not null"`
	EffectCategory       string                          `gorm:"column:effect_category;type:varchar(100)"`
	TargetResolutionRule datatypes.JSONType[TargetRule]  `gorm:"column:target_resolution_rule;not null"`
	Conditions           datatypes.JSONMap               `gorm:"column:conditions"`
	Priority             int                             `gorm:"column:priority;not null"`
	ExecutionMode        ExecutionMode                   `gorm:"column:execution_mode;type:varchar(10);not null"`
	RetryPolicy          datatypes.JSONType[RetryPolicy] `gorm:"column:retry_policy;not null"`
	FailureHandling      FailureHandling                 `gorm:"column:failure_handling;type:varchar(20);not null"`
	IsActive             bool                            `gorm:"column:is_active;index"`
	Config               datatypes.JSONMap               `gorm:"column:config"`
	CreatedAt            time.Time                       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time                       `gorm:"column:updated_at;autoUpdateTime"`
}

func (EffectRule) TableName() string { return "effect_rules" }

// Target returns the decoded target resolution rule.
func (r *EffectRule) Target() TargetRule {
	return r.TargetResolutionRule.Data()
}

// Policy returns the retry policy with defaults applied.
func (r *EffectRule) Policy() RetryPolicy {
	return r.RetryPolicy.Data().withDefaults()
}

// Validate checks the structured documents of the rule. Invalid rules are
// configuration errors and never reach a handler.
func (r *EffectRule) Validate() error {
	if r.EffectType == "" {
		return fmt.Errorf("%w: effect_type is required", ErrInvalidRule)
	}
	switch r.ExecutionMode {
	case "", ExecutionSync, ExecutionAsync:
	default:
		return fmt.Errorf("%w: unknown execution_mode %q", ErrInvalidRule, r.ExecutionMode)
	}
	if err := r.Target().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := r.RetryPolicy.Data().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := ValidateConditions(r.Conditions); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

// EffectRun tracks every attempt of one effect for one event.
type EffectRun struct {
	ID                   string            `gorm:"column:id;primaryKey;type:varchar(64)"`
	EventID              string            `gorm:"column:event_id;index;type:varchar(64);not null"`
	EffectType           string            `gorm:"column:effect_type;type:varchar(100);not null"`
	EffectConfigSnapshot datatypes.JSONMap `gorm:"column:effect_config_snapshot"`
	TargetType           string            `gorm:"column:target_type;type:varchar(50)"`
	Status               RunStatus         `gorm:"column:status;index;type:varchar(20);not null"`
	ExecutionMode        ExecutionMode     `gorm:"column:execution_mode;type:varchar(10)"`
	IdempotencyKey       string            `gorm:"column:idempotency_key;uniqueIndex;type:varchar(255);not null"`
	Attempts             int               `gorm:"column:attempts;not null"`
	NextRetryAt          *time.Time        `gorm:"column:next_retry_at;index"`
	StartedAt            *time.Time        `gorm:"column:started_at"`
	CompletedAt          *time.Time        `gorm:"column:completed_at"`
	Result               datatypes.JSONMap `gorm:"column:result"`
	ErrorMessage         string            `gorm:"column:error_message;type:text"`
	CreatedAt            time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (EffectRun) TableName() string { return "effect_runs" }

type DeadLetterDetails struct {
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
}

// EffectDeadLetter is written once, when a run fails terminally.
type EffectDeadLetter struct {
	ID           string                                `gorm:"column:id;primaryKey;type:varchar(64)" json:"id"`
	EffectRunID  string                                `gorm:"column:effect_run_id;uniqueIndex;type:varchar(64);not null" json:"effect_run_id"`
	EventID      string                                `gorm:"column:event_id;index;type:varchar(64);not null" json:"event_id"`
	EffectType   string                                `gorm:"column:effect_type;type:varchar(100);not null" json:"effect_type"`
	ErrorDetails datatypes.JSONType[DeadLetterDetails] `gorm:"column:error_details;not null" json:"error_details"`
	CreatedAt    time.Time                             `gorm:"column:created_at;index;autoCreateTime" json:"created_at"`
}

func (EffectDeadLetter) TableName() string { return "effect_dead_letters" }

type OutboxEntry struct {
	EventID       string       `gorm:"column:event_id;primaryKey;type:varchar(64)"`
	Status        OutboxStatus `gorm:"column:status;index;type:varchar(20);not null"`
	LastAttemptAt *time.Time   `gorm:"column:last_attempt_at"`
	CreatedAt     time.Time    `gorm:"column:created_at;index;autoCreateTime"`
}

func (OutboxEntry) TableName() string { return "event_outbox" }

// EffectSettings are the per-tenant switches and options of one effect type.
type EffectSettings struct {
	TenantID   string            `gorm:"column:tenant_id;primaryKey;type:varchar(64)"`
	EffectType string            `gorm:"column:effect_type;primaryKey;type:varchar(100)"`
	Enabled    bool              `gorm:"column:enabled"`
	Config     datatypes.JSONMap `gorm:"column:config"`
	UpdatedAt  time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (EffectSettings) TableName() string { return "effect_settings" }

// Models lists every table owned by the engine, in migration order.
func Models() []any {
	return []any{
		&SystemEvent{},
		&EffectRule{},
		&EffectRun{},
		&EffectDeadLetter{},
		&OutboxEntry{},
		&EffectSettings{},
		&Employee{},
		&TeamMember{},
		&EventSubscription{},
	}
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
