package effect

import (
	"context"
	"fmt"
	"time"

	"effect-dispatch/services/dispatch"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AuditEntry records that an event happened, once per effect run.
type AuditEntry struct {
	ID             string            `gorm:"column:id;primaryKey;type:varchar(64)"`
	IdempotencyKey string            `gorm:"column:idempotency_key;uniqueIndex;type:varchar(255);not null"`
	TenantID       string            `gorm:"column:tenant_id;index;type:varchar(64);not null"`
	EventID        string            `gorm:"column:event_id;index;type:varchar(64);not null"`
	EventName      string            `gorm:"column:event_name;type:varchar(150)"`
	ActorUserID    string            `gorm:"column:actor_user_id;type:varchar(64)"`
	EntityType     string            `gorm:"column:entity_type;type:varchar(100)"`
	EntityID       string            `gorm:"column:entity_id;type:varchar(64)"`
	Module         string            `gorm:"column:module;type:varchar(100)"`
	Category       string            `gorm:"column:category;type:varchar(100)"`
	Payload        datatypes.JSONMap `gorm:"column:payload"`
	OccurredAt     time.Time         `gorm:"column:occurred_at"`
	CreatedAt      time.Time         `gorm:"column:created_at;autoCreateTime"`
}

func (AuditEntry) TableName() string { return "audit_entries" }

type AuditHandler struct {
	db   *gorm.DB
	node *snowflake.Node
}

func NewAuditHandler(db *gorm.DB, node *snowflake.Node) *AuditHandler {
	return &AuditHandler{db: db, node: node}
}

func (h *AuditHandler) Execute(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	category := configString(req, "category")
	if category == "" {
		category = req.Rule.EffectCategory
	}

	entry := AuditEntry{
		ID:             h.node.Generate().String(),
		IdempotencyKey: req.IdempotencyKey,
		TenantID:       req.Event.TenantID,
		EventID:        req.Event.ID,
		EventName:      req.Event.EventName,
		ActorUserID:    req.Event.ActorUserID,
		EntityType:     req.Event.EntityType,
		EntityID:       req.Event.EntityID,
		Module:         req.Event.Module,
		Category:       category,
		Payload:        req.Event.Payload,
		OccurredAt:     req.Event.OccurredAt,
	}

	err := h.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(&entry).Error
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return dispatch.Result{Success: true, Data: map[string]any{"audit_id": entry.ID}}, nil
}
