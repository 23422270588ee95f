package effect

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"effect-dispatch/pkg/rediskey"
	"effect-dispatch/pkg/task"
	"effect-dispatch/pkg/taskname"
	"effect-dispatch/services/dispatch"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ChannelEmail = "email"
	ChannelInApp = "in_app"
	ChannelPush  = "push"
)

// NotificationPayload is one recipient's share of a notification effect.
type NotificationPayload struct {
	Channel        string         `json:"channel"`
	Recipient      string         `json:"recipient"`
	TenantID       string         `json:"tenant_id"`
	EventID        string         `json:"event_id"`
	EventName      string         `json:"event_name"`
	EntityType     string         `json:"entity_type,omitempty"`
	EntityID       string         `json:"entity_id,omitempty"`
	Template       string         `json:"template,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// NotificationHandler fans a notification effect out into one
// notification:send task per target.
type NotificationHandler struct {
	channel  string
	enqueuer task.Enqueuer
	logger   *zap.Logger
}

func NewNotificationHandler(channel string, enqueuer task.Enqueuer, logger *zap.Logger) *NotificationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationHandler{channel: channel, enqueuer: enqueuer, logger: logger}
}

func (h *NotificationHandler) Execute(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	if len(req.Targets) == 0 {
		return dispatch.Result{Success: true, Data: map[string]any{"enqueued": 0}}, nil
	}

	template := configString(req, "template")
	if template == "" {
		template = req.Event.EventName
	}

	enqueued, duplicates := 0, 0
	for _, recipient := range req.Targets {
		t, err := task.NewJSONTask(taskname.NotificationSend, NotificationPayload{
			Channel:        h.channel,
			Recipient:      recipient,
			TenantID:       req.Event.TenantID,
			EventID:        req.Event.ID,
			EventName:      req.Event.EventName,
			EntityType:     req.Event.EntityType,
			EntityID:       req.Event.EntityID,
			Template:       template,
			Data:           req.Event.Payload,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			return dispatch.Result{}, err
		}

		_, err = h.enqueuer.Enqueue(ctx, t,
			asynq.Queue(taskname.QueueCritical),
			asynq.TaskID(rediskey.BuildNotificationKey(req.IdempotencyKey, recipient)),
		)
		switch {
		case err == nil:
			enqueued++
		case task.IsDuplicate(err):
			// Queued by an earlier attempt of the same effect.
			duplicates++
		default:
			return dispatch.Result{}, fmt.Errorf("enqueue %s notification for %s: %w", h.channel, recipient, err)
		}
	}

	h.logger.Info("notifications enqueued",
		zap.String("channel", h.channel),
		zap.String("event_id", req.Event.ID),
		zap.Int("enqueued", enqueued),
		zap.Int("duplicates", duplicates),
	)
	return dispatch.Result{
		Success: true,
		Data:    map[string]any{"enqueued": enqueued, "duplicates": duplicates},
	}, nil
}

// InAppNotification is a recipient's inbox row.
type InAppNotification struct {
	ID        string            `gorm:"column:id;primaryKey;type:varchar(64)"`
	DedupKey  string            `gorm:"column:dedup_key;uniqueIndex;type:varchar(255);not null"`
	TenantID  string            `gorm:"column:tenant_id;index:idx_inbox_tenant_user;type:varchar(64);not null"`
	UserID    string            `gorm:"column:user_id;index:idx_inbox_tenant_user;type:varchar(64);not null"`
	EventID   string            `gorm:"column:event_id;type:varchar(64);not null"`
	EventName string            `gorm:"column:event_name;type:varchar(150)"`
	Template  string            `gorm:"column:template;type:varchar(150)"`
	Data      datatypes.JSONMap `gorm:"column:data"`
	ReadAt    *time.Time        `gorm:"column:read_at"`
	CreatedAt time.Time         `gorm:"column:created_at;autoCreateTime"`
}

func (InAppNotification) TableName() string { return "in_app_notifications" }

// NotificationSender executes notification:send tasks. In-app notifications
// land in the inbox table; email and push are handed to the provider
// configured for the channel, or logged when none is.
type NotificationSender struct {
	db        *gorm.DB
	node      *snowflake.Node
	providers map[string]Provider
	logger    *zap.Logger
}

// Provider delivers one notification over an external channel.
type Provider interface {
	Send(ctx context.Context, n NotificationPayload) error
}

func NewNotificationSender(db *gorm.DB, node *snowflake.Node, logger *zap.Logger) *NotificationSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationSender{db: db, node: node, providers: map[string]Provider{}, logger: logger}
}

// Use sets the provider of channel.
func (s *NotificationSender) Use(channel string, p Provider) {
	s.providers[channel] = p
}

func (s *NotificationSender) HandleSendTask(ctx context.Context, t *asynq.Task) error {
	var n NotificationPayload
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		s.logger.Error("invalid notification payload", zap.Error(err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	if n.Channel == ChannelInApp {
		return s.storeInbox(ctx, n)
	}

	provider, ok := s.providers[n.Channel]
	if !ok {
		s.logger.Info("notification delivered",
			zap.String("channel", n.Channel),
			zap.String("recipient", n.Recipient),
			zap.String("template", n.Template),
			zap.String("event_id", n.EventID),
		)
		return nil
	}
	if err := provider.Send(ctx, n); err != nil {
		return fmt.Errorf("send %s notification: %w", n.Channel, err)
	}
	return nil
}

func (s *NotificationSender) storeInbox(ctx context.Context, n NotificationPayload) error {
	row := InAppNotification{
		ID:        s.node.Generate().String(),
		DedupKey:  rediskey.BuildNotificationKey(n.IdempotencyKey, n.Recipient),
		TenantID:  n.TenantID,
		UserID:    n.Recipient,
		EventID:   n.EventID,
		EventName: n.EventName,
		Template:  n.Template,
		Data:      n.Data,
	}

	// A redelivered task finds its row already stored.
	var existing int64
	if err := s.db.WithContext(ctx).Model(&InAppNotification{}).
		Where("dedup_key = ?", row.DedupKey).
		Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&row).Error
}
