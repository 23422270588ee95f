package effect

import (
	"context"
	"fmt"

	"effect-dispatch/pkg/config"
	"effect-dispatch/pkg/task"
	"effect-dispatch/pkg/taskname"
	"effect-dispatch/services/dispatch"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Built-in effect types.
const (
	TypeEmail    = "notification.email"
	TypeInApp    = "notification.in_app"
	TypePush     = "notification.push"
	TypeAudit    = "audit.log"
	TypeCache    = "cache.invalidate"
	TypeWorkflow = "workflow.signal"
	TypeArchive  = "integration.archive"
)

// Module registers the built-in handlers with the dispatch registry.
// Handlers whose backing client is not configured are left out and their
// effects are skipped with "no handler".
var Module = fx.Module("effect.handlers",
	fx.Provide(
		provideNotificationHandlers,
		provideAuditHandler,
		provideCacheHandler,
		provideWorkflowHandler,
		provideArchiveHandler,
	),
	fx.Invoke(migrate),
)

// Worker executes the notification:send fan-out tasks.
var Worker = fx.Module("effect.worker",
	fx.Provide(NewNotificationSender),
	fx.Invoke(registerSender),
)

// Models lists the tables owned by the built-in handlers.
func Models() []any {
	return []any{&AuditEntry{}, &InAppNotification{}}
}

func provideNotificationHandlers(enqueuer task.Enqueuer, logger *zap.Logger) dispatch.HandlerOut {
	return dispatch.HandlerOut{Registrations: []dispatch.Registration{
		{Type: TypeEmail, Handler: NewNotificationHandler(ChannelEmail, enqueuer, logger)},
		{Type: TypeInApp, Handler: NewNotificationHandler(ChannelInApp, enqueuer, logger)},
		{Type: TypePush, Handler: NewNotificationHandler(ChannelPush, enqueuer, logger)},
	}}
}

func provideAuditHandler(db *gorm.DB, node *snowflake.Node) dispatch.HandlerOut {
	return single(TypeAudit, NewAuditHandler(db, node))
}

type cacheParams struct {
	fx.In

	Redis *redis.Client `optional:"true"`
}

func provideCacheHandler(p cacheParams) dispatch.HandlerOut {
	if p.Redis == nil {
		return dispatch.HandlerOut{}
	}
	return single(TypeCache, NewCacheInvalidateHandler(p.Redis))
}

type workflowParams struct {
	fx.In

	Temporal client.Client `optional:"true"`
}

func provideWorkflowHandler(p workflowParams) dispatch.HandlerOut {
	if p.Temporal == nil {
		return dispatch.HandlerOut{}
	}
	return single(TypeWorkflow, NewWorkflowSignalHandler(p.Temporal))
}

type archiveParams struct {
	fx.In

	Config *config.Config
	Minio  *minio.Client `optional:"true"`
}

func provideArchiveHandler(p archiveParams) dispatch.HandlerOut {
	if p.Minio == nil {
		return dispatch.HandlerOut{}
	}
	return single(TypeArchive, NewArchiveHandler(p.Minio, p.Config.Minio.BucketName))
}

func single(effectType string, h dispatch.Handler) dispatch.HandlerOut {
	return dispatch.HandlerOut{Registrations: []dispatch.Registration{{Type: effectType, Handler: h}}}
}

func migrate(lc fx.Lifecycle, db *gorm.DB, cfg *config.Config) {
	if !cfg.Dispatch.AutoMigrate {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return db.WithContext(ctx).AutoMigrate(Models()...)
		},
	})
}

func registerSender(mux *asynq.ServeMux, s *NotificationSender) {
	mux.HandleFunc(taskname.NotificationSend, s.HandleSendTask)
}

// configValue reads key from the tenant settings config, falling back to the
// rule config.
func configValue(req dispatch.Request, key string) (any, bool) {
	if req.Settings != nil {
		if v, ok := req.Settings.Config[key]; ok && v != nil {
			return v, true
		}
	}
	if req.Rule != nil {
		if v, ok := req.Rule.Config[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func configString(req dispatch.Request, key string) string {
	v, ok := configValue(req, key)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func configStrings(req dispatch.Request, key string) []string {
	v, ok := configValue(req, key)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
