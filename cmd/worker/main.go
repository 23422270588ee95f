package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"effect-dispatch/pkg/config"
	"effect-dispatch/pkg/db"
	"effect-dispatch/pkg/featureflags"
	"effect-dispatch/pkg/gen"
	"effect-dispatch/pkg/hashistack/secretmanager"
	"effect-dispatch/pkg/logger"
	"effect-dispatch/pkg/minio"
	"effect-dispatch/pkg/otelcol"
	"effect-dispatch/pkg/profiling"
	"effect-dispatch/pkg/redis"
	"effect-dispatch/pkg/task"
	"effect-dispatch/pkg/workflow"
	"effect-dispatch/services/dispatch"
	"effect-dispatch/services/effect"
)

// The worker executes dispatch commands, async effects and notification
// fan-out tasks from the asynq queues.
func main() {
	app := fx.New(
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		gen.Module,
		featureflags.Module,
		workflow.ProvideClient,
		minio.Client,
		dispatch.Module,
		dispatch.Async,
		dispatch.Worker,
		effect.Module,
		effect.Worker,
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})
