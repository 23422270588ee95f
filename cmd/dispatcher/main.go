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
	"effect-dispatch/pkg/hashistack/servicediscover"
	"effect-dispatch/pkg/health"
	"effect-dispatch/pkg/logger"
	"effect-dispatch/pkg/minio"
	"effect-dispatch/pkg/otelcol"
	"effect-dispatch/pkg/profiling"
	"effect-dispatch/pkg/redis"
	"effect-dispatch/pkg/server"
	"effect-dispatch/pkg/task"
	"effect-dispatch/pkg/workflow"
	"effect-dispatch/services/dispatch"
	"effect-dispatch/services/effect"
)

// The dispatcher serves the command surface over HTTP and schedules the
// periodic sweeps. Sweeps and async effects run on the worker.
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
		gen.Module,
		featureflags.Module,
		workflow.ProvideClient,
		minio.Client,
		health.Module,
		server.ProvideHTTPServer,
		servicediscover.Module,
		dispatch.Module,
		dispatch.Async,
		dispatch.HTTP,
		dispatch.Sweeps,
		effect.Module,
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
