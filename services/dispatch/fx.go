package dispatch

import (
	"context"
	"time"

	"effect-dispatch/pkg/config"
	"effect-dispatch/pkg/featureflags"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const programCacheTTL = 10 * time.Minute

var Module = fx.Module("dispatch.service",
	fx.Provide(
		provideRepository,
		provideDirectory,
		provideProgramCache,
		NewConditionEvaluator,
		NewTargetResolver,
		provideSettings,
		provideRetryScheduler,
		provideOptions,
		provideRunnerOptions,
		NewRegistryFromGroup,
		NewEngine,
		NewRunner,
		NewService,
	),
	fx.Invoke(registerMetrics, migrate),
)

// Async routes execution_mode=async rules through the effect:process task.
var Async = fx.Module("dispatch.async",
	fx.Provide(NewTaskDispatcher),
)

var HTTP = fx.Module("dispatch.http",
	fx.Invoke(registerRoutes),
)

var Worker = fx.Module("dispatch.worker",
	fx.Provide(NewTaskHandlers),
	fx.Invoke(registerTaskHandlers),
)

var Sweeps = fx.Module("dispatch.sweeps",
	fx.Provide(NewScheduler),
	fx.Invoke(StartScheduler),
)

func provideRepository(db *gorm.DB, cfg *config.Config) Repository {
	return NewRepository(db, cfg.Dispatch.EntityTables)
}

func provideDirectory(repo Repository) Directory {
	return repo
}

func provideProgramCache() *ProgramCache {
	return NewProgramCache(programCacheTTL)
}

type settingsParams struct {
	fx.In

	Repository Repository
	Flags      featureflags.FeatureFlag `optional:"true"`
}

func provideSettings(p settingsParams) SettingsProvider {
	return NewSettingsProvider(p.Repository, p.Flags)
}

func provideRetryScheduler(repo Repository, node *snowflake.Node, cfg *config.Config, logger *zap.Logger) *RetryScheduler {
	return NewRetryScheduler(repo, repo, node, cfg.Dispatch.RetryBaseDelay, logger)
}

func provideOptions(cfg *config.Config) Options {
	return Options{
		Concurrency:    cfg.Dispatch.Concurrency,
		HandlerTimeout: cfg.Dispatch.HandlerTimeout,
		StaleAfter:     cfg.Dispatch.StaleAfter,
	}
}

func provideRunnerOptions(cfg *config.Config) RunnerOptions {
	return RunnerOptions{
		BatchSize:   cfg.Dispatch.BatchSize,
		RetryLimit:  cfg.Dispatch.RetryLimit,
		Concurrency: cfg.Dispatch.Concurrency,
		StaleAfter:  cfg.Dispatch.StaleAfter,
	}
}

func registerMetrics() error {
	return RegisterMetrics(prometheus.DefaultRegisterer)
}

func migrate(lc fx.Lifecycle, db *gorm.DB, cfg *config.Config) {
	if !cfg.Dispatch.AutoMigrate {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			zap.L().Info("[Dispatch] running auto migration")
			return db.WithContext(ctx).AutoMigrate(Models()...)
		},
	})
}

func registerRoutes(r *gin.Engine, svc *Service) {
	RegisterRoutes(r, svc)
}

func registerTaskHandlers(mux *asynq.ServeMux, h *TaskHandlers) {
	h.Register(mux)
}
