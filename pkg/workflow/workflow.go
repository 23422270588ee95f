package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"effect-dispatch/pkg/config"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var ProvideClient = fx.Module("temporal",
	fx.Provide(NewClient),
	fx.Invoke(Close),
)

// DefaultSignal is sent when an effect rule does not name one.
const DefaultSignal = "effect"

const dialAttempts = 3

// NewClient dials Temporal. Without TEMPORAL.ADDR it returns a nil client and
// workflow effects stay unregistered.
func NewClient(cfg *config.Config) (client.Client, error) {
	if cfg.Temporal.Addr == "" {
		zap.L().Info("[Temporal] address not set, workflow effects disabled")
		return nil, nil
	}

	clientOptions := client.Options{
		HostPort:  cfg.Temporal.Addr,
		Namespace: cfg.Temporal.Namespace,
		ConnectionOptions: client.ConnectionOptions{
			KeepAliveTime:    30 * time.Second,
			KeepAliveTimeout: 30 * time.Second,
			DialOptions: []grpc.DialOption{
				grpc.WithTransportCredentials(
					insecure.NewCredentials(),
				),
			},
		},
		Logger: log.With(
			slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: slog.LevelInfo,
			})),
			"service", cfg.AppName,
		),
	}

	var (
		c   client.Client
		err error
	)
	for i := 1; i <= dialAttempts; i++ {
		c, err = client.Dial(clientOptions)
		if err == nil {
			break
		}
		zap.L().Warn("[Temporal] retrying client connection", zap.Int("attempt", i), zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("connect temporal %s after %d attempts: %w", cfg.Temporal.Addr, dialAttempts, err)
	}

	zap.L().Info("[Temporal] connected", zap.String("addr", cfg.Temporal.Addr), zap.String("namespace", cfg.Temporal.Namespace))
	return c, nil
}

func Close(lc fx.Lifecycle, c client.Client) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if c != nil {
				c.Close()
			}
			return nil
		},
	})
}
