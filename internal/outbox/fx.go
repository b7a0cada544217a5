package outbox

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/taskledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("outbox",
	fx.Provide(
		newRedisClient,
		NewLocker,
		newRelayConfig,
		NewRelay,
	),
	fx.Invoke(runRelay),
)

// newRedisClient returns nil when no redis address is configured; the relay
// then runs without a leader lock, which is fine for a single replica.
func newRedisClient(cfg config.Config, lc fx.Lifecycle, log *zap.Logger) *redis.Client {
	if cfg.Redis.Addr == "" {
		log.Named("outbox").Info("redis not configured, relay leader lock disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

func newRelayConfig(cfg config.Config) Config {
	return Config{
		Interval:  time.Duration(cfg.Relay.IntervalSeconds) * time.Second,
		BatchSize: cfg.Relay.BatchSize,
		LockTTL:   time.Duration(cfg.Relay.LockTTLSeconds) * time.Second,
	}
}

func runRelay(lc fx.Lifecycle, relay *Relay) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				relay.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
