package conn

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paygate-io/paygate/infra/config"
	"github.com/paygate-io/paygate/infra/logger"
)

// ConnectRedis opens the shared Redis client used for idempotency leases,
// circuit-breaker state, webhook rate limits, and the status cache.
func ConnectRedis(ctx context.Context, cfg *config.AppConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     10,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis connected", logger.LogContext{
		Fields: map[string]any{"addr": cfg.RedisAddr},
	})
	return client, nil
}
