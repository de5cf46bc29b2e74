package conn

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paygate-io/paygate/infra/config"
	"github.com/paygate-io/paygate/infra/logger"
)

// ConnectPostgres opens the pgx pool for the durable store. The service
// cannot run without it, so connection attempts are retried a few times
// before giving up.
func ConnectPostgres(ctx context.Context, cfg *config.AppConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.DBMaxConns)
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 5 * time.Minute
	poolCfg.MaxConnIdleTime = 2 * time.Minute

	var pool *pgxpool.Pool
	for attempts := 1; attempts <= 5; attempts++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = pool.Ping(pingCtx)
			cancel()
			if err == nil {
				logger.Info("Database connected", logger.LogContext{
					Fields: map[string]any{"host": cfg.DBHost, "database": cfg.DBName},
				})
				return pool, nil
			}
			pool.Close()
		}

		logger.Warn("Database connection attempt failed", logger.LogContext{
			Fields: map[string]any{"attempt": attempts, "error": err.Error()},
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	return nil, fmt.Errorf("failed to connect to database after 5 attempts: %w", err)
}
