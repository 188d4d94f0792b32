package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/config"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
)

// NewPool creates the report database connection pool.
func NewPool(ctx context.Context, cfg config.ReportsConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("Failed to parse report database DSN", "error", err)
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.PoolMaxConns)
	poolConfig.MinConns = int32(cfg.PoolMinConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "insights-agent"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("Failed to create report database pool",
			"host", poolConfig.ConnConfig.Host,
			"port", poolConfig.ConnConfig.Port,
			"error", err,
		)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var version string
	if err := pool.QueryRow(pingCtx, "SELECT version()").Scan(&version); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connection validation failed: %w", err)
	}

	logger.Info("Report database pool created",
		"host", poolConfig.ConnConfig.Host,
		"database", poolConfig.ConnConfig.Database,
		"max_conns", cfg.PoolMaxConns,
	)
	return pool, nil
}
