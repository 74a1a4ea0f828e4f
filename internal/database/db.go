package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"pafer-trading-engine/config"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects to PostgreSQL and applies migrations.
func New(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	db := &DB{Pool: pool, logger: logger}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	logger.Info().Str("database", cfg.Database).Msg("database connected")
	return db, nil
}

// Close releases the pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// HealthCheck pings the database.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// migrate creates the schema if it does not exist yet.
func (db *DB) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS trade_attempts (
			id UUID PRIMARY KEY,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			params_id UUID NOT NULL,
			phase TEXT NOT NULL,
			entry_price DOUBLE PRECISION,
			exit_price DOUBLE PRECISION,
			stop_loss DOUBLE PRECISION NOT NULL,
			take_profit DOUBLE PRECISION NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			leverage DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			fees DOUBLE PRECISION NOT NULL DEFAULT 0,
			close_reason TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_attempts_started_at ON trade_attempts(started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_attempts_phase ON trade_attempts(phase)`,

		`CREATE TABLE IF NOT EXISTS trade_events (
			id BIGSERIAL PRIMARY KEY,
			attempt_id UUID NOT NULL,
			from_phase TEXT NOT NULL,
			to_phase TEXT NOT NULL,
			reason TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_events_attempt ON trade_events(attempt_id)`,

		`CREATE TABLE IF NOT EXISTS parameter_sets (
			id UUID PRIMARY KEY,
			provenance TEXT NOT NULL,
			fitness DOUBLE PRECISION NOT NULL DEFAULT 0,
			payload JSONB NOT NULL,
			active BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_parameter_sets_active ON parameter_sets(active)`,

		`CREATE TABLE IF NOT EXISTS optimizer_runs (
			id UUID PRIMARY KEY,
			candidate_id UUID NOT NULL,
			provenance TEXT NOT NULL,
			train_fitness DOUBLE PRECISION NOT NULL,
			holdout_fitness DOUBLE PRECISION NOT NULL,
			active_fitness DOUBLE PRECISION NOT NULL,
			promoted BOOLEAN NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS candles (
			symbol TEXT NOT NULL,
			interval TEXT NOT NULL,
			open_time TIMESTAMPTZ NOT NULL,
			close_time TIMESTAMPTZ NOT NULL,
			open DOUBLE PRECISION NOT NULL,
			high DOUBLE PRECISION NOT NULL,
			low DOUBLE PRECISION NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (symbol, interval, open_time)
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}
