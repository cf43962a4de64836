package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"license-server/config"
	"license-server/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

// DSN builds the libpq connection string for cfg.
func (cfg Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// Configure connection pool
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 && cfg.MinConns <= poolConfig.MaxConns {
		poolConfig.MinConns = cfg.MinConns
	}

	db, err := connect(poolConfig)
	if err != nil {
		return nil, err
	}
	logging.DatabaseContext("connect", "").Info("connected to PostgreSQL", "database", cfg.Database)
	return db, nil
}

// NewDBFromURL connects using a postgres:// URL or DSN string.
func NewDBFromURL(url string) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}
	return connect(poolConfig)
}

// Open connects using the application database settings. URL wins over
// the discrete fields.
func Open(cfg config.DatabaseConfig) (*DB, error) {
	if cfg.URL != "" {
		return NewDBFromURL(cfg.URL)
	}
	return NewDB(Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Name,
		SSLMode:  cfg.SSLMode,
		MaxConns: int32(cfg.MaxConns),
		MinConns: int32(cfg.MinConns),
	})
}

func connect(poolConfig *pgxpool.Config) (*DB, error) {
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

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		logging.DatabaseContext("close", "").Info("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log := logging.DatabaseContext("migrate", "")
	log.Info("running database migrations")

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Info("database migrations completed", "count", len(migrations))
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS licenses (
		id UUID PRIMARY KEY,
		license_key VARCHAR(32) UNIQUE NOT NULL,
		user_id VARCHAR(128) NOT NULL,
		license_type VARCHAR(32) NOT NULL DEFAULT 'standard',
		status VARCHAR(16) NOT NULL DEFAULT 'active'
			CHECK (status IN ('active', 'expired', 'revoked')),
		hours_purchased DOUBLE PRECISION NOT NULL CHECK (hours_purchased >= 0),
		hours_remaining DOUBLE PRECISION NOT NULL
			CHECK (hours_remaining >= 0 AND hours_remaining <= hours_purchased),
		max_activations INTEGER NOT NULL DEFAULT 1,
		linked_system_id VARCHAR(255),
		purchase_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_validated_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_licenses_user ON licenses(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses(status)`,

	`CREATE TABLE IF NOT EXISTS license_transactions (
		id UUID PRIMARY KEY,
		user_id VARCHAR(128) NOT NULL,
		license_id UUID NOT NULL REFERENCES licenses(id),
		payment_gateway VARCHAR(32) NOT NULL,
		gateway_transaction_id VARCHAR(255) NOT NULL,
		amount NUMERIC(12, 2) NOT NULL DEFAULT 0,
		currency VARCHAR(8) NOT NULL DEFAULT 'USD',
		status VARCHAR(32) NOT NULL DEFAULT 'completed',
		customer_email VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (payment_gateway, gateway_transaction_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_license_transactions_user ON license_transactions(user_id)`,

	`CREATE TABLE IF NOT EXISTS license_usage_events (
		id UUID PRIMARY KEY,
		license_id UUID NOT NULL REFERENCES licenses(id),
		system_id VARCHAR(255),
		tracked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		minutes_used DOUBLE PRECISION NOT NULL CHECK (minutes_used > 0)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_license_usage_events_license ON license_usage_events(license_id, tracked_at DESC)`,

	`CREATE TABLE IF NOT EXISTS activated_devices (
		id UUID PRIMARY KEY,
		license_id UUID NOT NULL REFERENCES licenses(id),
		device_id VARCHAR(255) NOT NULL,
		activated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (license_id, device_id)
	)`,

	`CREATE TABLE IF NOT EXISTS trials (
		id UUID PRIMARY KEY,
		system_id VARCHAR(255) UNIQUE NOT NULL,
		user_id VARCHAR(128),
		status VARCHAR(16) NOT NULL DEFAULT 'active'
			CHECK (status IN ('active', 'expired')),
		start_time TIMESTAMPTZ NOT NULL,
		duration_seconds BIGINT NOT NULL,
		expiry_time TIMESTAMPTZ NOT NULL,
		total_usage_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
		sessions_count INTEGER NOT NULL DEFAULT 0,
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}
