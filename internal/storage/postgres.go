package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/lorawan-server/lorawan-network-server/internal/config"
)

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx

	queryTimeout time.Duration
	sessionTTL   time.Duration
}

// NewPostgresStore creates a new PostgreSQL store. Sessions and pending MAC
// commands expire after sessionTTL.
func NewPostgresStore(cfg config.DatabaseConfig, sessionTTL time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &PostgresStore{db: db, queryTimeout: cfg.QueryTimeout, sessionTTL: sessionTTL}

	ctx, cancel := s.withTimeout(context.Background())
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *PostgresStore) BeginTx(ctx context.Context) (*PostgresStore, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: s.db, tx: tx, queryTimeout: s.queryTimeout, sessionTTL: s.sessionTTL}, nil
}

// Commit commits the transaction
func (s *PostgresStore) Commit() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Commit()
}

// Rollback rolls back the transaction
func (s *PostgresStore) Rollback() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Rollback()
}

// Migrate creates the schema when it does not exist yet
func (s *PostgresStore) Migrate(ctx context.Context) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	for i, stmt := range schema {
		if _, err := tx.getDB().ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration statement %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// getDB returns tx if in transaction, otherwise db
func (s *PostgresStore) getDB() interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// withTimeout bounds a query by the configured query timeout
func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// exec runs a statement and maps zero affected rows to ErrNotFound
func (s *PostgresStore) exec(ctx context.Context, query string, args ...interface{}) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.getDB().ExecContext(ctx, query, args...)
	if err != nil {
		return handlePSQLError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// handlePSQLError maps driver errors to the store errors
func handlePSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateKey
	}
	return err
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		name VARCHAR(100) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		private_gateways_up BOOLEAN NOT NULL DEFAULT FALSE,
		private_gateways_down BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		email VARCHAR(255) NOT NULL UNIQUE,
		password_hash VARCHAR(200) NOT NULL,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		tenant_id UUID REFERENCES tenants ON DELETE CASCADE,
		last_login_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS applications (
		id UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		tenant_id UUID NOT NULL REFERENCES tenants ON DELETE CASCADE,
		name VARCHAR(100) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		variables JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS device_profiles (
		id UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		tenant_id UUID NOT NULL REFERENCES tenants ON DELETE CASCADE,
		name VARCHAR(100) NOT NULL,
		region VARCHAR(10) NOT NULL,
		mac_version VARCHAR(10) NOT NULL,
		reg_params_revision VARCHAR(20) NOT NULL DEFAULT '',
		supports_otaa BOOLEAN NOT NULL DEFAULT FALSE,
		supports_class_b BOOLEAN NOT NULL DEFAULT FALSE,
		supports_class_c BOOLEAN NOT NULL DEFAULT FALSE,
		class_c_timeout INTEGER NOT NULL DEFAULT 0,
		adr_algorithm_id VARCHAR(100) NOT NULL DEFAULT '',
		device_status_req_interval INTEGER NOT NULL DEFAULT 0,
		uplink_interval INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		dev_eui BYTEA PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		join_eui BYTEA NOT NULL,
		application_id UUID NOT NULL REFERENCES applications ON DELETE CASCADE,
		device_profile_id UUID NOT NULL REFERENCES device_profiles ON DELETE CASCADE,
		name VARCHAR(100) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_disabled BOOLEAN NOT NULL DEFAULT FALSE,
		skip_fcnt_check BOOLEAN NOT NULL DEFAULT FALSE,
		enabled_class CHAR(1) NOT NULL DEFAULT 'A',
		variables JSONB,
		tags JSONB,
		last_seen_at TIMESTAMPTZ,
		battery_level NUMERIC(5, 2),
		scheduler_run_after TIMESTAMPTZ
	)`,
	`ALTER TABLE devices ADD COLUMN IF NOT EXISTS scheduler_run_after TIMESTAMPTZ`,
	`CREATE TABLE IF NOT EXISTS device_keys (
		dev_eui BYTEA PRIMARY KEY REFERENCES devices ON DELETE CASCADE,
		nwk_key BYTEA NOT NULL,
		app_key BYTEA NOT NULL,
		join_nonce BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS device_dev_nonces (
		dev_eui BYTEA NOT NULL REFERENCES devices ON DELETE CASCADE,
		dev_nonce INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (dev_eui, dev_nonce)
	)`,
	`CREATE TABLE IF NOT EXISTS device_sessions (
		dev_eui BYTEA PRIMARY KEY REFERENCES devices ON DELETE CASCADE,
		dev_addr BYTEA NOT NULL,
		session JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_sessions_dev_addr ON device_sessions (dev_addr)`,
	`CREATE TABLE IF NOT EXISTS device_mac_command_pending (
		dev_eui BYTEA NOT NULL REFERENCES devices ON DELETE CASCADE,
		cid SMALLINT NOT NULL,
		payload BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (dev_eui, cid)
	)`,
	`CREATE TABLE IF NOT EXISTS device_queue_items (
		id UUID PRIMARY KEY,
		dev_eui BYTEA NOT NULL REFERENCES devices ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL,
		f_port SMALLINT NOT NULL,
		data BYTEA NOT NULL,
		confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		is_pending BOOLEAN NOT NULL DEFAULT FALSE,
		is_encrypted BOOLEAN NOT NULL DEFAULT FALSE,
		f_cnt_down BIGINT,
		timeout_after TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_queue_items_dev_eui ON device_queue_items (dev_eui, created_at)`,
	`CREATE TABLE IF NOT EXISTS device_locks (
		dev_eui BYTEA PRIMARY KEY,
		locked_until TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS device_gateway_rx_info (
		dev_eui BYTEA PRIMARY KEY REFERENCES devices ON DELETE CASCADE,
		rx_info JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS gateways (
		gateway_id BYTEA PRIMARY KEY,
		id UUID NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		tenant_id UUID NOT NULL REFERENCES tenants ON DELETE CASCADE,
		name VARCHAR(100) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		location JSONB,
		last_seen_at TIMESTAMPTZ,
		tags JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS event_logs (
		id UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		tenant_id UUID,
		application_id UUID,
		dev_eui BYTEA,
		gateway_id BYTEA,
		type VARCHAR(20) NOT NULL,
		level VARCHAR(10) NOT NULL,
		code VARCHAR(50) NOT NULL,
		description TEXT NOT NULL,
		details JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_logs_dev_eui ON event_logs (dev_eui, created_at)`,
	`CREATE TABLE IF NOT EXISTS uplink_frame_logs (
		id UUID PRIMARY KEY,
		dev_eui BYTEA,
		dev_addr BYTEA NOT NULL,
		m_type SMALLINT NOT NULL,
		phy_payload BYTEA NOT NULL,
		tx_info JSONB NOT NULL,
		rx_info JSONB NOT NULL,
		region_config_id VARCHAR(100) NOT NULL,
		mic_valid BOOLEAN NOT NULL,
		received_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_uplink_frame_logs_dev_addr ON uplink_frame_logs (dev_addr, received_at)`,
}
