package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresConfig configures the PostgreSQL connection pool.
type PostgresConfig struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPostgresConfig returns pool settings suitable for a single engine
// process.
func DefaultPostgresConfig(url string) PostgresConfig {
	return PostgresConfig{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func (c PostgresConfig) Validate() error {
	if c.URL == "" {
		return errors.New("postgres url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("postgres ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("postgres max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("postgres max idle conns must be between 0 and max open conns")
	}
	return nil
}

// PostgresStore is a PostgreSQL implementation of Store using the pgx driver.
type PostgresStore struct {
	*sqlStore
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a pool, pings it and creates the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	inner, err := newSQLStore(ctx, db, postgresDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{sqlStore: inner}, nil
}

var postgresDialect = dialect{
	name:         "postgres",
	numbered:     true,
	falseLiteral: "FALSE",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS skill_chains (
			id TEXT PRIMARY KEY,
			chain_key TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			organization_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			max_total_failures INTEGER NOT NULL DEFAULT 0,
			published BOOLEAN NOT NULL DEFAULT FALSE,
			published_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS skill_chain_links (
			id TEXT NOT NULL,
			chain_id TEXT NOT NULL REFERENCES skill_chains(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL,
			skill_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			max_retries INTEGER NOT NULL DEFAULT 0,
			on_success TEXT NOT NULL,
			on_success_target TEXT NOT NULL DEFAULT '',
			on_failure TEXT NOT NULL,
			on_failure_target TEXT NOT NULL DEFAULT '',
			config TEXT,
			PRIMARY KEY (chain_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS skill_chain_executions (
			id TEXT PRIMARY KEY,
			chain_id TEXT NOT NULL REFERENCES skill_chains(id),
			ticket_id TEXT NOT NULL DEFAULT '',
			ticket_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_link_id TEXT NOT NULL DEFAULT '',
			current_attempt INTEGER NOT NULL DEFAULT 0,
			total_failure_count INTEGER NOT NULL DEFAULT 0,
			requires_intervention BOOLEAN NOT NULL DEFAULT FALSE,
			intervention_reason TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			input_values TEXT,
			context TEXT,
			started_at TEXT NOT NULL,
			started_by TEXT NOT NULL DEFAULT '',
			completed_at TEXT,
			completed_by TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			session TEXT,
			version BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS skill_chain_link_executions (
			seq BIGSERIAL PRIMARY KEY,
			record_id TEXT NOT NULL UNIQUE,
			execution_id TEXT NOT NULL REFERENCES skill_chain_executions(id),
			link_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error_details TEXT NOT NULL DEFAULT '',
			transition_taken TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			completed_at TEXT,
			executed_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_link_executions_execution ON skill_chain_link_executions(execution_id)`,
		`CREATE TABLE IF NOT EXISTS skill_chain_interventions (
			seq BIGSERIAL PRIMARY KEY,
			record_id TEXT NOT NULL UNIQUE,
			execution_id TEXT NOT NULL REFERENCES skill_chain_executions(id),
			link_id TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			resolution TEXT NOT NULL DEFAULT '',
			next_action TEXT NOT NULL,
			target_link_id TEXT NOT NULL DEFAULT '',
			resolved_by TEXT NOT NULL DEFAULT '',
			resolved_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interventions_execution ON skill_chain_interventions(execution_id)`,
		`CREATE TABLE IF NOT EXISTS skill_chain_checkpoints (
			seq BIGSERIAL PRIMARY KEY,
			record_id TEXT NOT NULL UNIQUE,
			execution_id TEXT NOT NULL REFERENCES skill_chain_executions(id),
			link_id TEXT NOT NULL DEFAULT '',
			link_name TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL DEFAULT 0,
			phase TEXT NOT NULL,
			data TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_execution ON skill_chain_checkpoints(execution_id)`,
	},
}
