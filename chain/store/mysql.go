package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Production deployments with several engine processes
//   - Shared persistence behind a connection pool
//
// The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/skillchain
//	user:password@tcp(127.0.0.1:3306)/skillchain?timeout=5s
//
// Concurrent engines are safe: every transition is an UPDATE guarded by the
// row version, so a stale writer matches zero rows and gets ErrConflict.
type MySQLStore struct {
	*sqlStore
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore connects, verifies the connection and creates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	inner, err := newSQLStore(ctx, db, mysqlDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore{sqlStore: inner}, nil
}

const mysqlTableOptions = ` ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`

var mysqlDialect = dialect{
	name:         "mysql",
	falseLiteral: "FALSE",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS skill_chains (
			id VARCHAR(255) PRIMARY KEY,
			chain_key VARCHAR(255) NOT NULL DEFAULT '',
			name VARCHAR(255) NOT NULL DEFAULT '',
			description TEXT NOT NULL,
			organization_id VARCHAR(255) NOT NULL DEFAULT '',
			project_id VARCHAR(255) NOT NULL DEFAULT '',
			max_total_failures INT NOT NULL DEFAULT 0,
			published BOOLEAN NOT NULL DEFAULT FALSE,
			published_at VARCHAR(40) NULL,
			created_at VARCHAR(40) NOT NULL,
			updated_at VARCHAR(40) NOT NULL
		)` + mysqlTableOptions,
		`CREATE TABLE IF NOT EXISTS skill_chain_links (
			id VARCHAR(255) NOT NULL,
			chain_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			description TEXT NOT NULL,
			position INT NOT NULL,
			skill_id VARCHAR(255) NOT NULL DEFAULT '',
			agent_id VARCHAR(255) NOT NULL DEFAULT '',
			max_retries INT NOT NULL DEFAULT 0,
			on_success VARCHAR(32) NOT NULL,
			on_success_target VARCHAR(255) NOT NULL DEFAULT '',
			on_failure VARCHAR(32) NOT NULL,
			on_failure_target VARCHAR(255) NOT NULL DEFAULT '',
			config JSON NULL,
			PRIMARY KEY (chain_id, id)
		)` + mysqlTableOptions,
		`CREATE TABLE IF NOT EXISTS skill_chain_executions (
			id VARCHAR(255) PRIMARY KEY,
			chain_id VARCHAR(255) NOT NULL,
			ticket_id VARCHAR(255) NOT NULL DEFAULT '',
			ticket_key VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			current_link_id VARCHAR(255) NOT NULL DEFAULT '',
			current_attempt INT NOT NULL DEFAULT 0,
			total_failure_count INT NOT NULL DEFAULT 0,
			requires_intervention BOOLEAN NOT NULL DEFAULT FALSE,
			intervention_reason TEXT NOT NULL,
			failure_reason TEXT NOT NULL,
			input_values JSON NULL,
			context JSON NULL,
			started_at VARCHAR(40) NOT NULL,
			started_by VARCHAR(255) NOT NULL DEFAULT '',
			completed_at VARCHAR(40) NULL,
			completed_by VARCHAR(255) NOT NULL DEFAULT '',
			updated_at VARCHAR(40) NOT NULL,
			session JSON NULL,
			version BIGINT NOT NULL,
			INDEX idx_executions_chain (chain_id)
		)` + mysqlTableOptions,
		`CREATE TABLE IF NOT EXISTS skill_chain_link_executions (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			record_id VARCHAR(255) NOT NULL UNIQUE,
			execution_id VARCHAR(255) NOT NULL,
			link_id VARCHAR(255) NOT NULL,
			attempt INT NOT NULL,
			outcome VARCHAR(32) NOT NULL,
			input JSON NULL,
			output JSON NULL,
			error_details TEXT NOT NULL,
			transition_taken VARCHAR(64) NOT NULL DEFAULT '',
			started_at VARCHAR(40) NOT NULL,
			completed_at VARCHAR(40) NULL,
			executed_by VARCHAR(255) NOT NULL DEFAULT '',
			INDEX idx_link_executions_execution (execution_id)
		)` + mysqlTableOptions,
		`CREATE TABLE IF NOT EXISTS skill_chain_interventions (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			record_id VARCHAR(255) NOT NULL UNIQUE,
			execution_id VARCHAR(255) NOT NULL,
			link_id VARCHAR(255) NOT NULL,
			reason TEXT NOT NULL,
			resolution TEXT NOT NULL,
			next_action VARCHAR(32) NOT NULL,
			target_link_id VARCHAR(255) NOT NULL DEFAULT '',
			resolved_by VARCHAR(255) NOT NULL DEFAULT '',
			resolved_at VARCHAR(40) NOT NULL,
			INDEX idx_interventions_execution (execution_id)
		)` + mysqlTableOptions,
		`CREATE TABLE IF NOT EXISTS skill_chain_checkpoints (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			record_id VARCHAR(255) NOT NULL UNIQUE,
			execution_id VARCHAR(255) NOT NULL,
			link_id VARCHAR(255) NOT NULL DEFAULT '',
			link_name VARCHAR(255) NOT NULL DEFAULT '',
			position INT NOT NULL DEFAULT 0,
			phase VARCHAR(64) NOT NULL,
			data JSON NULL,
			created_at VARCHAR(40) NOT NULL,
			INDEX idx_checkpoints_execution (execution_id)
		)` + mysqlTableOptions,
	},
}
