package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps chains, executions and the audit trail in a single-file database.
// Designed for:
//   - Development and testing with zero setup
//   - Single-process engines that must survive restarts
//
// Features:
//   - Auto-migration on first use
//   - WAL mode for concurrent reads
//   - Every transition committed in one transaction
type SQLiteStore struct {
	*sqlStore
	path string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" for
// a throwaway database.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./skillchain.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	inner, err := newSQLStore(ctx, db, sqliteDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: inner, path: path}, nil
}

// Path returns the database location the store was opened with.
func (s *SQLiteStore) Path() string { return s.path }

var sqliteDialect = dialect{
	name:         "sqlite",
	falseLiteral: "0",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS skill_chains (
			id TEXT PRIMARY KEY,
			chain_key TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			organization_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			max_total_failures INTEGER NOT NULL DEFAULT 0,
			published INTEGER NOT NULL DEFAULT 0,
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
			requires_intervention INTEGER NOT NULL DEFAULT 0,
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
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS skill_chain_link_executions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
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
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
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
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
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
