package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ftrueblood1015/skillchain/chain/model"
)

// dialect captures what differs between the SQL backends. Queries are
// written with "?" placeholders and rebound per dialect.
type dialect struct {
	name         string
	numbered     bool // "$1" placeholders instead of "?"
	schema       []string
	falseLiteral string
}

func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore is the database/sql implementation shared by the SQLite, MySQL and
// PostgreSQL stores. Timestamps are stored as RFC3339Nano UTC text and JSON
// payloads as text so that every dialect scans identically.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*sqlStore, error) {
	s := &sqlStore{db: db, dialect: d}
	if err := s.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *sqlStore) createTables(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *sqlStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *sqlStore) exec(ctx context.Context, q sqlExecer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SaveChain creates or replaces an unpublished chain and its links.
func (s *sqlStore) SaveChain(ctx context.Context, chain *model.SkillChain) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := chain.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	created := chain.CreatedAt
	if created.IsZero() {
		created = now
	}

	res, err := s.exec(ctx, tx, `
		UPDATE skill_chains
		SET chain_key = ?, name = ?, description = ?, organization_id = ?, project_id = ?,
			max_total_failures = ?, updated_at = ?
		WHERE id = ? AND published = `+s.dialect.falseLiteral,
		chain.Key, chain.Name, chain.Description, chain.Scope.OrganizationID, chain.Scope.ProjectID,
		chain.MaxTotalFailures, formatTime(now), chain.ID)
	if err != nil {
		return fmt.Errorf("failed to update chain: %w", err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}

	// MySQL reports zero affected rows for an update that changes nothing, so
	// a zero count only means "published or missing" after the lookup below.
	insert := false
	if updated == 0 {
		var published bool
		row := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT published FROM skill_chains WHERE id = ?`), chain.ID)
		switch scanErr := row.Scan(&published); {
		case errors.Is(scanErr, sql.ErrNoRows):
			insert = true
		case scanErr != nil:
			err = fmt.Errorf("failed to check chain: %w", scanErr)
			return err
		case published:
			err = ErrPublished
			return err
		}
	}

	if insert {
		_, err = s.exec(ctx, tx, `
			INSERT INTO skill_chains
			(id, chain_key, name, description, organization_id, project_id, max_total_failures, published, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, `+s.dialect.falseLiteral+`, ?, ?)`,
			chain.ID, chain.Key, chain.Name, chain.Description, chain.Scope.OrganizationID, chain.Scope.ProjectID,
			chain.MaxTotalFailures, formatTime(created), formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to insert chain: %w", err)
		}
	}

	if _, err = s.exec(ctx, tx, `DELETE FROM skill_chain_links WHERE chain_id = ?`, chain.ID); err != nil {
		return fmt.Errorf("failed to clear links: %w", err)
	}

	for _, l := range chain.Links {
		_, err = s.exec(ctx, tx, `
			INSERT INTO skill_chain_links
			(id, chain_id, name, description, position, skill_id, agent_id, max_retries,
			 on_success, on_success_target, on_failure, on_failure_target, config)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, chain.ID, l.Name, l.Description, l.Position, l.SkillID, l.AgentID, l.MaxRetries,
			l.OnSuccess.String(), l.OnSuccessTargetLinkID, l.OnFailure.String(), l.OnFailureTargetLinkID,
			nullJSON(l.Config))
		if err != nil {
			return fmt.Errorf("failed to insert link %s: %w", l.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetChain loads a chain and its links.
func (s *sqlStore) GetChain(ctx context.Context, chainID string) (*model.SkillChain, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		c                model.SkillChain
		created, updated string
		publishedAt      sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT id, chain_key, name, description, organization_id, project_id, max_total_failures,
			published, published_at, created_at, updated_at
		FROM skill_chains WHERE id = ?`), chainID).Scan(
		&c.ID, &c.Key, &c.Name, &c.Description, &c.Scope.OrganizationID, &c.Scope.ProjectID,
		&c.MaxTotalFailures, &c.Published, &publishedAt, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chain: %w", err)
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if c.PublishedAt, err = parseNullTime(publishedAt); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, name, description, position, skill_id, agent_id, max_retries,
			on_success, on_success_target, on_failure, on_failure_target, config
		FROM skill_chain_links WHERE chain_id = ? ORDER BY position ASC`), chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			l                 model.Link
			onSuccess, onFail string
			config            sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.Name, &l.Description, &l.Position, &l.SkillID, &l.AgentID, &l.MaxRetries,
			&onSuccess, &l.OnSuccessTargetLinkID, &onFail, &l.OnFailureTargetLinkID, &config); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		if err := l.OnSuccess.UnmarshalText([]byte(onSuccess)); err != nil {
			return nil, err
		}
		if err := l.OnFailure.UnmarshalText([]byte(onFail)); err != nil {
			return nil, err
		}
		if config.Valid {
			l.Config = []byte(config.String)
		}
		l.ChainID = c.ID
		c.Links = append(c.Links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating link rows: %w", err)
	}

	return &c, nil
}

// MarkPublished flips the publication flag.
func (s *sqlStore) MarkPublished(ctx context.Context, chainID string, at time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.exec(ctx, s.db, `
		UPDATE skill_chains SET published = ?, published_at = ?, updated_at = ?
		WHERE id = ? AND published = `+s.dialect.falseLiteral,
		true, formatTime(at), formatTime(at), chainID)
	if err != nil {
		return fmt.Errorf("failed to publish chain: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		var published bool
		err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT published FROM skill_chains WHERE id = ?`), chainID).Scan(&published)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check chain: %w", err)
		}
	}
	return nil
}

// CreateExecution inserts a new execution at version 1.
func (s *sqlStore) CreateExecution(ctx context.Context, exec *model.Execution) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	cols, err := executionColumns(exec)
	if err != nil {
		return err
	}

	var exists int
	err = s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT COUNT(*) FROM skill_chains WHERE id = ?`), exec.ChainID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check chain: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	_, err = s.exec(ctx, s.db, `
		INSERT INTO skill_chain_executions
		(id, chain_id, ticket_id, ticket_key, status, current_link_id, current_attempt, total_failure_count,
		 requires_intervention, intervention_reason, failure_reason, input_values, context,
		 started_at, started_by, completed_at, completed_by, updated_at, session, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		exec.ID, exec.ChainID, exec.TicketID, exec.TicketKey, cols.status, exec.CurrentLinkID,
		exec.CurrentAttempt, exec.TotalFailureCount, exec.RequiresHumanIntervention,
		exec.InterventionReason, exec.FailureReason, cols.inputs, cols.context,
		formatTime(exec.StartedAt), exec.StartedBy, cols.completedAt, exec.CompletedBy,
		formatTime(exec.UpdatedAt), cols.session)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	exec.Version = 1
	return nil
}

// GetExecution loads an execution by ID.
func (s *sqlStore) GetExecution(ctx context.Context, executionID string) (*model.Execution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.getExecution(ctx, s.db, executionID)
}

func (s *sqlStore) getExecution(ctx context.Context, q sqlExecer, executionID string) (*model.Execution, error) {
	var (
		e                                   model.Execution
		status, started, updated            string
		inputs, execCtx, session, completed sql.NullString
	)
	err := q.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT id, chain_id, ticket_id, ticket_key, status, current_link_id, current_attempt,
			total_failure_count, requires_intervention, intervention_reason, failure_reason,
			input_values, context, started_at, started_by, completed_at, completed_by,
			updated_at, session, version
		FROM skill_chain_executions WHERE id = ?`), executionID).Scan(
		&e.ID, &e.ChainID, &e.TicketID, &e.TicketKey, &status, &e.CurrentLinkID, &e.CurrentAttempt,
		&e.TotalFailureCount, &e.RequiresHumanIntervention, &e.InterventionReason, &e.FailureReason,
		&inputs, &execCtx, &started, &e.StartedBy, &completed, &e.CompletedBy,
		&updated, &session, &e.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}

	if err := e.Status.UnmarshalText([]byte(status)); err != nil {
		return nil, err
	}
	if e.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	if err := unmarshalNullJSON(inputs, &e.InputValues); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input values: %w", err)
	}
	if err := unmarshalNullJSON(execCtx, &e.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	if err := unmarshalNullJSON(session, &e.Session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session binding: %w", err)
	}
	return &e, nil
}

// CommitTransition applies a transition atomically with a version check.
func (s *sqlStore) CommitTransition(ctx context.Context, t Transition) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}

	exec := t.Execution
	cols, err := executionColumns(exec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := s.exec(ctx, tx, `
		UPDATE skill_chain_executions
		SET ticket_key = ?, status = ?, current_link_id = ?, current_attempt = ?, total_failure_count = ?,
			requires_intervention = ?, intervention_reason = ?, failure_reason = ?,
			input_values = ?, context = ?, completed_at = ?, completed_by = ?, updated_at = ?,
			session = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		exec.TicketKey, cols.status, exec.CurrentLinkID, exec.CurrentAttempt, exec.TotalFailureCount,
		exec.RequiresHumanIntervention, exec.InterventionReason, exec.FailureReason,
		cols.inputs, cols.context, cols.completedAt, exec.CompletedBy, formatTime(exec.UpdatedAt),
		cols.session, exec.ID, t.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		var count int
		if scanErr := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT COUNT(*) FROM skill_chain_executions WHERE id = ?`), exec.ID).Scan(&count); scanErr != nil {
			err = fmt.Errorf("failed to check execution: %w", scanErr)
			return err
		}
		if count == 0 {
			err = ErrNotFound
			return err
		}
		err = ErrConflict
		return err
	}

	if a := t.Attempt; a != nil {
		_, err = s.exec(ctx, tx, `
			INSERT INTO skill_chain_link_executions
			(record_id, execution_id, link_id, attempt, outcome, input, output, error_details,
			 transition_taken, started_at, completed_at, executed_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.ExecutionID, a.LinkID, a.Attempt, a.Outcome.String(), nullJSON(a.Input), nullJSON(a.Output),
			a.ErrorDetails, a.TransitionTaken, formatTime(a.StartedAt), formatNullTime(a.CompletedAt), a.ExecutedBy)
		if err != nil {
			return fmt.Errorf("failed to insert link execution: %w", err)
		}
	}

	if r := t.Intervention; r != nil {
		_, err = s.exec(ctx, tx, `
			INSERT INTO skill_chain_interventions
			(record_id, execution_id, link_id, reason, resolution, next_action, target_link_id, resolved_by, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.ExecutionID, r.LinkID, r.Reason, r.Resolution, r.NextAction.String(), r.TargetLinkID,
			r.ResolvedBy, formatTime(r.ResolvedAt))
		if err != nil {
			return fmt.Errorf("failed to insert intervention: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	exec.Version = t.ExpectedVersion + 1
	return nil
}

// ListLinkExecutions returns attempts in insertion order.
func (s *sqlStore) ListLinkExecutions(ctx context.Context, executionID string) ([]model.LinkExecution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.requireExecution(ctx, executionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT record_id, execution_id, link_id, attempt, outcome, input, output, error_details,
			transition_taken, started_at, completed_at, executed_by
		FROM skill_chain_link_executions WHERE execution_id = ? ORDER BY seq ASC`), executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query link executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.LinkExecution, 0)
	for rows.Next() {
		var (
			a                       model.LinkExecution
			outcome, started        string
			input, output, finished sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.ExecutionID, &a.LinkID, &a.Attempt, &outcome, &input, &output,
			&a.ErrorDetails, &a.TransitionTaken, &started, &finished, &a.ExecutedBy); err != nil {
			return nil, fmt.Errorf("failed to scan link execution: %w", err)
		}
		if err := a.Outcome.UnmarshalText([]byte(outcome)); err != nil {
			return nil, err
		}
		if a.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if a.CompletedAt, err = parseNullTime(finished); err != nil {
			return nil, err
		}
		if input.Valid {
			a.Input = []byte(input.String)
		}
		if output.Valid {
			a.Output = []byte(output.String)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating link execution rows: %w", err)
	}
	return out, nil
}

// ListInterventions returns operator resolutions in insertion order.
func (s *sqlStore) ListInterventions(ctx context.Context, executionID string) ([]model.InterventionRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.requireExecution(ctx, executionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT record_id, execution_id, link_id, reason, resolution, next_action, target_link_id,
			resolved_by, resolved_at
		FROM skill_chain_interventions WHERE execution_id = ? ORDER BY seq ASC`), executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query interventions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.InterventionRecord, 0)
	for rows.Next() {
		var (
			r                  model.InterventionRecord
			action, resolvedAt string
		)
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.LinkID, &r.Reason, &r.Resolution, &action,
			&r.TargetLinkID, &r.ResolvedBy, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan intervention: %w", err)
		}
		if err := r.NextAction.UnmarshalText([]byte(action)); err != nil {
			return nil, err
		}
		if r.ResolvedAt, err = parseTime(resolvedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating intervention rows: %w", err)
	}
	return out, nil
}

// SaveCheckpoint appends a checkpoint.
func (s *sqlStore) SaveCheckpoint(ctx context.Context, cp *model.ExecutionCheckpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.requireExecution(ctx, cp.ExecutionID); err != nil {
		return err
	}

	_, err := s.exec(ctx, s.db, `
		INSERT INTO skill_chain_checkpoints
		(record_id, execution_id, link_id, link_name, position, phase, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ExecutionID, cp.LinkID, cp.LinkName, cp.Position, cp.Phase, nullJSON(cp.Data),
		formatTime(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns checkpoints oldest first.
func (s *sqlStore) ListCheckpoints(ctx context.Context, executionID string) ([]model.ExecutionCheckpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.requireExecution(ctx, executionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT record_id, execution_id, link_id, link_name, position, phase, data, created_at
		FROM skill_chain_checkpoints WHERE execution_id = ? ORDER BY seq ASC`), executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.ExecutionCheckpoint, 0)
	for rows.Next() {
		var (
			cp      model.ExecutionCheckpoint
			data    sql.NullString
			created string
		)
		if err := rows.Scan(&cp.ID, &cp.ExecutionID, &cp.LinkID, &cp.LinkName, &cp.Position, &cp.Phase,
			&data, &created); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		if cp.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if data.Valid {
			cp.Data = []byte(data.String)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) requireExecution(ctx context.Context, executionID string) error {
	var count int
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT COUNT(*) FROM skill_chain_executions WHERE id = ?`), executionID).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check execution: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection. Double-close is a no-op.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type encodedExecution struct {
	status      string
	inputs      sql.NullString
	context     sql.NullString
	session     sql.NullString
	completedAt sql.NullString
}

func executionColumns(e *model.Execution) (encodedExecution, error) {
	var out encodedExecution
	status, err := e.Status.MarshalText()
	if err != nil {
		return out, err
	}
	out.status = string(status)
	if out.inputs, err = marshalNullJSON(e.InputValues); err != nil {
		return out, fmt.Errorf("failed to marshal input values: %w", err)
	}
	if out.context, err = marshalNullJSON(e.Context); err != nil {
		return out, fmt.Errorf("failed to marshal context: %w", err)
	}
	session, err := json.Marshal(e.Session)
	if err != nil {
		return out, fmt.Errorf("failed to marshal session binding: %w", err)
	}
	out.session = sql.NullString{String: string(session), Valid: true}
	out.completedAt = formatNullTime(e.CompletedAt)
	return out, nil
}

func marshalNullJSON(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalNullJSON(v sql.NullString, dst any) error {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(v.String), dst)
}

func nullJSON(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
