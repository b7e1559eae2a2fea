// Package store persists skill-chain definitions, execution instances, the
// append-only attempt audit trail and execution checkpoints.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ftrueblood1015/skillchain/chain/model"
)

// ErrNotFound is returned when a requested chain, execution or record does
// not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by CommitTransition when the stored execution
// version no longer matches the expected version.
var ErrConflict = errors.New("version conflict")

// ErrClosed is returned by every operation on a closed store.
var ErrClosed = errors.New("store is closed")

// ErrPublished is returned when a draft write targets a published chain.
var ErrPublished = errors.New("chain is published")

// ChainStore persists chain definitions.
type ChainStore interface {
	// SaveChain creates or replaces an unpublished chain and its links.
	// Returns ErrPublished if the stored chain is already published.
	SaveChain(ctx context.Context, chain *model.SkillChain) error

	// GetChain loads a chain with its links ordered by position.
	GetChain(ctx context.Context, chainID string) (*model.SkillChain, error)

	// MarkPublished flips the publication flag. Publishing is one-way.
	MarkPublished(ctx context.Context, chainID string, at time.Time) error
}

// Transition is one atomic change to an execution: the new execution row
// plus the audit records produced by the same operation.
type Transition struct {
	// Execution is the full new state. Its Version is ignored on input and
	// set to ExpectedVersion+1 on success.
	Execution *model.Execution

	// ExpectedVersion must equal the stored version for the commit to apply.
	ExpectedVersion int64

	// Attempt is appended to the attempt log when non-nil.
	Attempt *model.LinkExecution

	// Intervention is appended to the intervention log when non-nil.
	Intervention *model.InterventionRecord
}

// ExecutionStore persists execution instances and their audit trail.
type ExecutionStore interface {
	// CreateExecution inserts a new execution at Version 1.
	CreateExecution(ctx context.Context, exec *model.Execution) error

	// GetExecution loads the current execution row.
	GetExecution(ctx context.Context, executionID string) (*model.Execution, error)

	// CommitTransition applies t atomically using optimistic concurrency.
	// Returns ErrConflict when the stored version differs from
	// t.ExpectedVersion and ErrNotFound when the execution does not exist.
	// On conflict nothing is written.
	CommitTransition(ctx context.Context, t Transition) error

	// ListLinkExecutions returns the attempts of an execution in the order
	// they were recorded.
	ListLinkExecutions(ctx context.Context, executionID string) ([]model.LinkExecution, error)

	// ListInterventions returns the operator resolutions of an execution in
	// the order they were recorded.
	ListInterventions(ctx context.Context, executionID string) ([]model.InterventionRecord, error)
}

// CheckpointStore persists derived execution checkpoints.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *model.ExecutionCheckpoint) error
	ListCheckpoints(ctx context.Context, executionID string) ([]model.ExecutionCheckpoint, error)
}

// Store is the full persistence surface used by the engine.
//
// Implementations:
//   - MemStore: process-local maps, for tests and single-process use
//   - SQLiteStore: single-file database via modernc.org/sqlite
//   - MySQLStore: MySQL/MariaDB via go-sql-driver/mysql
//   - PostgresStore: PostgreSQL via pgx
type Store interface {
	ChainStore
	ExecutionStore
	CheckpointStore

	// Close releases resources. Calling Close more than once is a no-op.
	Close() error
}
