// Package store persists the coordination tree and implements every tree
// mutation as a single transaction against SQLite or PostgreSQL.
//
// All timestamps are logical ticks from a one-row clock relation that is
// bumped inside each mutating transaction, so orderings are stable across
// backends and in tests.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cordkit/cord/pkg/node"
)

// Store provides transactional access to the coordination tree.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// DB returns the underlying database connection for health checks and
// direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect the store was opened with.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRootInput holds the parameters for seeding the goal root.
type CreateRootInput struct {
	Goal    string
	Prompt  string
	Returns node.ReturnType
}

// CreateChildInput holds the parameters for creating a node under a parent.
// Needs references are validated against the parent's subtree; a prior
// sibling of the new node satisfies that by construction.
type CreateChildInput struct {
	ParentID  int64
	Kind      node.Kind
	Goal      string
	Prompt    string
	Returns   node.ReturnType
	AskTarget node.AskTarget
	Needs     []int64
}

// ModifyInput holds the parameters for modifying a pending or paused node.
// Nil fields are left unchanged.
type ModifyInput struct {
	ID     int64
	Goal   *string
	Prompt *string
}

// CompleteOutcome reports what Complete did with the submitted result.
type CompleteOutcome string

const (
	// OutcomeCompleted means the node transitioned to complete and the
	// result was written.
	OutcomeCompleted CompleteOutcome = "completed"
	// OutcomeStaged means the node is a parent that has not synthesized
	// yet: the result was staged as interim and the node stays active.
	OutcomeStaged CompleteOutcome = "staged"
)

// withTx runs fn inside a transaction, committing on nil and rolling back
// on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// bumpClock advances the logical clock and returns the new tick. Called
// once per mutating transaction.
func (s *Store) bumpClock(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`UPDATE clock SET tick = tick + 1 WHERE id = 1`)); err != nil {
		return 0, fmt.Errorf("advance clock: %w", err)
	}
	var tick int64
	if err := tx.QueryRowContext(ctx, s.dialect.Rebind(`SELECT tick FROM clock WHERE id = 1`)).Scan(&tick); err != nil {
		return 0, fmt.Errorf("read clock: %w", err)
	}
	return tick, nil
}

// Tick returns the current logical clock value without advancing it.
func (s *Store) Tick(ctx context.Context) (int64, error) {
	var tick int64
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT tick FROM clock WHERE id = 1`)).Scan(&tick)
	if err != nil {
		return 0, fmt.Errorf("read clock: %w", err)
	}
	return tick, nil
}

const nodeColumns = `id, kind, parent_id, ordinal, goal, prompt, return_type, status,
	result, interim_result, synthesized, ask_target, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanNode reads one node row. Needs edges are attached by the callers that
// promise them.
func scanNode(row rowScanner) (*node.Node, error) {
	var (
		n             node.Node
		parentID      sql.NullInt64
		result        sql.NullString
		interimResult sql.NullString
		askTarget     sql.NullString
	)
	err := row.Scan(
		&n.ID, &n.Kind, &parentID, &n.Ordinal, &n.Goal, &n.Prompt, &n.Returns,
		&n.Status, &result, &interimResult, &n.Synthesized, &askTarget,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.ParentID = parentID.Int64
	n.Result = result.String
	n.InterimResult = interimResult.String
	n.AskTarget = node.AskTarget(askTarget.String)
	return &n, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
