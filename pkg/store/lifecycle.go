package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/cordkit/cord/pkg/node"
)

// legalTransition is the closed set of status moves Transition accepts.
// Completion is excluded here: results are written through Complete only.
func legalTransition(from, to node.Status) bool {
	switch from {
	case node.StatusPending:
		return to == node.StatusActive || to == node.StatusCancelled || to == node.StatusFailed
	case node.StatusActive:
		return to == node.StatusFailed || to == node.StatusCancelled || to == node.StatusPaused
	case node.StatusPaused:
		return to == node.StatusPending || to == node.StatusCancelled
	default:
		return false
	}
}

// Transition moves a node from one status to another with compare-and-set
// semantics. A lost race returns ErrConflict; an illegal move returns
// ErrInvalidStatus.
func (s *Store) Transition(ctx context.Context, id int64, from, to node.Status) (*node.Node, error) {
	if !from.IsValid() || !to.IsValid() {
		return nil, fmt.Errorf("invalid status %q -> %q", from, to)
	}
	if to == node.StatusComplete {
		return nil, fmt.Errorf("completion must go through Complete")
	}
	if !legalTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", node.ErrInvalidStatus, from, to)
	}

	var out *node.Node
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		tick, err := s.bumpClock(ctx, tx)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE nodes SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
			to, tick, id, from)
		if err != nil {
			return fmt.Errorf("transition %d: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition %d: %w", id, err)
		}
		if affected == 0 {
			current, err := s.getNode(ctx, tx, id)
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: %s is %s, expected %s",
				node.ErrConflict, node.FormatID(id), current.Status, from)
		}
		out, err = s.getNode(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Complete records a result for an active node.
//
// A parent that created children and has not run its synthesis phase yet
// does not complete here: its result is staged as interim and the node
// stays active so it keeps supervising the children. Everything else
// transitions active -> complete; the result is written exactly once and
// never changes afterwards.
func (s *Store) Complete(ctx context.Context, id int64, result string) (CompleteOutcome, *node.Node, error) {
	var (
		outcome CompleteOutcome
		out     *node.Node
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		tick, err := s.bumpClock(ctx, tx)
		if err != nil {
			return err
		}
		n, err := s.lockNode(ctx, tx, id)
		if err != nil {
			return err
		}
		if n.Status != node.StatusActive {
			return fmt.Errorf("%w: %s is %s, complete requires active",
				node.ErrInvalidStatus, node.FormatID(id), n.Status)
		}

		var children int
		err = tx.QueryRowContext(ctx, s.dialect.Rebind(
			`SELECT COUNT(*) FROM nodes WHERE parent_id = ?`), id).Scan(&children)
		if err != nil {
			return fmt.Errorf("count children of %d: %w", id, err)
		}

		var res sql.Result
		if children > 0 && !n.Synthesized {
			outcome = OutcomeStaged
			res, err = tx.ExecContext(ctx, s.dialect.Rebind(`
				UPDATE nodes SET interim_result = ?, updated_at = ?
				WHERE id = ? AND status = ?`),
				result, tick, id, node.StatusActive)
		} else {
			outcome = OutcomeCompleted
			res, err = tx.ExecContext(ctx, s.dialect.Rebind(`
				UPDATE nodes SET status = ?, result = ?, updated_at = ?
				WHERE id = ? AND status = ?`),
				node.StatusComplete, result, tick, id, node.StatusActive)
		}
		if err != nil {
			return fmt.Errorf("complete %d: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("complete %d: %w", id, err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s changed concurrently", node.ErrConflict, node.FormatID(id))
		}
		out, err = s.getNode(ctx, tx, id)
		return err
	})
	if err != nil {
		return "", nil, err
	}
	return outcome, out, nil
}

// BeginSynthesis flips an active parent back to pending for its synthesis
// relaunch and sets the monotonic synthesized flag. The all-children-terminal
// condition is re-checked inside the transaction.
func (s *Store) BeginSynthesis(ctx context.Context, id int64) (*node.Node, error) {
	var out *node.Node
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		tick, err := s.bumpClock(ctx, tx)
		if err != nil {
			return err
		}
		n, err := s.lockNode(ctx, tx, id)
		if err != nil {
			return err
		}
		if n.Status != node.StatusActive {
			return fmt.Errorf("%w: %s is %s, synthesis requires active",
				node.ErrInvalidStatus, node.FormatID(id), n.Status)
		}
		if n.Synthesized {
			return fmt.Errorf("%w: %s already synthesized",
				node.ErrInvalidStatus, node.FormatID(id))
		}

		var children, live int
		err = tx.QueryRowContext(ctx, s.dialect.Rebind(`
			SELECT COUNT(*),
			       COUNT(CASE WHEN status NOT IN (?, ?, ?) THEN 1 END)
			FROM nodes WHERE parent_id = ?`),
			node.StatusComplete, node.StatusCancelled, node.StatusFailed, id).
			Scan(&children, &live)
		if err != nil {
			return fmt.Errorf("count children of %d: %w", id, err)
		}
		if children == 0 {
			return fmt.Errorf("%w: %s has no children to synthesize",
				node.ErrInvalidStatus, node.FormatID(id))
		}
		if live > 0 {
			return fmt.Errorf("%w: %s still has non-terminal children",
				node.ErrInvalidStatus, node.FormatID(id))
		}

		res, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE nodes SET status = ?, synthesized = ?, updated_at = ?
			WHERE id = ? AND status = ? AND synthesized = ?`),
			node.StatusPending, true, tick, id, node.StatusActive, false)
		if err != nil {
			return fmt.Errorf("begin synthesis %d: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("begin synthesis %d: %w", id, err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s changed concurrently", node.ErrConflict, node.FormatID(id))
		}
		out, err = s.getNode(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelSubtree cancels the target and every non-terminal descendant in a
// single transaction and returns the ids that were active, so the caller
// can signal their processes. Calling it on an already-terminal target is
// a no-op.
func (s *Store) CancelSubtree(ctx context.Context, id int64) ([]int64, error) {
	var wasActive []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		tick, err := s.bumpClock(ctx, tx)
		if err != nil {
			return err
		}
		n, err := s.lockNode(ctx, tx, id)
		if err != nil {
			return err
		}
		if n.Status.IsTerminal() {
			return nil
		}

		ids, err := s.subtreeIDs(ctx, tx, id)
		if err != nil {
			return err
		}

		args := make([]any, 0, len(ids)+1)
		args = append(args, node.StatusActive)
		for _, nid := range ids {
			args = append(args, nid)
		}
		rows, err := tx.QueryContext(ctx, s.dialect.Rebind(
			`SELECT id FROM nodes WHERE status = ? AND id IN (`+placeholders(len(ids))+`) ORDER BY id`),
			args...)
		if err != nil {
			return fmt.Errorf("find active descendants of %d: %w", id, err)
		}
		defer rows.Close()
		for rows.Next() {
			var nid int64
			if err := rows.Scan(&nid); err != nil {
				return fmt.Errorf("scan active descendant: %w", err)
			}
			wasActive = append(wasActive, nid)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		args = make([]any, 0, len(ids)+5)
		args = append(args, node.StatusCancelled, tick,
			node.StatusComplete, node.StatusCancelled, node.StatusFailed)
		for _, nid := range ids {
			args = append(args, nid)
		}
		_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE nodes SET status = ?, updated_at = ?
			WHERE status NOT IN (?, ?, ?) AND id IN (`+placeholders(len(ids))+`)`),
			args...)
		if err != nil {
			return fmt.Errorf("cancel subtree of %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wasActive, nil
}

// Modify updates goal and/or prompt on a pending or paused node.
func (s *Store) Modify(ctx context.Context, in ModifyInput) (*node.Node, error) {
	if in.Goal == nil && in.Prompt == nil {
		return s.Get(ctx, in.ID)
	}

	var out *node.Node
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		tick, err := s.bumpClock(ctx, tx)
		if err != nil {
			return err
		}
		n, err := s.lockNode(ctx, tx, in.ID)
		if err != nil {
			return err
		}
		if n.Status != node.StatusPending && n.Status != node.StatusPaused {
			return fmt.Errorf("%w: %s is %s, modify requires pending or paused",
				node.ErrInvalidStatus, node.FormatID(in.ID), n.Status)
		}

		sets := []string{"updated_at = ?"}
		args := []any{tick}
		if in.Goal != nil {
			sets = append(sets, "goal = ?")
			args = append(args, *in.Goal)
		}
		if in.Prompt != nil {
			sets = append(sets, "prompt = ?")
			args = append(args, *in.Prompt)
		}
		args = append(args, in.ID, n.Status)

		res, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE nodes SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`),
			args...)
		if err != nil {
			return fmt.Errorf("modify %d: %w", in.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("modify %d: %w", in.ID, err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s changed concurrently", node.ErrConflict, node.FormatID(in.ID))
		}
		out, err = s.getNode(ctx, tx, in.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// lockNode reads a node row, locking it on PostgreSQL so lifecycle checks
// and their follow-up writes are race-free. SQLite serializes through its
// single connection.
func (s *Store) lockNode(ctx context.Context, tx *sql.Tx, id int64) (*node.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = ?`
	if s.dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}
	n, err := scanNode(tx.QueryRowContext(ctx, s.dialect.Rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", node.ErrNotFound, node.FormatID(id))
	}
	if err != nil {
		return nil, fmt.Errorf("lock node %d: %w", id, err)
	}
	return n, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
