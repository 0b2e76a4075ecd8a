package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cordkit/cord/pkg/node"
)

// CreateRoot seeds the goal root. Exactly one root may exist per store.
func (s *Store) CreateRoot(ctx context.Context, in CreateRootInput) (*node.Node, error) {
	if in.Goal == "" {
		return nil, fmt.Errorf("root goal is required")
	}
	returns := in.Returns
	if returns == "" {
		returns = node.ReturnText
	}
	if !returns.IsValid() {
		return nil, fmt.Errorf("invalid return type %q", returns)
	}

	var created *node.Node
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		tick, err := s.bumpClock(ctx, tx)
		if err != nil {
			return err
		}

		var existing int
		row := tx.QueryRowContext(ctx, s.dialect.Rebind(`SELECT COUNT(*) FROM nodes WHERE parent_id IS NULL`))
		if err := row.Scan(&existing); err != nil {
			return fmt.Errorf("check existing root: %w", err)
		}
		if existing > 0 {
			return fmt.Errorf("%w: root node", node.ErrAlreadyExists)
		}

		id, err := s.insertNode(ctx, tx, insertNodeParams{
			kind:    node.KindGoal,
			ordinal: 0,
			goal:    in.Goal,
			prompt:  in.Prompt,
			returns: returns,
			tick:    tick,
		})
		if err != nil {
			return err
		}

		created, err = s.getNode(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CreateChild inserts a node at the next ordinal under ParentID and its
// dependency edges, atomically. Needs references must be strict descendants
// of the parent; a prior sibling satisfies this by construction. Children
// of a serial parent additionally receive an implicit edge onto the
// previous sibling.
func (s *Store) CreateChild(ctx context.Context, in CreateChildInput) (*node.Node, error) {
	if in.Goal == "" {
		return nil, fmt.Errorf("goal is required")
	}
	if !in.Kind.IsValid() || !in.Kind.CreatableByAgent() {
		return nil, fmt.Errorf("invalid child kind %q", in.Kind)
	}
	returns := in.Returns
	if returns == "" {
		returns = node.ReturnText
	}
	if !returns.IsValid() {
		return nil, fmt.Errorf("invalid return type %q", returns)
	}
	if in.Kind == node.KindAsk && !in.AskTarget.IsValid() {
		return nil, fmt.Errorf("invalid ask target %q", in.AskTarget)
	}

	var created *node.Node
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		tick, err := s.bumpClock(ctx, tx)
		if err != nil {
			return err
		}

		parent, err := s.getNode(ctx, tx, in.ParentID)
		if err != nil {
			return err
		}

		ordinal, prevSibling, err := s.nextOrdinal(ctx, tx, parent.ID)
		if err != nil {
			return err
		}

		needs, err := s.validateNeeds(ctx, tx, parent.ID, in.Needs)
		if err != nil {
			return err
		}

		id, err := s.insertNode(ctx, tx, insertNodeParams{
			kind:      in.Kind,
			parentID:  parent.ID,
			ordinal:   ordinal,
			goal:      in.Goal,
			prompt:    in.Prompt,
			returns:   returns,
			askTarget: in.AskTarget,
			tick:      tick,
		})
		if err != nil {
			return err
		}

		// Serial parents order their children through an implicit edge on
		// the previous sibling, stacking with any explicit needs.
		if parent.Kind == node.KindSerial && prevSibling != 0 {
			if err := s.insertNeed(ctx, tx, id, prevSibling, true); err != nil {
				return err
			}
			delete(needs, prevSibling)
		}
		for _, needID := range in.Needs {
			if _, ok := needs[needID]; !ok {
				continue
			}
			delete(needs, needID)
			if err := s.insertNeed(ctx, tx, id, needID, false); err != nil {
				return err
			}
		}

		created, err = s.getNode(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

type insertNodeParams struct {
	kind      node.Kind
	parentID  int64
	ordinal   int
	goal      string
	prompt    string
	returns   node.ReturnType
	askTarget node.AskTarget
	tick      int64
}

func (s *Store) insertNode(ctx context.Context, tx *sql.Tx, p insertNodeParams) (int64, error) {
	var parentID any
	if p.parentID != 0 {
		parentID = p.parentID
	}
	var id int64
	err := tx.QueryRowContext(ctx, s.dialect.Rebind(`
		INSERT INTO nodes (kind, parent_id, ordinal, goal, prompt, return_type, status,
			synthesized, ask_target, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		p.kind, parentID, p.ordinal, p.goal, p.prompt, p.returns,
		node.StatusPending, false, nullable(string(p.askTarget)), p.tick, p.tick,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert node: %w", err)
	}
	return id, nil
}

// nextOrdinal returns the next ordinal under parentID and the id of the
// current last sibling (0 when the parent has no children). The parent row
// is locked on PostgreSQL so concurrent creates under the same parent
// serialize; the unique (parent_id, ordinal) index backstops the race.
func (s *Store) nextOrdinal(ctx context.Context, tx *sql.Tx, parentID int64) (int, int64, error) {
	if s.dialect == DialectPostgres {
		var locked int64
		err := tx.QueryRowContext(ctx, s.dialect.Rebind(`SELECT id FROM nodes WHERE id = ? FOR UPDATE`), parentID).Scan(&locked)
		if err != nil {
			return 0, 0, fmt.Errorf("lock parent: %w", err)
		}
	}

	var (
		ordinal sql.NullInt64
		sibling sql.NullInt64
	)
	err := tx.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT MAX(ordinal), MAX(id) FROM nodes WHERE parent_id = ?`), parentID).
		Scan(&ordinal, &sibling)
	if err != nil {
		return 0, 0, fmt.Errorf("next ordinal: %w", err)
	}
	if !ordinal.Valid {
		return 0, 0, nil
	}

	// MAX(id) is not necessarily the max-ordinal sibling; resolve it exactly.
	var prev int64
	err = tx.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT id FROM nodes WHERE parent_id = ? AND ordinal = ?`), parentID, ordinal.Int64).
		Scan(&prev)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve previous sibling: %w", err)
	}
	return int(ordinal.Int64) + 1, prev, nil
}

// validateNeeds checks every needs reference against the descendant rule
// and returns the deduplicated set to insert.
func (s *Store) validateNeeds(ctx context.Context, tx *sql.Tx, parentID int64, needs []int64) (map[int64]struct{}, error) {
	set := make(map[int64]struct{}, len(needs))
	for _, needID := range needs {
		if _, ok := set[needID]; ok {
			continue
		}
		if _, err := s.getNode(ctx, tx, needID); err != nil {
			if errors.Is(err, node.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s does not exist", node.ErrInvalidNeeds, node.FormatID(needID))
			}
			return nil, err
		}
		ok, err := s.ancestorOf(ctx, tx, parentID, needID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s is outside the parent's subtree", node.ErrInvalidNeeds, node.FormatID(needID))
		}
		set[needID] = struct{}{}
	}
	return set, nil
}

func (s *Store) insertNeed(ctx context.Context, tx *sql.Tx, nodeID, needsID int64, implicit bool) error {
	_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO needs (node_id, needs_id, implicit) VALUES (?, ?, ?)`),
		nodeID, needsID, implicit)
	if err != nil {
		return fmt.Errorf("insert needs edge %d -> %d: %w", nodeID, needsID, err)
	}
	return nil
}
