package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cordkit/cord/pkg/node"
)

// querier is satisfied by *sql.DB and *sql.Tx so reads can run inside or
// outside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Get returns a single node with its needs edges attached.
func (s *Store) Get(ctx context.Context, id int64) (*node.Node, error) {
	return s.getNode(ctx, s.db, id)
}

// Root returns the goal root.
func (s *Store) Root(ctx context.Context) (*node.Node, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT `+nodeColumns+` FROM nodes WHERE parent_id IS NULL`))
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: root node", node.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query root: %w", err)
	}
	n.Needs, err = s.needsOf(ctx, s.db, n.ID)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Children returns the direct children of id in ordinal order.
func (s *Store) Children(ctx context.Context, id int64) ([]*node.Node, error) {
	return s.queryNodes(ctx, s.db,
		`SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ? ORDER BY ordinal`, id)
}

// IsAncestor reports whether a is a proper ancestor of b.
func (s *Store) IsAncestor(ctx context.Context, a, b int64) (bool, error) {
	return s.ancestorOf(ctx, s.db, a, b)
}

// AncestorChain returns the path from the root down to id, inclusive.
func (s *Store) AncestorChain(ctx context.Context, id int64) ([]*node.Node, error) {
	var chain []*node.Node
	cur := id
	for cur != 0 {
		n, err := s.getNode(ctx, s.db, cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, n)
		cur = n.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Subtree returns the tree rooted at id, children in ordinal order.
func (s *Store) Subtree(ctx context.Context, id int64) (*node.Tree, error) {
	all, err := s.queryNodes(ctx, s.db,
		`SELECT `+nodeColumns+` FROM nodes ORDER BY ordinal, id`)
	if err != nil {
		return nil, err
	}
	tree := buildTree(all, id)
	if tree == nil {
		return nil, fmt.Errorf("%w: %s", node.ErrNotFound, node.FormatID(id))
	}
	return tree, nil
}

// Snapshot returns a consistent view of the whole tree.
func (s *Store) Snapshot(ctx context.Context) (*node.Tree, error) {
	root, err := s.Root(ctx)
	if err != nil {
		return nil, err
	}
	return s.Subtree(ctx, root.ID)
}

// ReadySet returns pending nodes whose needs are all complete and whose
// parent is active (or that are the root), ascending id.
func (s *Store) ReadySet(ctx context.Context) ([]*node.Node, error) {
	query := `
		SELECT ` + prefixColumns("n") + `
		FROM nodes n
		LEFT JOIN nodes p ON p.id = n.parent_id
		WHERE n.status = ?
		  AND (n.parent_id IS NULL OR p.status = ?)
		  AND NOT EXISTS (
			SELECT 1 FROM needs d
			JOIN nodes dep ON dep.id = d.needs_id
			WHERE d.node_id = n.id AND dep.status <> ?
		  )
		ORDER BY n.id`
	return s.queryNodes(ctx, s.db, query,
		node.StatusPending, node.StatusActive, node.StatusComplete)
}

// SynthesisCandidates returns active parents that have children, all of
// them terminal, and have not synthesized yet. The engine still has to
// rule out candidates with a live process before acting.
func (s *Store) SynthesisCandidates(ctx context.Context) ([]*node.Node, error) {
	query := `
		SELECT ` + prefixColumns("n") + `
		FROM nodes n
		WHERE n.status = ?
		  AND n.synthesized = ?
		  AND EXISTS (SELECT 1 FROM nodes c WHERE c.parent_id = n.id)
		  AND NOT EXISTS (
			SELECT 1 FROM nodes c
			WHERE c.parent_id = n.id AND c.status NOT IN (?, ?, ?)
		  )
		ORDER BY n.id`
	return s.queryNodes(ctx, s.db, query,
		node.StatusActive, false,
		node.StatusComplete, node.StatusCancelled, node.StatusFailed)
}

// ── internal helpers ────────────────────────────────────────────────────────

func (s *Store) getNode(ctx context.Context, q querier, id int64) (*node.Node, error) {
	row := q.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`), id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", node.ErrNotFound, node.FormatID(id))
	}
	if err != nil {
		return nil, fmt.Errorf("query node %d: %w", id, err)
	}
	n.Needs, err = s.needsOf(ctx, q, n.ID)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Store) needsOf(ctx context.Context, q querier, id int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, s.dialect.Rebind(
		`SELECT needs_id FROM needs WHERE node_id = ? ORDER BY needs_id`), id)
	if err != nil {
		return nil, fmt.Errorf("query needs of %d: %w", id, err)
	}
	defer rows.Close()

	var needs []int64
	for rows.Next() {
		var needID int64
		if err := rows.Scan(&needID); err != nil {
			return nil, fmt.Errorf("scan needs of %d: %w", id, err)
		}
		needs = append(needs, needID)
	}
	return needs, rows.Err()
}

// queryNodes runs a multi-row node query and attaches needs edges in one
// follow-up query.
func (s *Store) queryNodes(ctx context.Context, q querier, query string, args ...any) ([]*node.Node, error) {
	rows, err := q.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*node.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nodes, nil
	}

	byID := make(map[int64]*node.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	edgeRows, err := q.QueryContext(ctx, s.dialect.Rebind(
		`SELECT node_id, needs_id FROM needs ORDER BY node_id, needs_id`))
	if err != nil {
		return nil, fmt.Errorf("query needs edges: %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var nodeID, needID int64
		if err := edgeRows.Scan(&nodeID, &needID); err != nil {
			return nil, fmt.Errorf("scan needs edge: %w", err)
		}
		if n, ok := byID[nodeID]; ok {
			n.Needs = append(n.Needs, needID)
		}
	}
	return nodes, edgeRows.Err()
}

// ancestorOf climbs b's parent chain looking for a.
func (s *Store) ancestorOf(ctx context.Context, q querier, a, b int64) (bool, error) {
	if a == b {
		return false, nil
	}
	query := `
		WITH RECURSIVE ancestors(id) AS (
			SELECT parent_id FROM nodes WHERE id = ? AND parent_id IS NOT NULL
			UNION ALL
			SELECT n.parent_id FROM nodes n
			JOIN ancestors anc ON n.id = anc.id
			WHERE n.parent_id IS NOT NULL
		)
		SELECT COUNT(*) FROM ancestors WHERE id = ?`
	var count int
	if err := q.QueryRowContext(ctx, s.dialect.Rebind(query), b, a).Scan(&count); err != nil {
		return false, fmt.Errorf("ancestor query %d -> %d: %w", a, b, err)
	}
	return count > 0, nil
}

// subtreeIDs collects id and every transitive descendant inside the
// transaction.
func (s *Store) subtreeIDs(ctx context.Context, q querier, id int64) ([]int64, error) {
	query := `
		WITH RECURSIVE descendants(id) AS (
			SELECT id FROM nodes WHERE id = ?
			UNION ALL
			SELECT n.id FROM nodes n
			JOIN descendants d ON n.parent_id = d.id
		)
		SELECT id FROM descendants`
	rows, err := q.QueryContext(ctx, s.dialect.Rebind(query), id)
	if err != nil {
		return nil, fmt.Errorf("subtree query %d: %w", id, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var nid int64
		if err := rows.Scan(&nid); err != nil {
			return nil, fmt.Errorf("scan subtree id: %w", err)
		}
		ids = append(ids, nid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func buildTree(nodes []*node.Node, rootID int64) *node.Tree {
	byID := make(map[int64]*node.Tree, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = &node.Tree{Node: *n}
	}
	for _, n := range nodes {
		if n.ParentID == 0 {
			continue
		}
		if parent, ok := byID[n.ParentID]; ok {
			parent.Children = append(parent.Children, byID[n.ID])
		}
	}
	return byID[rootID]
}

func prefixColumns(alias string) string {
	cols := strings.Split(strings.ReplaceAll(nodeColumns, "\n\t", " "), ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
