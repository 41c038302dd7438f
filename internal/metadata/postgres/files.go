package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mycloud/mycloud/internal/metadata"
	"github.com/mycloud/mycloud/internal/metrics"
	"github.com/mycloud/mycloud/pkg/models"
)

const nodeColumns = `id, name, type, size, owner_id, parent_id, children, storage_id, chunks, is_composed, link, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*models.FileNode, error) {
	var (
		n         models.FileNode
		parentID  sql.NullString
		storageID sql.NullString
		children  pq.StringArray
		chunks    pq.StringArray
	)
	if err := row.Scan(&n.ID, &n.Name, &n.Type, &n.Size, &n.Owner, &parentID,
		&children, &storageID, &chunks, &n.IsComposed, &n.Link, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	if parentID.Valid {
		p := parentID.String
		n.Parent = &p
	}
	if children != nil {
		n.Children = []string(children)
	}
	if chunks != nil {
		n.Chunks = []string(chunks)
	}
	n.StorageID = storageID.String
	return &n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Get returns the node with the given id.
func (s *Store) Get(ctx context.Context, id string) (*models.FileNode, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_node", time.Since(start)) }()

	n, err := scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM file_nodes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", id, metadata.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return n, nil
}

// ListByParent returns owner's nodes under parentID in insertion order.
// An empty parentID lists root-level nodes.
func (s *Store) ListByParent(ctx context.Context, ownerID, parentID string) ([]*models.FileNode, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_by_parent", time.Since(start)) }()

	var (
		rows *sql.Rows
		err  error
	)
	if parentID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+nodeColumns+` FROM file_nodes
			 WHERE owner_id = $1 AND parent_id IS NULL ORDER BY seq`, ownerID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+nodeColumns+` FROM file_nodes
			 WHERE owner_id = $1 AND parent_id = $2 ORDER BY seq`, ownerID, parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var nodes []*models.FileNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return nodes, nil
}

// Create inserts a new node.
func (s *Store) Create(ctx context.Context, n *models.FileNode) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_node", time.Since(start)) }()

	var children, chunks any
	if n.Children != nil {
		children = pq.Array(n.Children)
	}
	if n.Chunks != nil {
		chunks = pq.Array(n.Chunks)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_nodes (id, name, type, size, owner_id, parent_id, children, storage_id, chunks, is_composed, link, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		n.ID, n.Name, n.Type, n.Size, n.Owner, nullString(n.ParentID()),
		children, nullString(n.StorageID), chunks, n.IsComposed, n.Link, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

// AppendChild appends childID to the children of parentID in one statement.
func (s *Store) AppendChild(ctx context.Context, parentID, childID string) error {
	return s.exec(ctx, "append_child", parentID,
		`UPDATE file_nodes SET children = array_append(COALESCE(children, '{}'), $2), updated_at = now()
		 WHERE id = $1`, parentID, childID)
}

// RemoveChild removes childID from the children of parentID in one statement.
func (s *Store) RemoveChild(ctx context.Context, parentID, childID string) error {
	return s.exec(ctx, "remove_child", parentID,
		`UPDATE file_nodes SET children = array_remove(children, $2), updated_at = now()
		 WHERE id = $1`, parentID, childID)
}

// Rename sets the name of a node.
func (s *Store) Rename(ctx context.Context, id, name string) error {
	return s.exec(ctx, "rename_node", id,
		`UPDATE file_nodes SET name = $2, updated_at = now() WHERE id = $1`, id, name)
}

// SetParent points a node at a new parent. An empty parentID moves it to the root.
func (s *Store) SetParent(ctx context.Context, id, parentID string) error {
	return s.exec(ctx, "set_parent", id,
		`UPDATE file_nodes SET parent_id = $2, updated_at = now() WHERE id = $1`, id, nullString(parentID))
}

// UpdateLink stores a freshly issued link and bumps updated_at.
func (s *Store) UpdateLink(ctx context.Context, id, link string) error {
	return s.exec(ctx, "update_link", id,
		`UPDATE file_nodes SET link = $2, updated_at = now() WHERE id = $1`, id, link)
}

// Delete removes a node record. Descendants are the caller's business.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, "delete_node", id, `DELETE FROM file_nodes WHERE id = $1`, id)
}

func (s *Store) exec(ctx context.Context, name, id, query string, args ...any) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(name, time.Since(start)) }()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", name, id, metadata.ErrNotFound)
	}
	return nil
}
