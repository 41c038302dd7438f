// Package memstore provides an in-memory File Tree Repository for
// development and tests.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/mycloud/mycloud/internal/metadata"
	"github.com/mycloud/mycloud/pkg/models"
)

// Store keeps nodes in memory. Reads return copies.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]*models.FileNode
	order []string
	now   func() time.Time
}

// New returns an empty store.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock returns an empty store that stamps updates with now.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		nodes: make(map[string]*models.FileNode),
		now:   now,
	}
}

func (s *Store) Get(_ context.Context, id string) (*models.FileNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, metadata.ErrNotFound)
	}
	return n.Clone(), nil
}

// ListByParent returns owner's nodes under parentID in insertion order.
func (s *Store) ListByParent(_ context.Context, ownerID, parentID string) ([]*models.FileNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.FilterMap(s.order, func(id string, _ int) (*models.FileNode, bool) {
		n, ok := s.nodes[id]
		if !ok || n.Owner != ownerID || n.ParentID() != parentID {
			return nil, false
		}
		return n.Clone(), true
	}), nil
}

func (s *Store) Create(_ context.Context, n *models.FileNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[n.ID]; exists {
		return fmt.Errorf("insert node: duplicate id %s", n.ID)
	}
	s.nodes[n.ID] = n.Clone()
	s.order = append(s.order, n.ID)
	return nil
}

func (s *Store) AppendChild(_ context.Context, parentID, childID string) error {
	return s.update(parentID, func(n *models.FileNode) {
		n.Children = append(n.Children, childID)
	})
}

func (s *Store) RemoveChild(_ context.Context, parentID, childID string) error {
	return s.update(parentID, func(n *models.FileNode) {
		n.Children = lo.Without(n.Children, childID)
	})
}

func (s *Store) Rename(_ context.Context, id, name string) error {
	return s.update(id, func(n *models.FileNode) { n.Name = name })
}

func (s *Store) SetParent(_ context.Context, id, parentID string) error {
	return s.update(id, func(n *models.FileNode) {
		if parentID == "" {
			n.Parent = nil
			return
		}
		n.Parent = lo.ToPtr(parentID)
	})
}

func (s *Store) UpdateLink(_ context.Context, id, link string) error {
	return s.update(id, func(n *models.FileNode) { n.Link = link })
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, metadata.ErrNotFound)
	}
	delete(s.nodes, id)
	s.order = lo.Without(s.order, id)
	return nil
}

// Len returns the number of stored nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

func (s *Store) update(id string, fn func(*models.FileNode)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, metadata.ErrNotFound)
	}
	fn(n)
	n.UpdatedAt = s.now()
	return nil
}
