// Package files implements the file hierarchy: directory and file creation,
// rename and move, cascading delete, ownership checks and link freshness.
package files

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mycloud/mycloud/internal/events"
	"github.com/mycloud/mycloud/internal/lock"
	"github.com/mycloud/mycloud/internal/logging"
	"github.com/mycloud/mycloud/internal/metadata"
	"github.com/mycloud/mycloud/internal/metrics"
	"github.com/mycloud/mycloud/pkg/models"
)

// Repository persists file nodes. Missing nodes yield metadata.ErrNotFound.
type Repository interface {
	Get(ctx context.Context, id string) (*models.FileNode, error)
	ListByParent(ctx context.Context, ownerID, parentID string) ([]*models.FileNode, error)
	Create(ctx context.Context, n *models.FileNode) error
	AppendChild(ctx context.Context, parentID, childID string) error
	RemoveChild(ctx context.Context, parentID, childID string) error
	Rename(ctx context.Context, id, name string) error
	SetParent(ctx context.Context, id, parentID string) error
	UpdateLink(ctx context.Context, id, link string) error
	Delete(ctx context.Context, id string) error
}

// LinkIssuer re-issues download links for stored chunks.
type LinkIssuer interface {
	RefreshLink(ctx context.Context, chunkID string) (string, error)
}

// Publisher receives tree change events.
type Publisher interface {
	Publish(events.Event)
}

const refreshTimeout = 30 * time.Second

// Service is the file hierarchy service.
type Service struct {
	repo       Repository
	links      LinkIssuer
	locker     lock.Locker
	pub        Publisher
	staleAfter time.Duration
	now        func() time.Time

	refreshes  sync.WaitGroup
	refreshing sync.Map
}

// Option configures a Service.
type Option func(*Service)

// WithStaleAfter sets the age after which a file's link is refreshed.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Service) { s.staleAfter = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPublisher sets where tree change events go.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.pub = p }
}

// NewService creates a Service. A nil locker falls back to an in-process
// keyed mutex.
func NewService(repo Repository, links LinkIssuer, locker lock.Locker, opts ...Option) *Service {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	s := &Service{
		repo:       repo,
		links:      links,
		locker:     locker,
		staleAfter: time.Hour,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait blocks until background link refreshes have finished.
func (s *Service) Wait() {
	s.refreshes.Wait()
}

// DownloadTicket is what a caller needs to fetch and decrypt a file.
type DownloadTicket struct {
	Name       string
	Link       string
	Secret     string
	Size       int64
	IsComposed bool
	StorageID  string
	Chunks     []string
	// Stale reports that Link was older than the refresh threshold when
	// the ticket was issued; a refreshed link is on its way to the store.
	Stale bool
}

// ListChildren lists ownerID's nodes under parentID, or at the root when
// parentID is empty.
func (s *Service) ListChildren(ctx context.Context, ownerID, parentID string, key SortKey) ([]*models.FileNode, error) {
	if parentID != "" {
		if _, err := s.GetParentFile(ctx, parentID, ownerID); err != nil {
			return nil, err
		}
	}

	nodes, err := s.repo.ListByParent(ctx, ownerID, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	sortNodes(nodes, key)

	for _, n := range nodes {
		s.refreshIfStale(ctx, n)
	}
	return nodes, nil
}

// GetOne returns a node owned by ownerID.
func (s *Service) GetOne(ctx context.Context, id, ownerID string) (*models.FileNode, error) {
	n, err := s.getOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	s.refreshIfStale(ctx, n)
	return n, nil
}

// GetParentFile resolves parentID to a directory owned by ownerID. A node
// that exists but is not a directory is reported as not found.
func (s *Service) GetParentFile(ctx context.Context, parentID, ownerID string) (*models.FileNode, error) {
	if err := validateID(parentID); err != nil {
		return nil, err
	}
	n, err := s.get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if !n.IsDirectory() {
		return nil, fmt.Errorf("%w: parent is not a directory", ErrNotFound)
	}
	if n.Owner != ownerID {
		return nil, ErrForbidden
	}
	return n, nil
}

// Download returns what is needed to stream a file to its owner. The
// secret is always the owner id.
func (s *Service) Download(ctx context.Context, id, ownerID string) (*DownloadTicket, error) {
	n, err := s.getOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if n.IsDirectory() {
		return nil, fmt.Errorf("%w: cannot download a directory", ErrBadRequest)
	}
	stale := s.refreshIfStale(ctx, n)

	return &DownloadTicket{
		Name:       n.Name,
		Link:       n.Link,
		Secret:     ownerID,
		Size:       n.Size,
		IsComposed: n.IsComposed,
		StorageID:  n.StorageID,
		Chunks:     n.Chunks,
		Stale:      stale,
	}, nil
}

// CreateFileInput describes a file whose bytes are already stored.
type CreateFileInput struct {
	Name     string
	Size     int64
	ChunkIDs []string
	OwnerID  string
	ParentID string
}

// CreateFile records a stored file. One chunk id makes a plain file, more
// make a composed file whose chunks keep the given order.
func (s *Service) CreateFile(ctx context.Context, in CreateFileInput) (*models.FileNode, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrBadRequest)
	}
	if len(in.ChunkIDs) == 0 {
		return nil, fmt.Errorf("%w: file has no content", ErrBadRequest)
	}

	var parent *models.FileNode
	if in.ParentID != "" {
		p, err := s.GetParentFile(ctx, in.ParentID, in.OwnerID)
		if err != nil {
			return nil, err
		}
		parent = p
	}

	now := s.now()
	n := &models.FileNode{
		ID:        uuid.NewString(),
		Name:      in.Name,
		Type:      models.TypeFromName(in.Name),
		Size:      in.Size,
		Owner:     in.OwnerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if parent != nil {
		n.Parent = &parent.ID
	}

	if len(in.ChunkIDs) == 1 {
		n.StorageID = in.ChunkIDs[0]
		link, err := s.links.RefreshLink(ctx, n.StorageID)
		if err != nil {
			return nil, err
		}
		n.Link = link
	} else {
		n.IsComposed = true
		n.Chunks = append([]string(nil), in.ChunkIDs...)
	}

	if err := s.insert(ctx, n); err != nil {
		return nil, err
	}
	logging.Debug("file created",
		zap.String("id", n.ID),
		zap.Bool("composed", n.IsComposed),
		zap.Int("chunks", len(in.ChunkIDs)))
	return n, nil
}

// CreateDirectory creates an empty directory.
func (s *Service) CreateDirectory(ctx context.Context, name, ownerID, parentID string) (*models.FileNode, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrBadRequest)
	}

	var parent *models.FileNode
	if parentID != "" {
		p, err := s.GetParentFile(ctx, parentID, ownerID)
		if err != nil {
			return nil, err
		}
		parent = p
	}

	now := s.now()
	n := &models.FileNode{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      models.TypeDirectory,
		Owner:     ownerID,
		Children:  []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if parent != nil {
		n.Parent = &parent.ID
	}

	if err := s.insert(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Service) insert(ctx context.Context, n *models.FileNode) error {
	parentID := n.ParentID()
	if parentID == "" {
		if err := s.repo.Create(ctx, n); err != nil {
			return fmt.Errorf("create node: %w", err)
		}
		s.publish(events.EventCreate, n)
		return nil
	}

	unlock, err := s.locker.Lock(ctx, parentID)
	if err != nil {
		return fmt.Errorf("lock directory: %w", err)
	}
	defer unlock()

	// The parent may have been deleted since it was validated.
	if _, err := s.repo.Get(ctx, parentID); err != nil {
		return fmt.Errorf("parent directory: %w", mapNotFound(err))
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	if err := s.repo.AppendChild(ctx, parentID, n.ID); err != nil {
		return fmt.Errorf("link to parent: %w", err)
	}
	s.publish(events.EventCreate, n)
	return nil
}

// UpdateInput holds the fields to change. Nil fields are left alone.
type UpdateInput struct {
	Name     *string
	ParentID *string
}

// Update renames and/or moves a node. A file keeps its extension: the new
// name gets the existing type appended.
func (s *Service) Update(ctx context.Context, id, ownerID string, in UpdateInput) (*models.FileNode, error) {
	if in.Name == nil && in.ParentID == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrBadRequest)
	}

	n, err := s.getOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	var newName string
	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return nil, fmt.Errorf("%w: name is required", ErrBadRequest)
		}
		newName = *in.Name
		if !n.IsDirectory() && n.Type != "" {
			newName += "." + n.Type
		}
	}

	var target *models.FileNode
	if in.ParentID != nil {
		if *in.ParentID == "" {
			return nil, fmt.Errorf("%w: parentId is required", ErrBadRequest)
		}
		if *in.ParentID == n.ParentID() {
			return nil, fmt.Errorf("%w: node is already in this directory", ErrConflict)
		}
		target, err = s.GetParentFile(ctx, *in.ParentID, ownerID)
		if err != nil {
			return nil, err
		}
		if n.IsDirectory() {
			if err := s.checkNotDescendant(ctx, n.ID, target); err != nil {
				return nil, err
			}
		}
	}

	if in.Name != nil {
		if err := s.repo.Rename(ctx, n.ID, newName); err != nil {
			return nil, fmt.Errorf("rename: %w", mapNotFound(err))
		}
	}
	if target != nil {
		if err := s.move(ctx, n, target.ID); err != nil {
			return nil, err
		}
	}

	updated, err := s.get(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	s.publish(events.EventUpdate, updated)
	return updated, nil
}

// move relinks n under newParentID. Both directories are locked for the
// duration so concurrent moves through a directory do not lose children.
func (s *Service) move(ctx context.Context, n *models.FileNode, newParentID string) error {
	oldParentID := n.ParentID()

	unlock, err := lock.LockAll(ctx, s.locker, oldParentID, newParentID)
	if err != nil {
		return fmt.Errorf("lock directories: %w", err)
	}
	defer unlock()

	if _, err := s.repo.Get(ctx, newParentID); err != nil {
		return fmt.Errorf("target directory: %w", mapNotFound(err))
	}
	if oldParentID != "" {
		if err := s.repo.RemoveChild(ctx, oldParentID, n.ID); err != nil && !errors.Is(err, metadata.ErrNotFound) {
			return fmt.Errorf("unlink from parent: %w", err)
		}
	}
	if err := s.repo.AppendChild(ctx, newParentID, n.ID); err != nil {
		return fmt.Errorf("link to parent: %w", mapNotFound(err))
	}
	if err := s.repo.SetParent(ctx, n.ID, newParentID); err != nil {
		return fmt.Errorf("set parent: %w", mapNotFound(err))
	}
	return nil
}

// checkNotDescendant walks up from target and fails if it reaches dirID.
func (s *Service) checkNotDescendant(ctx context.Context, dirID string, target *models.FileNode) error {
	seen := map[string]bool{}
	for cur := target; cur != nil; {
		if cur.ID == dirID {
			return fmt.Errorf("%w: cannot move a directory into itself", ErrBadRequest)
		}
		if seen[cur.ID] || cur.ParentID() == "" {
			return nil
		}
		seen[cur.ID] = true

		next, err := s.repo.Get(ctx, cur.ParentID())
		if errors.Is(err, metadata.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolve ancestors: %w", err)
		}
		cur = next
	}
	return nil
}

// Delete removes a node. A directory's descendants are removed while the
// node is detached from its parent. The node and its parent stay locked
// until the node is gone, so nothing can be created inside a directory
// that is being deleted.
func (s *Service) Delete(ctx context.Context, id, ownerID string) error {
	n, err := s.getOwned(ctx, id, ownerID)
	if err != nil {
		return err
	}

	unlock, n, err := s.lockForDelete(ctx, n)
	if err != nil {
		return err
	}
	defer unlock()

	g, gctx := errgroup.WithContext(ctx)
	if len(n.Children) > 0 {
		g.Go(func() error {
			return s.deleteDescendants(gctx, n)
		})
	}
	if parentID := n.ParentID(); parentID != "" {
		g.Go(func() error {
			if err := s.repo.RemoveChild(gctx, parentID, n.ID); err != nil && !errors.Is(err, metadata.ErrNotFound) {
				return fmt.Errorf("unlink from parent: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, n.ID); err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return fmt.Errorf("delete node: %w", err)
	}
	s.publish(events.EventDelete, n)
	return nil
}

// lockForDelete locks n's parent and, for a directory, n itself, then
// reloads n so its children and parent are current. A concurrent move can
// change the parent before the locks are held; that case is retried.
func (s *Service) lockForDelete(ctx context.Context, n *models.FileNode) (func(), *models.FileNode, error) {
	for {
		keys := []string{n.ParentID()}
		if n.IsDirectory() {
			keys = append(keys, n.ID)
		}
		unlock, err := lock.LockAll(ctx, s.locker, keys...)
		if err != nil {
			return nil, nil, fmt.Errorf("lock directories: %w", err)
		}

		current, err := s.get(ctx, n.ID)
		if err != nil {
			unlock()
			return nil, nil, err
		}
		if current.ParentID() == n.ParentID() {
			return unlock, current, nil
		}
		unlock()
		n = current
	}
}

// deleteDescendants removes every node below root, depth first, using an
// explicit stack. The seen set stops a corrupted tree from looping.
func (s *Service) deleteDescendants(ctx context.Context, root *models.FileNode) error {
	seen := map[string]bool{root.ID: true}
	stack := append([]string(nil), root.Children...)
	deleted := 0

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true

		child, err := s.repo.Get(ctx, id)
		if errors.Is(err, metadata.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load descendant: %w", err)
		}
		stack = append(stack, child.Children...)

		if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, metadata.ErrNotFound) {
			return fmt.Errorf("delete descendant: %w", err)
		}
		deleted++
	}

	logging.Debug("descendants deleted", zap.String("root", root.ID), zap.Int("count", deleted))
	return nil
}

// refreshIfStale schedules a background link refresh for a plain file whose
// record is older than staleAfter, and reports whether it did. The caller
// keeps the current value; the new link lands on a later read.
func (s *Service) refreshIfStale(ctx context.Context, n *models.FileNode) bool {
	if n.IsDirectory() || n.IsComposed || n.StorageID == "" {
		return false
	}
	if s.now().Sub(n.UpdatedAt) <= s.staleAfter {
		return false
	}
	if _, busy := s.refreshing.LoadOrStore(n.ID, struct{}{}); busy {
		return true
	}

	id, chunkID := n.ID, n.StorageID
	bg := context.WithoutCancel(ctx)
	s.refreshes.Add(1)
	go func() {
		defer s.refreshes.Done()
		defer s.refreshing.Delete(id)

		rctx, cancel := context.WithTimeout(bg, refreshTimeout)
		defer cancel()

		link, err := s.links.RefreshLink(rctx, chunkID)
		metrics.RecordLinkRefresh(err == nil)
		if err != nil {
			logging.Warn("link refresh failed", zap.String("id", id), zap.Error(err))
			return
		}
		if err := s.repo.UpdateLink(rctx, id, link); err != nil {
			logging.Warn("link refresh not saved", zap.String("id", id), zap.Error(err))
		}
	}()
	return true
}

func (s *Service) getOwned(ctx context.Context, id, ownerID string) (*models.FileNode, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	n, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Owner != ownerID {
		return nil, ErrForbidden
	}
	return n, nil
}

func (s *Service) get(ctx context.Context, id string) (*models.FileNode, error) {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return n, nil
}

func (s *Service) publish(kind string, n *models.FileNode) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(events.Event{
		Type:     kind,
		NodeID:   n.ID,
		ParentID: n.ParentID(),
		Owner:    n.Owner,
		Name:     n.Name,
	})
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrInvalidID
	}
	return nil
}

func mapNotFound(err error) error {
	if errors.Is(err, metadata.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
