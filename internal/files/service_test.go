package files

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mycloud/mycloud/internal/events"
	"github.com/mycloud/mycloud/internal/lock"
	"github.com/mycloud/mycloud/internal/metadata/memstore"
	"github.com/mycloud/mycloud/pkg/models"
)

type fakeLinks struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeLinks) RefreshLink(_ context.Context, chunkID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("https://blobs.example/%s?v=%d", chunkID, f.calls), nil
}

func (f *fakeLinks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

type fixture struct {
	svc   *Service
	repo  *memstore.Store
	links *fakeLinks
	clock *clock
	pub   *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	repo := memstore.NewWithClock(c.Now)
	links := &fakeLinks{}
	pub := &recorder{}
	svc := NewService(repo, links, nil, WithClock(c.Now), WithStaleAfter(time.Hour), WithPublisher(pub))
	t.Cleanup(svc.Wait)
	return &fixture{svc: svc, repo: repo, links: links, clock: c, pub: pub}
}

func (f *fixture) mkdir(t *testing.T, name, owner, parent string) *models.FileNode {
	t.Helper()
	d, err := f.svc.CreateDirectory(context.Background(), name, owner, parent)
	if err != nil {
		t.Fatalf("CreateDirectory(%q): %v", name, err)
	}
	return d
}

func (f *fixture) file(t *testing.T, name, owner, parent string) *models.FileNode {
	t.Helper()
	n, err := f.svc.CreateFile(context.Background(), CreateFileInput{
		Name: name, Size: 10, ChunkIDs: []string{"document/" + name}, OwnerID: owner, ParentID: parent,
	})
	if err != nil {
		t.Fatalf("CreateFile(%q): %v", name, err)
	}
	return n
}

func TestGetOneErrorOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	theirs := f.file(t, "b.txt", "owner-b", "")

	tests := []struct {
		name string
		id   string
		want error
	}{
		{"malformed id", "not-a-uuid", ErrInvalidID},
		{"empty id", "", ErrInvalidID},
		{"missing node", uuid.NewString(), ErrNotFound},
		{"other owner", theirs.ID, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.GetOne(ctx, tt.id, "owner-a"); !errors.Is(err, tt.want) {
				t.Fatalf("GetOne error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := f.svc.GetOne(ctx, theirs.ID, "owner-b"); err != nil {
		t.Fatalf("owner GetOne: %v", err)
	}
}

func TestGetParentFileValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	file := f.file(t, "a.txt", "u1", "")
	dir := f.mkdir(t, "Docs", "u2", "")

	tests := []struct {
		name     string
		parentID string
		want     error
	}{
		{"malformed", "123", ErrInvalidID},
		{"missing", uuid.NewString(), ErrNotFound},
		{"not a directory", file.ID, ErrNotFound},
		{"other owner", dir.ID, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.GetParentFile(ctx, tt.parentID, "u1"); !errors.Is(err, tt.want) {
				t.Fatalf("GetParentFile error = %v, want %v", err, tt.want)
			}
			_, err := f.svc.CreateDirectory(ctx, "x", "u1", tt.parentID)
			if !errors.Is(err, tt.want) {
				t.Fatalf("CreateDirectory error = %v, want %v", err, tt.want)
			}
			if _, err := f.svc.ListChildren(ctx, "u1", tt.parentID, SortNone); !errors.Is(err, tt.want) {
				t.Fatalf("ListChildren error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateFileComposedFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	single, err := f.svc.CreateFile(ctx, CreateFileInput{Name: "a.pdf", Size: 5, ChunkIDs: []string{"one"}, OwnerID: "u1"})
	if err != nil {
		t.Fatalf("CreateFile single: %v", err)
	}
	if single.IsComposed || single.StorageID != "one" || single.Chunks != nil {
		t.Errorf("single = %+v", single)
	}
	if single.Link == "" {
		t.Error("single file should get an initial link")
	}
	if single.Type != "pdf" || single.Parent != nil {
		t.Errorf("type = %q parent = %v", single.Type, single.Parent)
	}

	composed, err := f.svc.CreateFile(ctx, CreateFileInput{Name: "big.iso", Size: 50, ChunkIDs: []string{"id1", "id2"}, OwnerID: "u1"})
	if err != nil {
		t.Fatalf("CreateFile composed: %v", err)
	}
	if !composed.IsComposed || composed.StorageID != "" {
		t.Errorf("composed = %+v", composed)
	}
	if len(composed.Chunks) != 2 || composed.Chunks[0] != "id1" || composed.Chunks[1] != "id2" {
		t.Errorf("chunks = %v", composed.Chunks)
	}

	if _, err := f.svc.CreateFile(ctx, CreateFileInput{Name: "empty", OwnerID: "u1"}); !errors.Is(err, ErrBadRequest) {
		t.Errorf("no chunks error = %v, want ErrBadRequest", err)
	}
	if _, err := f.svc.CreateFile(ctx, CreateFileInput{Name: " ", ChunkIDs: []string{"x"}, OwnerID: "u1"}); !errors.Is(err, ErrBadRequest) {
		t.Errorf("blank name error = %v, want ErrBadRequest", err)
	}
}

func TestCreateFileLinkFailure(t *testing.T) {
	f := newFixture(t)
	f.links.err = errors.New("upstream down")

	_, err := f.svc.CreateFile(context.Background(), CreateFileInput{Name: "a.txt", ChunkIDs: []string{"c"}, OwnerID: "u1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if f.repo.Len() != 0 {
		t.Fatalf("node persisted despite failure")
	}
}

func TestDocsCascadeScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	docs := f.mkdir(t, "Docs", "u1", "")
	pdf := f.file(t, "a.pdf", "u1", docs.ID)

	children, err := f.svc.ListChildren(ctx, "u1", docs.ID, SortNone)
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(children) != 1 || children[0].ID != pdf.ID {
		t.Fatalf("children = %v", children)
	}
	d, _ := f.svc.GetOne(ctx, docs.ID, "u1")
	if len(d.Children) != 1 || d.Children[0] != pdf.ID {
		t.Fatalf("Docs children ids = %v", d.Children)
	}

	if err := f.svc.Delete(ctx, docs.ID, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.svc.GetOne(ctx, pdf.ID, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetOne after cascade = %v, want ErrNotFound", err)
	}
	if _, err := f.svc.GetOne(ctx, docs.ID, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetOne dir after delete = %v, want ErrNotFound", err)
	}
}

func TestDeleteNestedTree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	top := f.mkdir(t, "top", "u1", "")
	keep := f.file(t, "keep.txt", "u1", "")
	parent := top.ID
	for i := 0; i < 50; i++ {
		d := f.mkdir(t, fmt.Sprintf("level%d", i), "u1", parent)
		f.file(t, fmt.Sprintf("f%d.txt", i), "u1", d.ID)
		parent = d.ID
	}

	if err := f.svc.Delete(ctx, top.ID, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if f.repo.Len() != 1 {
		t.Fatalf("remaining nodes = %d, want 1", f.repo.Len())
	}
	if _, err := f.svc.GetOne(ctx, keep.ID, "u1"); err != nil {
		t.Fatalf("unrelated file removed: %v", err)
	}
}

func TestDeleteDetachesFromParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docs := f.mkdir(t, "Docs", "u1", "")
	a := f.file(t, "a.txt", "u1", docs.ID)
	b := f.file(t, "b.txt", "u1", docs.ID)

	if err := f.svc.Delete(ctx, a.ID, "u2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Delete by other owner = %v, want ErrForbidden", err)
	}
	if err := f.svc.Delete(ctx, a.ID, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	d, _ := f.svc.GetOne(ctx, docs.ID, "u1")
	if len(d.Children) != 1 || d.Children[0] != b.ID {
		t.Fatalf("children = %v, want [%s]", d.Children, b.ID)
	}
}

func TestRenamePreservesExtension(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pdf := f.file(t, "a.pdf", "u1", "")
	dir := f.mkdir(t, "Docs", "u1", "")

	name := "b"
	got, err := f.svc.Update(ctx, pdf.ID, "u1", UpdateInput{Name: &name})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Name != "b.pdf" {
		t.Errorf("name = %q, want b.pdf", got.Name)
	}
	if got.Type != "pdf" {
		t.Errorf("type = %q, want pdf", got.Type)
	}

	newDir := "Papers"
	gotDir, err := f.svc.Update(ctx, dir.ID, "u1", UpdateInput{Name: &newDir})
	if err != nil {
		t.Fatalf("Update dir: %v", err)
	}
	if gotDir.Name != "Papers" {
		t.Errorf("dir name = %q, want Papers", gotDir.Name)
	}

	makefile := f.file(t, "Makefile", "u1", "")
	x := "X"
	gotPlain, err := f.svc.Update(ctx, makefile.ID, "u1", UpdateInput{Name: &x})
	if err != nil {
		t.Fatalf("Update Makefile: %v", err)
	}
	if gotPlain.Name != "X" || gotPlain.Type != "" {
		t.Errorf("name = %q type = %q, want X and no type", gotPlain.Name, gotPlain.Type)
	}

	if _, err := f.svc.Update(ctx, pdf.ID, "u1", UpdateInput{}); !errors.Is(err, ErrBadRequest) {
		t.Errorf("empty update = %v, want ErrBadRequest", err)
	}
	if _, err := f.svc.Update(ctx, pdf.ID, "u2", UpdateInput{Name: &name}); !errors.Is(err, ErrForbidden) {
		t.Errorf("other owner update = %v, want ErrForbidden", err)
	}
}

func TestMoveIntoCurrentParentConflicts(t *testing.T) {
	f := newFixture(t)
	docs := f.mkdir(t, "Docs", "u1", "")
	a := f.file(t, "a.pdf", "u1", docs.ID)

	_, err := f.svc.Update(context.Background(), a.ID, "u1", UpdateInput{ParentID: &docs.ID})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Update error = %v, want ErrConflict", err)
	}
}

func TestMoveKeepsChildrenConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.mkdir(t, "src", "u1", "")
	dst := f.mkdir(t, "dst", "u1", "")
	a := f.file(t, "a.txt", "u1", src.ID)
	root := f.file(t, "r.txt", "u1", "")

	for _, n := range []*models.FileNode{a, root} {
		moved, err := f.svc.Update(ctx, n.ID, "u1", UpdateInput{ParentID: &dst.ID})
		if err != nil {
			t.Fatalf("move %s: %v", n.Name, err)
		}
		if moved.ParentID() != dst.ID || moved.Owner != "u1" {
			t.Errorf("moved = %+v", moved)
		}
	}

	s, _ := f.svc.GetOne(ctx, src.ID, "u1")
	if len(s.Children) != 0 {
		t.Errorf("src children = %v, want none", s.Children)
	}
	d, _ := f.svc.GetOne(ctx, dst.ID, "u1")
	if len(d.Children) != 2 || d.Children[0] != a.ID || d.Children[1] != root.ID {
		t.Errorf("dst children = %v", d.Children)
	}
}

func TestMoveAndRenameTogether(t *testing.T) {
	f := newFixture(t)
	dst := f.mkdir(t, "dst", "u1", "")
	a := f.file(t, "a.txt", "u1", "")

	name := "notes"
	got, err := f.svc.Update(context.Background(), a.ID, "u1", UpdateInput{Name: &name, ParentID: &dst.ID})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Name != "notes.txt" || got.ParentID() != dst.ID {
		t.Fatalf("got %+v", got)
	}
}

func TestMoveDirectoryIntoDescendant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	top := f.mkdir(t, "top", "u1", "")
	mid := f.mkdir(t, "mid", "u1", top.ID)
	low := f.mkdir(t, "low", "u1", mid.ID)

	if _, err := f.svc.Update(ctx, top.ID, "u1", UpdateInput{ParentID: &low.ID}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("move into descendant = %v, want ErrBadRequest", err)
	}
	if _, err := f.svc.Update(ctx, top.ID, "u1", UpdateInput{ParentID: &top.ID}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("move into self = %v, want ErrBadRequest", err)
	}
	empty := ""
	if _, err := f.svc.Update(ctx, mid.ID, "u1", UpdateInput{ParentID: &empty}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("move to empty parent = %v, want ErrBadRequest", err)
	}
}

func TestListChildrenSorting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"c.txt", "a.pdf", "b.doc"} {
		f.file(t, name, "u1", "")
		f.clock.Advance(time.Minute)
	}
	f.file(t, "other.txt", "u2", "")

	tests := []struct {
		key  SortKey
		want []string
	}{
		{SortNone, []string{"c.txt", "a.pdf", "b.doc"}},
		{SortName, []string{"a.pdf", "b.doc", "c.txt"}},
		{SortType, []string{"b.doc", "a.pdf", "c.txt"}},
		{SortDate, []string{"c.txt", "a.pdf", "b.doc"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.key), func(t *testing.T) {
			nodes, err := f.svc.ListChildren(ctx, "u1", "", tt.key)
			if err != nil {
				t.Fatalf("ListChildren: %v", err)
			}
			if len(nodes) != len(tt.want) {
				t.Fatalf("got %d nodes, want %d", len(nodes), len(tt.want))
			}
			for i, n := range nodes {
				if n.Name != tt.want[i] {
					t.Fatalf("position %d = %q, want %q", i, n.Name, tt.want[i])
				}
			}
		})
	}
}

func TestParseSortKey(t *testing.T) {
	for _, s := range []string{"", "name", "type", "date"} {
		if _, err := ParseSortKey(s); err != nil {
			t.Errorf("ParseSortKey(%q): %v", s, err)
		}
	}
	if _, err := ParseSortKey("size"); !errors.Is(err, ErrBadRequest) {
		t.Errorf("ParseSortKey(size) = %v, want ErrBadRequest", err)
	}
}

func TestStaleLinkRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.file(t, "a.txt", "u1", "")
	original := a.Link

	f.clock.Advance(30 * time.Minute)
	got, _ := f.svc.GetOne(ctx, a.ID, "u1")
	f.svc.Wait()
	if got.Link != original || f.links.count() != 1 {
		t.Fatalf("fresh link refreshed: calls=%d", f.links.count())
	}

	f.clock.Advance(2 * time.Hour)
	got, _ = f.svc.GetOne(ctx, a.ID, "u1")
	if got.Link != original {
		t.Errorf("read path returned the refreshed link synchronously")
	}
	f.svc.Wait()
	if f.links.count() != 2 {
		t.Fatalf("RefreshLink calls = %d, want 2", f.links.count())
	}

	got, _ = f.svc.GetOne(ctx, a.ID, "u1")
	f.svc.Wait()
	if got.Link == original {
		t.Error("refreshed link not persisted")
	}
	if f.links.count() != 2 {
		t.Errorf("refreshed record refreshed again: calls=%d", f.links.count())
	}
}

func TestStaleRefreshSkipsDirectoriesAndComposed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mkdir(t, "Docs", "u1", "")
	if _, err := f.svc.CreateFile(ctx, CreateFileInput{Name: "big.bin", ChunkIDs: []string{"c1", "c2"}, OwnerID: "u1"}); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(3 * time.Hour)
	if _, err := f.svc.ListChildren(ctx, "u1", "", SortNone); err != nil {
		t.Fatal(err)
	}
	f.svc.Wait()
	if f.links.count() != 0 {
		t.Fatalf("RefreshLink calls = %d, want 0", f.links.count())
	}
}

func TestStaleRefreshFailureKeepsLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.file(t, "a.txt", "u1", "")
	f.links.err = errors.New("upstream down")
	f.clock.Advance(2 * time.Hour)

	if _, err := f.svc.GetOne(ctx, a.ID, "u1"); err != nil {
		t.Fatalf("GetOne must not surface refresh failures: %v", err)
	}
	f.svc.Wait()
	got, _ := f.repo.Get(ctx, a.ID)
	if got.Link != a.Link {
		t.Errorf("link changed after failed refresh")
	}
}

func TestDownload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := f.mkdir(t, "Docs", "u1", "")
	a := f.file(t, "a.txt", "u1", dir.ID)

	ticket, err := f.svc.Download(ctx, a.ID, "u1")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if ticket.Secret != "u1" || ticket.Name != "a.txt" || ticket.Link != a.Link || ticket.Stale {
		t.Errorf("ticket = %+v", ticket)
	}

	if _, err := f.svc.Download(ctx, dir.ID, "u1"); !errors.Is(err, ErrBadRequest) {
		t.Errorf("directory download = %v, want ErrBadRequest", err)
	}
	if _, err := f.svc.Download(ctx, a.ID, "u2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("foreign download = %v, want ErrForbidden", err)
	}

	f.clock.Advance(2 * time.Hour)
	ticket, _ = f.svc.Download(ctx, a.ID, "u1")
	if !ticket.Stale {
		t.Error("expected stale ticket")
	}
}

func TestEventsPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := f.mkdir(t, "Docs", "u1", "")
	a := f.file(t, "a.txt", "u1", dir.ID)
	name := "b"
	if _, err := f.svc.Update(ctx, a.ID, "u1", UpdateInput{Name: &name}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Delete(ctx, a.ID, "u1"); err != nil {
		t.Fatal(err)
	}

	want := []string{events.EventCreate, events.EventCreate, events.EventUpdate, events.EventDelete}
	if len(f.pub.events) != len(want) {
		t.Fatalf("events = %+v", f.pub.events)
	}
	for i, e := range f.pub.events {
		if e.Type != want[i] || e.Owner != "u1" {
			t.Errorf("event %d = %+v, want type %s", i, e, want[i])
		}
	}
	if f.pub.events[1].ParentID != dir.ID {
		t.Errorf("create event parent = %q", f.pub.events[1].ParentID)
	}
}

func TestConcurrentCreatesInOneDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := f.mkdir(t, "Docs", "u1", "")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.svc.CreateFile(ctx, CreateFileInput{
				Name: fmt.Sprintf("f%d.txt", i), ChunkIDs: []string{"c"}, OwnerID: "u1", ParentID: dir.ID,
			}); err != nil {
				t.Errorf("CreateFile: %v", err)
			}
		}(i)
	}
	wg.Wait()

	d, _ := f.svc.GetOne(ctx, dir.ID, "u1")
	if len(d.Children) != 20 {
		t.Fatalf("children = %d, want 20", len(d.Children))
	}
}

func TestListingStableAcrossLinkRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := f.mkdir(t, "Docs", "u1", "")
	for _, name := range []string{"b.txt", "a.pdf", "c.doc"} {
		f.file(t, name, "u1", dir.ID)
	}
	f.mkdir(t, "Sub", "u1", dir.ID)

	ids := func() []string {
		t.Helper()
		nodes, err := f.svc.ListChildren(ctx, "u1", dir.ID, SortNone)
		if err != nil {
			t.Fatalf("ListChildren: %v", err)
		}
		out := make([]string, len(nodes))
		for i, n := range nodes {
			out[i] = n.ID
		}
		return out
	}

	first := ids()
	f.clock.Advance(2 * time.Hour)
	second := ids()
	f.svc.Wait()
	if f.links.count() <= 3 {
		t.Fatalf("no refresh happened: calls=%d", f.links.count())
	}
	third := ids()
	f.svc.Wait()

	for _, got := range [][]string{second, third} {
		if len(got) != len(first) {
			t.Fatalf("listing = %v, want %v", got, first)
		}
		for i := range first {
			if got[i] != first[i] {
				t.Fatalf("listing = %v, want %v", got, first)
			}
		}
	}
}

// hookLocker runs before on the first Lock of key. before may lock key
// itself.
type hookLocker struct {
	lock.Locker
	key    string
	before func()
	fired  bool
}

func (h *hookLocker) Lock(ctx context.Context, key string) (func(), error) {
	if key == h.key && !h.fired {
		h.fired = true
		h.before()
	}
	return h.Locker.Lock(ctx, key)
}

func TestCreateIntoDirectoryDeletedMeanwhile(t *testing.T) {
	c := &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	repo := memstore.NewWithClock(c.Now)
	locker := &hookLocker{Locker: lock.NewKeyedMutex()}
	svc := NewService(repo, &fakeLinks{}, locker, WithClock(c.Now))
	t.Cleanup(svc.Wait)
	ctx := context.Background()

	dir, err := svc.CreateDirectory(ctx, "Docs", "u1", "")
	if err != nil {
		t.Fatal(err)
	}

	// The directory passes validation, then is deleted before the
	// create takes its lock.
	locker.key = dir.ID
	locker.before = func() {
		if err := svc.Delete(ctx, dir.ID, "u1"); err != nil {
			t.Errorf("Delete: %v", err)
		}
	}

	_, err = svc.CreateFile(ctx, CreateFileInput{
		Name: "late.txt", Size: 1, ChunkIDs: []string{"document/late"}, OwnerID: "u1", ParentID: dir.ID,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("CreateFile = %v, want ErrNotFound", err)
	}
	if repo.Len() != 0 {
		t.Errorf("%d nodes left, want 0", repo.Len())
	}
}

func TestDeleteWaitsForDirectoryLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := f.mkdir(t, "Docs", "u1", "")

	unlock, err := f.svc.locker.Lock(ctx, dir.ID)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- f.svc.Delete(ctx, dir.ID, "u1") }()

	select {
	case err := <-done:
		t.Fatalf("Delete finished while the directory was locked: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	if err := <-done; err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.svc.GetOne(ctx, dir.ID, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOne after delete = %v, want ErrNotFound", err)
	}
}
