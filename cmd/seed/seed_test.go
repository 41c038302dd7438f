package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/mycloud/mycloud/pkg/models"
)

type call struct {
	kind, name, parent, content string
}

type fakeAPI struct {
	calls   []call
	failOn  string
	parents map[string]string // id -> name
}

func (f *fakeAPI) node(kind, name, parent string, content io.Reader) (*models.FileNode, error) {
	if name == f.failOn {
		return nil, errors.New("rejected")
	}
	var body string
	if content != nil {
		b, _ := io.ReadAll(content)
		body = string(b)
	}
	f.calls = append(f.calls, call{kind, name, f.parents[parent], body})
	id := uuid.NewString()
	f.parents[id] = name
	return &models.FileNode{ID: id, Name: name}, nil
}

func (f *fakeAPI) CreateDirectory(_ context.Context, name, parentID string) (*models.FileNode, error) {
	return f.node("dir", name, parentID, nil)
}

func (f *fakeAPI) Upload(_ context.Context, name, parentID string, r io.Reader) (*models.FileNode, error) {
	return f.node("small", name, parentID, r)
}

func (f *fakeAPI) UploadLarge(_ context.Context, name, parentID string, r io.Reader) (*models.FileNode, error) {
	return f.node("large", name, parentID, r)
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestSeedMirrorsTree(t *testing.T) {
	root := writeTree(t, map[string]string{
		"readme.txt":         "hi",
		"docs/a.pdf":         "pdf",
		"docs/deep/song.mp3": strings.Repeat("x", 64),
	})
	api := &fakeAPI{parents: map[string]string{"": "<root>"}}
	s := &seeder{api: api, largeThreshold: 32}

	stats, err := s.Seed(context.Background(), root, "")
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if stats.Dirs != 2 || stats.Files != 3 || stats.Chunked != 1 || stats.Bytes != 69 {
		t.Errorf("stats = %+v", stats)
	}

	// WalkDir visits entries in lexical order.
	want := []call{
		{"dir", "docs", "<root>", ""},
		{"small", "a.pdf", "docs", "pdf"},
		{"dir", "deep", "docs", ""},
		{"large", "song.mp3", "deep", strings.Repeat("x", 64)},
		{"small", "readme.txt", "<root>", "hi"},
	}
	if len(api.calls) != len(want) {
		t.Fatalf("calls = %+v", api.calls)
	}
	for i := range want {
		if api.calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, api.calls[i], want[i])
		}
	}
}

func TestSeedStopsOnError(t *testing.T) {
	root := writeTree(t, map[string]string{"a.txt": "a", "b.txt": "b"})
	api := &fakeAPI{parents: map[string]string{}, failOn: "a.txt"}
	s := &seeder{api: api, largeThreshold: 1 << 20}

	if _, err := s.Seed(context.Background(), root, ""); err == nil {
		t.Fatal("expected an error")
	}
	if len(api.calls) != 0 {
		t.Errorf("calls after failure = %+v", api.calls)
	}
}
