package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestTypeFromName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"report.pdf", "pdf"},
		{"archive.tar.gz", "gz"},
		{"Makefile", ""},
		{".bashrc", "bashrc"},
		{"trailing.", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := TypeFromName(tt.name); got != tt.want {
			t.Errorf("TypeFromName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestParentID(t *testing.T) {
	root := &FileNode{ID: "a"}
	if got := root.ParentID(); got != "" {
		t.Errorf("root ParentID = %q", got)
	}
	p := "a"
	child := &FileNode{ID: "b", Parent: &p}
	if got := child.ParentID(); got != "a" {
		t.Errorf("child ParentID = %q", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	p := "dir"
	orig := &FileNode{
		ID:       "f",
		Type:     TypeDirectory,
		Parent:   &p,
		Children: []string{"x", "y"},
		Chunks:   []string{"c1"},
	}
	c := orig.Clone()

	*c.Parent = "other"
	c.Children[0] = "z"
	c.Chunks = append(c.Chunks[:0], "c2")

	if orig.ParentID() != "dir" {
		t.Errorf("parent shared with clone: %q", orig.ParentID())
	}
	if orig.Children[0] != "x" {
		t.Errorf("children shared with clone: %v", orig.Children)
	}
	if orig.Chunks[0] != "c1" {
		t.Errorf("chunks shared with clone: %v", orig.Chunks)
	}
	if !c.IsDirectory() {
		t.Error("clone lost its type")
	}
}

func TestMarshalChildren(t *testing.T) {
	p := "d"
	tests := []struct {
		name string
		node FileNode
		want string
	}{
		{"empty directory", FileNode{ID: "d", Type: TypeDirectory}, `"children":[]`},
		{"emptied directory", FileNode{ID: "d", Type: TypeDirectory, Children: []string{}}, `"children":[]`},
		{"directory with children", FileNode{ID: "d", Type: TypeDirectory, Children: []string{"a"}}, `"children":["a"]`},
		{"file", FileNode{ID: "f", Type: "txt", Parent: &p}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(&tt.node)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			got := string(b)
			if tt.want == "" {
				if strings.Contains(got, `"children"`) {
					t.Errorf("file JSON has children: %s", got)
				}
				return
			}
			if !strings.Contains(got, tt.want) || strings.Count(got, `"children"`) != 1 {
				t.Errorf("JSON = %s, want one %s", got, tt.want)
			}
			if !strings.Contains(got, `"parent":null`) {
				t.Errorf("JSON = %s, want parent null", got)
			}
		})
	}

	var back FileNode
	if err := json.Unmarshal([]byte(`{"id":"d","type":"directory","children":[]}`), &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Children == nil || !back.IsDirectory() {
		t.Errorf("decoded = %+v", back)
	}
}
