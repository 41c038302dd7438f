// Package models contains data types shared by the server packages.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// TypeDirectory is the Type value of directory nodes.
const TypeDirectory = "directory"

// FileNode represents a file or directory in a user's tree.
//
// A file carries either a single StorageID or, when IsComposed is set, an
// ordered list of Chunks. Children is only populated for directories.
type FileNode struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Size       int64     `json:"size"`
	Owner      string    `json:"owner"`
	Parent     *string   `json:"parent"`
	Children   []string  `json:"children,omitempty"`
	StorageID  string    `json:"storageId,omitempty"`
	Chunks     []string  `json:"chunks,omitempty"`
	IsComposed bool      `json:"isComposed"`
	Link       string    `json:"link,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// IsDirectory reports whether the node is a directory.
func (n *FileNode) IsDirectory() bool {
	return n.Type == TypeDirectory
}

// ParentID returns the parent id, or "" for root-level nodes.
func (n *FileNode) ParentID() string {
	if n.Parent == nil {
		return ""
	}
	return *n.Parent
}

// MarshalJSON always writes children for a directory, as [] when empty,
// and leaves it out for files.
func (n FileNode) MarshalJSON() ([]byte, error) {
	type node FileNode
	out := struct {
		node
		Children *[]string `json:"children,omitempty"`
	}{node: node(n)}
	if n.IsDirectory() {
		children := n.Children
		if children == nil {
			children = []string{}
		}
		out.Children = &children
	}
	return json.Marshal(out)
}

// Clone returns a deep copy of the node.
func (n *FileNode) Clone() *FileNode {
	c := *n
	if n.Parent != nil {
		p := *n.Parent
		c.Parent = &p
	}
	if n.Children != nil {
		c.Children = append([]string{}, n.Children...)
	}
	if n.Chunks != nil {
		c.Chunks = append([]string{}, n.Chunks...)
	}
	return &c
}

// TypeFromName derives a file type from the last dot-delimited segment of
// name. A name without a dot yields "".
func TypeFromName(name string) string {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return ""
	}
	return name[i+1:]
}
