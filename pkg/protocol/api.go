// Package protocol defines the API request/response types.
package protocol

import "github.com/mycloud/mycloud/pkg/models"

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// ListResponse is returned by GET /files
type ListResponse struct {
	Files []*models.FileNode `json:"files"`
}

// CreateDirectoryRequest is the body of POST /files/directories
type CreateDirectoryRequest struct {
	Name     string `json:"name"`
	ParentID string `json:"parentId,omitempty"`
}

// UpdateRequest is the body of PATCH /files/{id}
type UpdateRequest struct {
	Name     *string `json:"name,omitempty"`
	ParentID *string `json:"parentId,omitempty"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status string `json:"status"`
}
