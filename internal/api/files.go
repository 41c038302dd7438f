package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/mycloud/mycloud/internal/files"
	"github.com/mycloud/mycloud/internal/logging"
	"github.com/mycloud/mycloud/pkg/models"
	"github.com/mycloud/mycloud/pkg/protocol"
)

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	key, err := files.ParseSortKey(r.URL.Query().Get("sort"))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}

	nodes, err := s.files.ListChildren(r.Context(), owner(r), r.URL.Query().Get("parentId"), key)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []*models.FileNode{}
	}
	sendJSON(w, http.StatusOK, protocol.ListResponse{Files: nodes})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	node, err := s.files.GetOne(r.Context(), r.PathValue("id"), owner(r))
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, node)
}

// handleGetParent returns the directory containing {id}. Root-level nodes
// have no parent and get a 404.
func (s *Server) handleGetParent(w http.ResponseWriter, r *http.Request) {
	ownerID := owner(r)
	node, err := s.files.GetOne(r.Context(), r.PathValue("id"), ownerID)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	if node.ParentID() == "" {
		s.sendServiceError(w, r, fmt.Errorf("%w: node is at the root", files.ErrNotFound))
		return
	}

	parent, err := s.files.GetParentFile(r.Context(), node.ParentID(), ownerID)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, parent)
}

func (s *Server) handleCreateDirectory(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateDirectoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	node, err := s.files.CreateDirectory(r.Context(), req.Name, owner(r), req.ParentID)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	logging.WithContext(r.Context()).Info("directory created",
		zap.String("id", node.ID),
		zap.String("parent", node.ParentID()))
	sendJSON(w, http.StatusCreated, node)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req protocol.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	node, err := s.files.Update(r.Context(), r.PathValue("id"), owner(r), files.UpdateInput{
		Name:     req.Name,
		ParentID: req.ParentID,
	})
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, node)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.files.Delete(r.Context(), id, owner(r)); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	logging.WithContext(r.Context()).Info("node deleted", zap.String("id", id))
	w.WriteHeader(http.StatusNoContent)
}
