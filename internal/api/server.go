// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/mycloud/mycloud/internal/auth"
	"github.com/mycloud/mycloud/internal/events"
	"github.com/mycloud/mycloud/internal/files"
	"github.com/mycloud/mycloud/internal/logging"
	"github.com/mycloud/mycloud/internal/metrics"
	"github.com/mycloud/mycloud/internal/ratelimit"
	"github.com/mycloud/mycloud/internal/transfer"
	"github.com/mycloud/mycloud/pkg/protocol"
)

// Config wires the server to its services.
type Config struct {
	Files       *files.Service
	Transfer    *transfer.Service
	Auth        *auth.Auth
	Limiter     *ratelimit.Limiter
	Broadcaster *events.Broadcaster

	// MaxUploadSize bounds POST /files/upload bodies.
	MaxUploadSize int64
	// TempDir receives multipart uploads before they are encrypted.
	TempDir string
}

// Server is the HTTP server.
type Server struct {
	files         *files.Service
	transfer      *transfer.Service
	auth          *auth.Auth
	limiter       *ratelimit.Limiter
	broadcaster   *events.Broadcaster
	maxUploadSize int64
	tmpDir        string
}

// NewServer creates a new server.
func NewServer(cfg Config) *Server {
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(0)
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = 100 * 1024 * 1024
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Server{
		files:         cfg.Files,
		transfer:      cfg.Transfer,
		auth:          cfg.Auth,
		limiter:       cfg.Limiter,
		broadcaster:   cfg.Broadcaster,
		maxUploadSize: cfg.MaxUploadSize,
		tmpDir:        cfg.TempDir,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Protected endpoints
	mux.Handle("GET /files", s.protect(s.handleList))
	mux.Handle("GET /files/{id}", s.protect(s.handleGet))
	mux.Handle("GET /files/{id}/parent", s.protect(s.handleGetParent))
	mux.Handle("GET /files/download", s.protect(s.handleDownload))
	mux.Handle("GET /files/download-large", s.protect(s.handleDownloadLarge))
	mux.Handle("GET /files/events", s.protect(s.handleEvents))
	mux.Handle("POST /files/upload", s.protect(s.handleUpload))
	mux.Handle("POST /files/upload-large", s.protect(s.handleUploadLarge))
	mux.Handle("POST /files/directories", s.protect(s.handleCreateDirectory))
	mux.Handle("PATCH /files/{id}", s.protect(s.handleUpdate))
	mux.Handle("DELETE /files/{id}", s.protect(s.handleDelete))

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) protect(h http.HandlerFunc) http.Handler {
	return s.auth.Middleware(ratelimit.Middleware(s.limiter, auth.OwnerID)(h))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
}

// owner returns the authenticated owner. protect guarantees one is present.
func owner(r *http.Request) string {
	id, _ := auth.OwnerID(r.Context())
	return id
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	sendJSON(w, code, protocol.ErrorResponse{
		Message: message,
		Status:  code,
	})
}
