package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mycloud/mycloud/internal/blobstore"
	"github.com/mycloud/mycloud/internal/files"
	"github.com/mycloud/mycloud/internal/logging"
)

// statusFor maps a service error to a status code and a message safe to
// return. Server-side failures get a generic message so storage ids and
// links stay internal.
func statusFor(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, files.ErrInvalidID), errors.Is(err, files.ErrBadRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, files.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, files.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, files.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "upload too large"
	case errors.Is(err, blobstore.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "upstream storage unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusFor(err)
	log := logging.WithContext(r.Context())
	if code >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		log.Debug("request rejected", zap.Int("status", code), zap.Error(err))
	}
	s.sendError(w, code, msg)
}
