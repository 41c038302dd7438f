package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/mycloud/mycloud/internal/files"
	"github.com/mycloud/mycloud/internal/logging"
	"github.com/mycloud/mycloud/internal/transfer"
)

// multipartMemory is how much of a multipart form is kept in memory before
// spilling to disk.
const multipartMemory = 8 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
			return
		}
		s.sendError(w, http.StatusBadRequest, "multipart form required")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp(s.tmpDir, "upload-*")
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	defer os.Remove(tmp.Name())
	size, err := io.Copy(tmp, file)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}

	node, err := s.transfer.Upload(r.Context(), tmp.Name(), size, transfer.UploadRequest{
		Name:     header.Filename,
		MimeType: contentType(header.Header.Get("Content-Type")),
		OwnerID:  owner(r),
		ParentID: r.FormValue("parentId"),
	})
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	logging.WithContext(r.Context()).Info("file uploaded",
		zap.String("id", node.ID),
		zap.Int64("size", size))
	sendJSON(w, http.StatusCreated, node)
}

// handleUploadLarge streams the body through the chunking pipeline. The
// body is either the raw file, named by ?name=, or a multipart form whose
// "file" part is used; a "parentId" part must come before it.
func (s *Server) handleUploadLarge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := transfer.UploadRequest{
		Name:     q.Get("name"),
		MimeType: contentType(r.Header.Get("Content-Type")),
		OwnerID:  owner(r),
		ParentID: q.Get("parentId"),
	}

	var body io.Reader = r.Body
	if mr, err := r.MultipartReader(); err == nil {
		part, err := filePart(mr, &req)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		defer part.Close()
		body = part
	}

	node, err := s.transfer.UploadLarge(r.Context(), body, req)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	logging.WithContext(r.Context()).Info("large file uploaded",
		zap.String("id", node.ID),
		zap.Bool("composed", node.IsComposed),
		zap.Int64("size", node.Size))
	sendJSON(w, http.StatusCreated, node)
}

// filePart advances mr to the "file" part, filling req from the parts and
// headers it passes on the way.
func filePart(mr *multipart.Reader, req *transfer.UploadRequest) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, errors.New("file field required")
		}
		if err != nil {
			return nil, errors.New("malformed multipart body")
		}

		switch part.FormName() {
		case "file":
			if req.Name == "" {
				req.Name = part.FileName()
			}
			req.MimeType = contentType(part.Header.Get("Content-Type"))
			return part, nil
		case "parentId":
			v, err := io.ReadAll(io.LimitReader(part, 256))
			part.Close()
			if err != nil {
				return nil, errors.New("malformed multipart body")
			}
			if req.ParentID == "" {
				req.ParentID = string(v)
			}
		default:
			part.Close()
		}
	}
}

// contentType returns the media type of a Content-Type header, or "" when
// it carries no information about the content.
func contentType(header string) string {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	switch mt {
	case "application/octet-stream", "multipart/form-data":
		return ""
	}
	return mt
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.download(w, r, "single", s.transfer.Download)
}

func (s *Server) handleDownloadLarge(w http.ResponseWriter, r *http.Request) {
	s.download(w, r, "composed", s.transfer.DownloadLarge)
}

type downloadFunc func(ctx context.Context, w io.Writer, id, ownerID string, beforeBody func(*files.DownloadTicket)) (int64, error)

func (s *Server) download(w http.ResponseWriter, r *http.Request, kind string, fn downloadFunc) {
	id := r.URL.Query().Get("id")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "id required")
		return
	}

	started := false
	n, err := fn(r.Context(), w, id, owner(r), func(t *files.DownloadTicket) {
		started = true
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": t.Name}))
		if !t.IsComposed {
			w.Header().Set("Content-Length", strconv.FormatInt(t.Size, 10))
		}
		w.WriteHeader(http.StatusOK)
	})
	if err != nil {
		if !started {
			s.sendServiceError(w, r, err)
			return
		}
		// Headers are gone; all that is left is to cut the stream short.
		logging.WithContext(r.Context()).Error("download interrupted",
			zap.String("id", id),
			zap.String("kind", kind),
			zap.Int64("written", n),
			zap.Error(err))
		panic(http.ErrAbortHandler)
	}
}
