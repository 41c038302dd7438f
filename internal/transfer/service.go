package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/mycloud/mycloud/internal/blobstore"
	"github.com/mycloud/mycloud/internal/encryption"
	"github.com/mycloud/mycloud/internal/files"
	"github.com/mycloud/mycloud/internal/logging"
	"github.com/mycloud/mycloud/internal/metrics"
	"github.com/mycloud/mycloud/internal/retry"
	"github.com/mycloud/mycloud/pkg/models"
)

const segmentSize = 64 * 1024

// FileService is the part of files.Service transfers depend on.
type FileService interface {
	GetParentFile(ctx context.Context, parentID, ownerID string) (*models.FileNode, error)
	CreateFile(ctx context.Context, in files.CreateFileInput) (*models.FileNode, error)
	Download(ctx context.Context, id, ownerID string) (*files.DownloadTicket, error)
}

// BlobClient stores and fetches encrypted blobs.
type BlobClient interface {
	ChunkStore
	StoreFile(ctx context.Context, path string, meta blobstore.Metadata) (blobstore.Stored, error)
	RefreshLink(ctx context.Context, chunkID string) (string, error)
	Fetch(ctx context.Context, link string) (io.ReadCloser, error)
}

// Options configures a Service.
type Options struct {
	ChunkThreshold int
	// TempDir holds decryption spools. Empty means os.TempDir().
	TempDir string
	// Retry covers issuing a link and opening it. Each retry issues a
	// fresh link. The zero value means retry.DefaultPolicy().
	Retry retry.Policy
}

// Service runs uploads and downloads.
type Service struct {
	files     FileService
	blobs     BlobClient
	threshold int
	tmpDir    string
	retry     retry.Policy
}

// NewService creates a transfer Service.
func NewService(fs FileService, blobs BlobClient, opts Options) *Service {
	if opts.ChunkThreshold <= 0 {
		opts.ChunkThreshold = DefaultChunkThreshold
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Service{
		files:     fs,
		blobs:     blobs,
		threshold: opts.ChunkThreshold,
		tmpDir:    opts.TempDir,
		retry:     opts.Retry,
	}
}

// UploadRequest names the file being uploaded and where it goes.
type UploadRequest struct {
	Name     string
	MimeType string
	OwnerID  string
	ParentID string
}

func (s *Service) validate(ctx context.Context, req UploadRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: name is required", files.ErrBadRequest)
	}
	if req.ParentID != "" {
		if _, err := s.files.GetParentFile(ctx, req.ParentID, req.OwnerID); err != nil {
			return err
		}
	}
	return nil
}

func (req UploadRequest) metadata() blobstore.Metadata {
	return blobstore.Metadata{Filename: req.Name, MimeType: req.MimeType, Secret: req.OwnerID}
}

// Upload stores the file at path as one blob and records it. size is the
// plaintext size.
func (s *Service) Upload(ctx context.Context, path string, size int64, req UploadRequest) (*models.FileNode, error) {
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}

	stored, err := s.blobs.StoreFile(ctx, path, req.metadata())
	if err != nil {
		metrics.RecordContentUpload("single", 0, false)
		return nil, err
	}
	node, err := s.files.CreateFile(ctx, files.CreateFileInput{
		Name:     req.Name,
		Size:     size,
		ChunkIDs: []string{stored.ChunkID},
		OwnerID:  req.OwnerID,
		ParentID: req.ParentID,
	})
	metrics.RecordContentUpload("single", size, err == nil)
	return node, err
}

// UploadLarge reads r to the end through a Chunker and records the result
// as one file. If any chunk fails no file is recorded; chunks already
// stored stay in the blob store.
func (s *Service) UploadLarge(ctx context.Context, r io.Reader, req UploadRequest) (*models.FileNode, error) {
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}

	chunker := NewChunker(s.blobs, req.metadata(), s.threshold)
	buf := make([]byte, segmentSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if addErr := chunker.Add(ctx, buf[:n]); addErr != nil {
				metrics.RecordContentUpload("large", 0, false)
				return nil, addErr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			metrics.RecordContentUpload("large", 0, false)
			return nil, fmt.Errorf("%w: read upload: %w", encryption.ErrIO, err)
		}
	}

	ids, size, err := chunker.Close(ctx)
	if err != nil {
		metrics.RecordContentUpload("large", 0, false)
		return nil, err
	}

	node, err := s.files.CreateFile(ctx, files.CreateFileInput{
		Name:     req.Name,
		Size:     size,
		ChunkIDs: ids,
		OwnerID:  req.OwnerID,
		ParentID: req.ParentID,
	})
	metrics.RecordContentUpload("large", size, err == nil)
	if err != nil {
		return nil, err
	}
	logging.Info("large upload complete",
		zap.String("id", node.ID),
		zap.Int("chunks", len(ids)),
		zap.Int64("size", size))
	return node, nil
}

// Download writes a plain file's decrypted bytes to w. beforeBody, if set,
// runs once right before the first byte is written, so a caller can still
// report an error cleanly when nothing has been sent.
func (s *Service) Download(ctx context.Context, w io.Writer, id, ownerID string, beforeBody func(*files.DownloadTicket)) (int64, error) {
	ticket, err := s.files.Download(ctx, id, ownerID)
	if err != nil {
		return 0, err
	}
	if ticket.IsComposed {
		return 0, fmt.Errorf("%w: file is split into chunks, use the large download", files.ErrBadRequest)
	}

	link := ticket.Link
	if ticket.Stale {
		link = ""
	}

	out := &firstWriteHook{w: w, hook: func() { callHook(beforeBody, ticket) }}
	n, err := s.fetchDecrypt(ctx, out, ticket.StorageID, link, ticket.Secret)
	metrics.RecordContentDownload("single", n, err == nil)
	if err != nil {
		return n, err
	}
	out.fire()
	return n, nil
}

// DownloadLarge writes a file's chunks to w in stored order, each through a
// freshly issued link. A plain file is replayed as its single blob.
func (s *Service) DownloadLarge(ctx context.Context, w io.Writer, id, ownerID string, beforeBody func(*files.DownloadTicket)) (int64, error) {
	ticket, err := s.files.Download(ctx, id, ownerID)
	if err != nil {
		return 0, err
	}
	chunks := ticket.Chunks
	if !ticket.IsComposed {
		chunks = []string{ticket.StorageID}
	}

	out := &firstWriteHook{w: w, hook: func() { callHook(beforeBody, ticket) }}
	var total int64
	for i, chunkID := range chunks {
		n, err := s.fetchDecrypt(ctx, out, chunkID, "", ticket.Secret)
		total += n
		if err != nil {
			logging.Warn("chunk replay failed", zap.Int("chunk", i), zap.Int("of", len(chunks)), zap.Error(err))
			metrics.RecordContentDownload("composed", total, false)
			return total, err
		}
	}
	out.fire()
	metrics.RecordContentDownload("composed", total, true)
	return total, nil
}

func (s *Service) fetchDecrypt(ctx context.Context, w io.Writer, chunkID, link, secret string) (int64, error) {
	body, err := s.open(ctx, chunkID, link)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	return encryption.DecryptStream(w, body, secret, s.tmpDir)
}

// open fetches chunkID through link, or through a newly issued link when
// link is empty. Upstream failures are retried with a fresh link, which
// also recovers from links that expired in the meantime.
func (s *Service) open(ctx context.Context, chunkID, link string) (io.ReadCloser, error) {
	return retry.Do(ctx, s.retry, func(attempt int) (io.ReadCloser, error) {
		if link == "" || attempt > 1 {
			fresh, err := s.blobs.RefreshLink(ctx, chunkID)
			if err != nil {
				return nil, upstreamTransient(ctx, err)
			}
			link = fresh
		}
		body, err := s.blobs.Fetch(ctx, link)
		if err != nil {
			logging.Debug("blob fetch failed", zap.Int("attempt", attempt), zap.Error(err))
			return nil, upstreamTransient(ctx, err)
		}
		return body, nil
	})
}

func upstreamTransient(ctx context.Context, err error) error {
	if ctx.Err() == nil && errors.Is(err, blobstore.ErrUpstreamUnavailable) {
		return retry.Transient(err)
	}
	return err
}

func callHook(fn func(*files.DownloadTicket), t *files.DownloadTicket) {
	if fn != nil {
		fn(t)
	}
}

// firstWriteHook runs hook once before the first write reaches w.
type firstWriteHook struct {
	w     io.Writer
	hook  func()
	fired bool
}

func (f *firstWriteHook) fire() {
	if !f.fired {
		f.fired = true
		f.hook()
	}
}

func (f *firstWriteHook) Write(p []byte) (int, error) {
	f.fire()
	return f.w.Write(p)
}
