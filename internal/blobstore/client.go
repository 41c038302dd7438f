package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mycloud/mycloud/internal/encryption"
	"github.com/mycloud/mycloud/internal/logging"
)

// Category selects how a blob is filed in the object store.
type Category string

const (
	CategoryAudio    Category = "audio"
	CategoryDocument Category = "document"
)

// Classify maps a MIME type to its storage category.
func Classify(mimeType string) Category {
	if strings.HasPrefix(strings.ToLower(mimeType), "audio/") {
		return CategoryAudio
	}
	return CategoryDocument
}

// Metadata describes the bytes handed to Store. Secret keys the encryption.
type Metadata struct {
	Filename string
	MimeType string
	Secret   string
}

// Stored is the result of a successful Store.
type Stored struct {
	ChunkID   string
	SizeBytes int64
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// LinkTTL is the validity of links issued by RefreshLink.
	LinkTTL time.Duration
	// HTTPClient fetches link content. Defaults to a client with the
	// backend's own transport registered when it provides one.
	HTTPClient *http.Client
}

// Client encrypts and uploads blobs, re-issues their links and fetches
// content back by link.
type Client struct {
	backend Backend
	linkTTL time.Duration
	http    *http.Client
}

// NewClient wraps backend.
func NewClient(backend Backend, opts ClientOptions) *Client {
	if opts.LinkTTL <= 0 {
		opts.LinkTTL = 24 * time.Hour
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = newHTTPClient(backend)
	}
	return &Client{
		backend: backend,
		linkTTL: opts.LinkTTL,
		http:    opts.HTTPClient,
	}
}

func newHTTPClient(backend Backend) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if fb, ok := backend.(interface{ Transport() http.RoundTripper }); ok {
		t.RegisterProtocol("file", fb.Transport())
	}
	return &http.Client{Transport: t}
}

// Store encrypts data with meta.Secret and uploads it.
func (c *Client) Store(ctx context.Context, data []byte, meta Metadata) (Stored, error) {
	var buf bytes.Buffer
	buf.Grow(len(data) + 2*aesBlock)
	n, err := encryption.Encrypt(&buf, bytes.NewReader(data), meta.Secret)
	if err != nil {
		return Stored{}, err
	}

	mimeType := resolveMimeType(meta, func() string { return mimetype.Detect(data).String() })
	return c.put(ctx, &buf, n, meta.Filename, mimeType)
}

// StoreFile encrypts the file at path with meta.Secret and uploads it. The
// encrypted copy is removed afterwards; the source file is left untouched.
func (c *Client) StoreFile(ctx context.Context, path string, meta Metadata) (Stored, error) {
	mimeType := resolveMimeType(meta, func() string {
		mt, err := mimetype.DetectFile(path)
		if err != nil {
			return "application/octet-stream"
		}
		return mt.String()
	})

	encPath, err := encryption.EncryptFile(path, meta.Secret)
	if err != nil {
		return Stored{}, err
	}
	defer os.Remove(encPath)

	f, err := os.Open(encPath)
	if err != nil {
		return Stored{}, fmt.Errorf("%w: %w", encryption.ErrIO, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Stored{}, fmt.Errorf("%w: %w", encryption.ErrIO, err)
	}

	return c.put(ctx, f, info.Size(), meta.Filename, mimeType)
}

func (c *Client) put(ctx context.Context, body io.Reader, size int64, filename, mimeType string) (Stored, error) {
	category := Classify(mimeType)
	key := objectKey(category, filename)

	if err := c.backend.PutObject(ctx, key, body, size, mimeType); err != nil {
		logging.Warn("blob upload failed",
			zap.String("backend", c.backend.Type()),
			zap.String("category", string(category)),
			zap.Error(err))
		return Stored{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	logging.Debug("blob stored",
		zap.String("backend", c.backend.Type()),
		zap.String("category", string(category)),
		zap.Int64("size", size))
	return Stored{ChunkID: key, SizeBytes: size}, nil
}

// RefreshLink issues a new download link for chunkID. Links are not cached.
func (c *Client) RefreshLink(ctx context.Context, chunkID string) (string, error) {
	link, err := c.backend.PresignGet(ctx, chunkID, c.linkTTL)
	if err != nil {
		logging.Debug("presign failed", zap.String("backend", c.backend.Type()), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return link, nil
}

// Fetch opens the content behind link. The caller closes the body.
func (c *Client) Fetch(ctx context.Context, link string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrUpstreamUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: fetch returned status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	return resp.Body, nil
}

// Close releases the backend.
func (c *Client) Close() error {
	return c.backend.Close()
}

const aesBlock = 16

func resolveMimeType(meta Metadata, sniff func() string) string {
	if meta.MimeType != "" {
		return meta.MimeType
	}
	if t := mime.TypeByExtension(filepath.Ext(meta.Filename)); t != "" {
		return t
	}
	return sniff()
}

func objectKey(category Category, filename string) string {
	return fmt.Sprintf("%s/%s/%s", category, uuid.NewString(), sanitizeFilename(filename))
}

// sanitizeFilename strips directory components and separators so the name
// stays a single key segment.
func sanitizeFilename(filename string) string {
	clean := filepath.Base(filepath.Clean(filename))
	clean = strings.ReplaceAll(clean, "/", "_")
	clean = strings.ReplaceAll(clean, "\\", "_")
	if clean == "." || clean == ".." || clean == "" {
		return "unnamed"
	}
	return clean
}
