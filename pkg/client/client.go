// Package client is a Go client for the MyCloud HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mycloud/mycloud/internal/retry"
	"github.com/mycloud/mycloud/pkg/models"
	"github.com/mycloud/mycloud/pkg/protocol"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == status
}

// Client talks to one server as one owner.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      retry.Policy

	mu        sync.RWMutex
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL   string
	AuthToken string
	// Timeout bounds whole requests. Downloads and uploads of large files
	// may need it raised; 0 means 5 minutes.
	Timeout time.Duration
	// Retry applies to requests without a streamed body. The zero value
	// means retry.DefaultPolicy().
	Retry retry.Policy
	// HTTPClient overrides the transport entirely.
	HTTPClient *http.Client
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: hc,
		retry:      cfg.Retry,
		authToken:  cfg.AuthToken,
	}
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authToken
}

// Ping checks that the server answers its health check.
func (c *Client) Ping(ctx context.Context) error {
	var resp protocol.HealthResponse
	return c.doJSON(ctx, http.MethodGet, "/health", nil, http.StatusOK, &resp)
}

// List returns the children of parentID, or the root when it is empty.
// sort is one of "", "name", "type" or "date".
func (c *Client) List(ctx context.Context, parentID, sort string) ([]*models.FileNode, error) {
	q := url.Values{}
	if parentID != "" {
		q.Set("parentId", parentID)
	}
	if sort != "" {
		q.Set("sort", sort)
	}
	path := "/files"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp protocol.ListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// Get returns one node.
func (c *Client) Get(ctx context.Context, id string) (*models.FileNode, error) {
	var n models.FileNode
	if err := c.doJSON(ctx, http.MethodGet, "/files/"+url.PathEscape(id), nil, http.StatusOK, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Parent returns the directory holding id.
func (c *Client) Parent(ctx context.Context, id string) (*models.FileNode, error) {
	var n models.FileNode
	if err := c.doJSON(ctx, http.MethodGet, "/files/"+url.PathEscape(id)+"/parent", nil, http.StatusOK, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateDirectory creates a directory under parentID, or at the root.
func (c *Client) CreateDirectory(ctx context.Context, name, parentID string) (*models.FileNode, error) {
	var n models.FileNode
	req := protocol.CreateDirectoryRequest{Name: name, ParentID: parentID}
	if err := c.doJSON(ctx, http.MethodPost, "/files/directories", req, http.StatusCreated, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Update renames and/or moves a node. Nil fields are left alone.
func (c *Client) Update(ctx context.Context, id string, name, parentID *string) (*models.FileNode, error) {
	var n models.FileNode
	req := protocol.UpdateRequest{Name: name, ParentID: parentID}
	if err := c.doJSON(ctx, http.MethodPatch, "/files/"+url.PathEscape(id), req, http.StatusOK, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Delete removes a node and, for a directory, everything below it.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/files/"+url.PathEscape(id), nil, http.StatusNoContent, nil)
}

// Upload sends a small file as a multipart form. The body is streamed
// through a pipe and is not retried.
func (c *Client) Upload(ctx context.Context, name, parentID string, content io.Reader) (*models.FileNode, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, name, parentID, content))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/files/upload", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var n models.FileNode
	if err := c.send(req, http.StatusCreated, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func writeForm(mw *multipart.Writer, name, parentID string, content io.Reader) error {
	if parentID != "" {
		if err := mw.WriteField("parentId", parentID); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, content); err != nil {
		return err
	}
	return mw.Close()
}

// UploadLarge streams content as the raw request body through the
// server's chunking pipeline. It is not retried.
func (c *Client) UploadLarge(ctx context.Context, name, parentID string, content io.Reader) (*models.FileNode, error) {
	q := url.Values{"name": {name}}
	if parentID != "" {
		q.Set("parentId", parentID)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/files/upload-large?"+q.Encode(), content)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	var n models.FileNode
	if err := c.send(req, http.StatusCreated, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Download opens a file's decrypted content. Composed files need
// large=true. The caller closes the reader.
func (c *Client) Download(ctx context.Context, id string, large bool) (io.ReadCloser, error) {
	path := "/files/download?id=" + url.QueryEscape(id)
	if large {
		path = "/files/download-large?id=" + url.QueryEscape(id)
	}

	return retry.Do(ctx, c.retry, func(int) (io.ReadCloser, error) {
		req, err := c.newRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, transient(ctx, err)
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return nil, classify(decodeError(resp))
		}
		return resp.Body, nil
	})
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

// doJSON sends a request with an optional JSON body, retrying transient
// failures, and decodes the answer into out.
func (c *Client) doJSON(ctx context.Context, method, path string, in any, want int, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}

	_, err := retry.Do(ctx, c.retry, func(int) (struct{}, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			return struct{}{}, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return struct{}{}, c.sendRetryable(req, want, out)
	})
	return err
}

func (c *Client) send(req *http.Request, want int, out any) error {
	err := c.sendRetryable(req, want, out)
	if retry.IsTransient(err) {
		return errors.Unwrap(err)
	}
	return err
}

func (c *Client) sendRetryable(req *http.Request, want int, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transient(req.Context(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return classify(decodeError(resp))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func transient(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	return retry.Transient(err)
}

// classify marks server-side failures as transient. 501 is left alone.
func classify(err *APIError) error {
	switch err.Status {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return retry.Transient(err)
	}
	return err
}

func decodeError(resp *http.Response) *APIError {
	var body protocol.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err != nil || body.Message == "" {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return &APIError{Status: resp.StatusCode, Message: body.Message}
}
