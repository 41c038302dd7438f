// Package minio stores blobs in a MinIO server through minio-go.
package minio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/mycloud/mycloud/internal/logging"
	"github.com/mycloud/mycloud/internal/metrics"
)

// Config holds MinIO backend settings. Endpoint may carry a scheme, which
// then takes precedence over UseSSL.
type Config struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

// Backend implements blobstore.Backend on MinIO.
type Backend struct {
	client *minio.Client
	bucket string
}

// New connects to MinIO and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	host, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	b := &Backend{client: client, bucket: cfg.Bucket}
	if err := b.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return b, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse minio config: %w", err)
	}
	return New(ctx, cfg)
}

func splitEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		return endpoint, useSSL, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	return u.Host, u.Scheme == "https", nil
}

func (b *Backend) ensureBucket(ctx context.Context, region string) error {
	start := time.Now()
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		metrics.RecordBlobOperation("minio", "bucket_exists", time.Since(start), false)
		return fmt.Errorf("check bucket %s: %w", b.bucket, err)
	}
	if exists {
		return nil
	}
	err = b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: region})
	metrics.RecordBlobOperation("minio", "make_bucket", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", b.bucket, err)
	}
	logging.Info("created MinIO bucket", zap.String("bucket", b.bucket))
	return nil
}

// PutObject uploads content to MinIO.
func (b *Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	start := time.Now()
	_, err := b.client.PutObject(ctx, b.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	metrics.RecordBlobOperation("minio", "put_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	logging.Debug("MinIO put object", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// PresignGet returns a presigned GET URL for key.
func (b *Backend) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	start := time.Now()
	u, err := b.client.PresignedGetObject(ctx, b.bucket, key, ttl, url.Values{})
	metrics.RecordBlobOperation("minio", "presign_get", time.Since(start), err == nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Type returns "minio".
func (b *Backend) Type() string { return "minio" }

// Close is a no-op for MinIO backends.
func (b *Backend) Close() error { return nil }
