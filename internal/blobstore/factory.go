package blobstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mycloud/mycloud/internal/blobstore/local"
	"github.com/mycloud/mycloud/internal/blobstore/minio"
	s3backend "github.com/mycloud/mycloud/internal/blobstore/s3"
)

// NewBackendFromConfig creates a Backend from a backend type string and JSON config.
func NewBackendFromConfig(ctx context.Context, backendType string, config json.RawMessage) (Backend, error) {
	switch backendType {
	case "s3":
		return s3backend.NewBackendFromJSON(ctx, config)
	case "minio":
		return minio.NewFromJSON(ctx, config)
	case "local":
		return local.NewFromJSON(config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}
