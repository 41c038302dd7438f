package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mycloud/mycloud/internal/logging"
	"github.com/mycloud/mycloud/pkg/models"
)

// uploader is the part of client.Client the seeder uses.
type uploader interface {
	CreateDirectory(ctx context.Context, name, parentID string) (*models.FileNode, error)
	Upload(ctx context.Context, name, parentID string, content io.Reader) (*models.FileNode, error)
	UploadLarge(ctx context.Context, name, parentID string, content io.Reader) (*models.FileNode, error)
}

type seeder struct {
	api            uploader
	largeThreshold int64
}

type seedStats struct {
	Dirs    int
	Files   int
	Chunked int
	Bytes   int64
}

// Seed mirrors the tree under root into parentID. Symlinks and other
// non-regular files are skipped.
func (s *seeder) Seed(ctx context.Context, root, parentID string) (seedStats, error) {
	var stats seedStats
	// local directory path -> remote directory id
	dirs := map[string]string{root: parentID}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}
		parent := dirs[filepath.Dir(path)]

		if d.IsDir() {
			node, err := s.api.CreateDirectory(ctx, d.Name(), parent)
			if err != nil {
				return fmt.Errorf("mkdir %s: %w", path, err)
			}
			dirs[path] = node.ID
			stats.Dirs++
			return nil
		}
		if !d.Type().IsRegular() {
			logging.Debug("skipping non-regular file", zap.String("path", path))
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		chunked, err := s.uploadFile(ctx, path, info.Size(), parent)
		if err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
		stats.Files++
		stats.Bytes += info.Size()
		if chunked {
			stats.Chunked++
		}
		return nil
	})
	return stats, err
}

func (s *seeder) uploadFile(ctx context.Context, path string, size int64, parentID string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	name := filepath.Base(path)
	chunked := size >= s.largeThreshold
	var node *models.FileNode
	if chunked {
		node, err = s.api.UploadLarge(ctx, name, parentID, f)
	} else {
		node, err = s.api.Upload(ctx, name, parentID, f)
	}
	if err != nil {
		return false, err
	}
	logging.Info("seeded", zap.String("path", path), zap.String("id", node.ID), zap.Bool("chunked", chunked))
	return chunked, nil
}
