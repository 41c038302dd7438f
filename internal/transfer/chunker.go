// Package transfer moves file bytes between clients and the blob store:
// small and chunked uploads, plain and composed downloads.
package transfer

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mycloud/mycloud/internal/blobstore"
	"github.com/mycloud/mycloud/internal/logging"
	"github.com/mycloud/mycloud/internal/metrics"
)

// DefaultChunkThreshold is the most unflushed data a Chunker holds before
// it writes a chunk.
const DefaultChunkThreshold = 20 * 1024 * 1024

// ChunkStore persists one chunk.
type ChunkStore interface {
	Store(ctx context.Context, data []byte, meta blobstore.Metadata) (blobstore.Stored, error)
}

// Chunker accumulates segments and flushes them as chunks once the next
// segment would push the buffer over threshold. Flushes run inline, so the
// producer is paused while a chunk is stored and chunks keep their order.
// A Chunker serves one upload and is not safe for concurrent use.
type Chunker struct {
	store     ChunkStore
	meta      blobstore.Metadata
	threshold int

	buf     [][]byte
	counter int

	ids   []string
	sizes []int64
}

// NewChunker returns a Chunker that stores chunks with meta.
func NewChunker(store ChunkStore, meta blobstore.Metadata, threshold int) *Chunker {
	if threshold <= 0 {
		threshold = DefaultChunkThreshold
	}
	return &Chunker{store: store, meta: meta, threshold: threshold}
}

// Add takes one segment. The segment is copied.
func (c *Chunker) Add(ctx context.Context, segment []byte) error {
	seg := append([]byte(nil), segment...)

	if c.counter+len(seg) <= c.threshold {
		c.buf = append(c.buf, seg)
		c.counter += len(seg)
		return nil
	}

	if len(c.buf) > 0 {
		if err := c.flush(ctx); err != nil {
			return err
		}
	}
	c.buf = [][]byte{seg}
	c.counter = len(seg)
	return nil
}

// Close flushes what is left and returns the chunk ids in flush order and
// the total plaintext size. An empty upload is stored as one empty chunk.
func (c *Chunker) Close(ctx context.Context) ([]string, int64, error) {
	if len(c.buf) > 0 || len(c.ids) == 0 {
		if err := c.flush(ctx); err != nil {
			return nil, 0, err
		}
	}

	var total int64
	for _, s := range c.sizes {
		total += s
	}
	return c.ids, total, nil
}

func (c *Chunker) flush(ctx context.Context) error {
	data := bytes.Join(c.buf, nil)

	stored, err := c.store.Store(ctx, data, c.meta)
	if err != nil {
		// Chunks stored so far stay in the blob store with no node
		// referencing them.
		logging.Warn("chunk flush failed",
			zap.Int("chunk", len(c.ids)),
			zap.Int("size", len(data)),
			zap.Strings("orphaned", c.ids),
			zap.Error(err))
		return fmt.Errorf("flush chunk %d: %w", len(c.ids), err)
	}
	metrics.RecordChunkFlush(len(data))

	c.ids = append(c.ids, stored.ChunkID)
	c.sizes = append(c.sizes, int64(len(data)))
	c.buf = nil
	c.counter = 0
	return nil
}
