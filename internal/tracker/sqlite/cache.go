package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mkalish/videodb-crawler/internal/blob"
	"github.com/mkalish/videodb-crawler/internal/hash/sha256"
	"github.com/mkalish/videodb-crawler/internal/logging"
)

// Cache round-trips the database file through the blob store. The parse
// stage is single-writer, so a plain pull/work/push cycle is safe as long as
// only one run is active per key.
type Cache struct {
	store blob.Store
	key   string
}

// NewCache binds a blob store and object key for one database file.
func NewCache(store blob.Store, key string) *Cache {
	return &Cache{store: store, key: key}
}

// Pull downloads the cached database to path and returns its checksum. A
// missing object is not an error: the store will be created fresh and the
// empty checksum forces Push to upload it.
func (c *Cache) Pull(ctx context.Context, path string) (string, error) {
	data, err := c.store.Get(ctx, c.key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			logging.L.Info("no cached database, starting fresh", zap.String("key", c.key))
			return "", nil
		}
		return "", fmt.Errorf("fetch cached database %s: %w", c.key, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write cached database: %w", err)
	}
	sum := sha256.Digest(data)
	logging.L.Info("pulled cached database",
		zap.String("key", c.key),
		zap.Int("bytes", len(data)),
		zap.String("checksum", sum))
	return sum, nil
}

// Push uploads the database at path unless its checksum still matches
// prevChecksum, in which case the upload is skipped.
func (c *Cache) Push(ctx context.Context, path, prevChecksum string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read database file: %w", err)
	}
	sum := sha256.Digest(data)
	if sum == prevChecksum {
		logging.L.Info("database unchanged, skipping upload", zap.String("key", c.key))
		return sum, nil
	}
	if _, err := c.store.Put(ctx, c.key, data, blob.PutOptions{ContentType: "application/vnd.sqlite3"}); err != nil {
		return "", fmt.Errorf("upload database %s: %w", c.key, err)
	}
	logging.L.Info("pushed database",
		zap.String("key", c.key),
		zap.Int("bytes", len(data)),
		zap.String("checksum", sum))
	return sum, nil
}
