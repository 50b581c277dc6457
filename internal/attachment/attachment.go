// Package attachment offloads large record fields to the blob store. Keys
// are content addressed, so writing identical content twice lands on the
// same object and records can be updated idempotently.
package attachment

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"

	"github.com/mkalish/videodb-crawler/internal/blob"
	"github.com/mkalish/videodb-crawler/internal/hash/sha256"
	"github.com/mkalish/videodb-crawler/internal/logging"
)

// Ref is the stored attachment's location and content checksum. The record
// keeps both; the checksum survives even if the blob is later lost.
type Ref struct {
	URI      string
	Key      string
	Checksum string
}

// Store writes one field's content under a deterministic key derived from
// the record key, field name, and content digest. The payload is gzipped.
type Store struct {
	blobs  blob.Store
	prefix string
}

// NewStore binds a blob store and key prefix.
func NewStore(blobs blob.Store, prefix string) *Store {
	return &Store{blobs: blobs, prefix: prefix}
}

// Key derives the deterministic object key for one (record, field, content)
// triple. The record key is base64-encoded so arbitrary ids (URLs) stay
// path-safe.
func (s *Store) Key(recordKey, fieldName string, data []byte) string {
	pk := base64.RawURLEncoding.EncodeToString([]byte(recordKey))
	return fmt.Sprintf("%s/pk=%s/attr=%s/sha256=%s", s.prefix, pk, fieldName, sha256.Digest(data))
}

// Put stores the content and returns its ref. The checksum is computed over
// the uncompressed content.
func (s *Store) Put(ctx context.Context, recordKey, fieldName string, data []byte) (Ref, error) {
	key := s.Key(recordKey, fieldName, data)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return Ref{}, fmt.Errorf("compress attachment: %w", err)
	}
	if err := gz.Close(); err != nil {
		return Ref{}, fmt.Errorf("compress attachment: %w", err)
	}
	uri, err := s.blobs.Put(ctx, key, buf.Bytes(), blob.PutOptions{
		ContentType: "application/gzip",
		Metadata: map[string]string{
			"field":    fieldName,
			"checksum": sha256.Digest(data),
		},
	})
	if err != nil {
		return Ref{}, fmt.Errorf("store attachment %s: %w", key, err)
	}
	return Ref{URI: uri, Key: key, Checksum: sha256.Digest(data)}, nil
}

// Get fetches and decompresses an attachment by key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	payload, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment %s: %w", key, err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decompress attachment %s: %w", key, err)
	}
	defer gz.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(gz); err != nil {
		return nil, fmt.Errorf("decompress attachment %s: %w", key, err)
	}
	return out.Bytes(), nil
}

// CleanUp removes an attachment after a downstream failure. Cleanup itself
// may fail; orphaned blobs are cheap, so the error is logged and swallowed.
func (s *Store) CleanUp(ctx context.Context, key string) {
	if err := s.blobs.Delete(ctx, key); err != nil {
		logging.L.Warn("attachment cleanup failed, leaving orphan",
			zap.String("key", key),
			zap.Error(err))
	}
}
