package bulkimport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/mkalish/videodb-crawler/internal/blob"
)

// Export statuses recorded in the manifest.
const (
	ExportInProgress = "IN_PROGRESS"
	ExportCompleted  = "COMPLETED"
	ExportFailed     = "FAILED"
)

// ErrExportFailed is returned by WaitForExport when the manifest reports a
// failed export.
var ErrExportFailed = errors.New("bulkimport: export failed")

// Manifest describes one point-in-time table export: the data part keys and
// summary counts. It is written last, so its presence marks completion.
type Manifest struct {
	ExportID    string    `json:"export_id"`
	Table       string    `json:"table"`
	Status      string    `json:"status"`
	PartKeys    []string  `json:"part_keys"`
	ItemCount   int64     `json:"item_count"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// ManifestKey returns the blob key of an export's manifest.
func ManifestKey(prefix, exportID string) string {
	return path.Join(prefix, exportID, "manifest.json")
}

// PartKey returns the blob key of the n-th data part of an export.
func PartKey(prefix, exportID string, n int) string {
	return path.Join(prefix, exportID, fmt.Sprintf("part-%05d.json.gz", n))
}

// WriteManifest stores the manifest JSON in the blob store.
func WriteManifest(ctx context.Context, store blob.Store, prefix string, m Manifest) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	key := ManifestKey(prefix, m.ExportID)
	uri, err := store.Put(ctx, key, data, blob.PutOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("store manifest: %w", err)
	}
	return uri, nil
}

// ReadManifest loads an export manifest from the blob store.
func ReadManifest(ctx context.Context, store blob.Store, prefix, exportID string) (Manifest, error) {
	data, err := store.Get(ctx, ManifestKey(prefix, exportID))
	if err != nil {
		return Manifest{}, fmt.Errorf("fetch manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// WaitForExport polls until the export manifest appears and reports a
// terminal status, or the timeout elapses. Exports may be produced by a
// separate process, so completion is only observable through the store.
func WaitForExport(ctx context.Context, store blob.Store, prefix, exportID string, delay, timeout time.Duration) (Manifest, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := store.Exists(ctx, ManifestKey(prefix, exportID))
		if err != nil {
			return Manifest{}, err
		}
		if ok {
			m, err := ReadManifest(ctx, store, prefix, exportID)
			if err != nil {
				return Manifest{}, err
			}
			switch m.Status {
			case ExportCompleted:
				return m, nil
			case ExportFailed:
				return m, ErrExportFailed
			}
		}
		if time.Now().After(deadline) {
			return Manifest{}, fmt.Errorf("export %s not completed within %s", exportID, timeout)
		}
		select {
		case <-ctx.Done():
			return Manifest{}, ctx.Err()
		case <-time.After(delay):
		}
	}
}
