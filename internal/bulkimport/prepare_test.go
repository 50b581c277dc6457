package bulkimport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkalish/videodb-crawler/internal/blob/memory"
	"github.com/mkalish/videodb-crawler/internal/langcode"
	"github.com/mkalish/videodb-crawler/internal/sitemap"
	"github.com/mkalish/videodb-crawler/internal/tracker"
)

const testRootXML = `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://video.example.com/items_1.xml</loc></sitemap>
  <sitemap><loc>https://video.example.com/items_2.xml</loc></sitemap>
</sitemapindex>`

func testChildXML(n int) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"
        xmlns:xhtml="http://www.w3.org/1999/xhtml">
  <url>
    <loc>https://video.example.com/en/abc-%03d</loc>
    <xhtml:link rel="alternate" hreflang="en" href="https://video.example.com/en/abc-%03d"/>
    <xhtml:link rel="alternate" hreflang="ja" href="https://video.example.com/ja/abc-%03d"/>
  </url>
  <url>
    <loc>https://video.example.com/en/abc-%03d</loc>
    <xhtml:link rel="alternate" hreflang="en" href="https://video.example.com/en/abc-%03d"/>
    <xhtml:link rel="alternate" hreflang="ja" href="https://video.example.com/ja/abc-%03d"/>
  </url>
</urlset>`, n, n, n, n+1, n+1, n+1)
}

type fakeFetcher struct {
	pages map[string][]byte
}

func (f *fakeFetcher) FetchRaw(_ context.Context, url string) ([]byte, error) {
	body, ok := f.pages[url]
	if !ok {
		return nil, fmt.Errorf("no page for %s", url)
	}
	return body, nil
}

func testSnapshot(t *testing.T) *sitemap.Snapshot {
	t.Helper()
	fetcher := &fakeFetcher{pages: map[string][]byte{
		"https://video.example.com/sitemap.xml": []byte(testRootXML),
		"https://video.example.com/items_1.xml": []byte(testChildXML(1)),
		"https://video.example.com/items_2.xml": []byte(testChildXML(3)),
	}}
	snap, err := sitemap.New(context.Background(), fetcher, t.TempDir(), "https://video.example.com/sitemap.xml")
	require.NoError(t, err)
	require.NoError(t, snap.Download(context.Background()))
	return snap
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := tracker.DownloadConfig()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	recs := []tracker.Record{
		cfg.NewRecord("https://video.example.com/en/abc-001", base),
		cfg.NewRecord("https://video.example.com/en/abc-002", base.Add(time.Microsecond)),
	}

	payload, err := EncodeRecords(recs)
	require.NoError(t, err)
	got, err := DecodeRecords(payload)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, recs[0].TaskID, got[0].TaskID)
	assert.Equal(t, recs[0].StatusShard, got[0].StatusShard)
	assert.True(t, recs[1].CreateTime.Equal(got[1].CreateTime))
}

func TestPrepareImportFilesFiltersToOneLanguage(t *testing.T) {
	t.Parallel()

	snap := testSnapshot(t)
	blobs := memory.NewBlobStore()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	keys, err := PrepareImportFiles(context.Background(), snap, blobs, PrepareConfig{
		Lang:    langcode.EN,
		Tracker: tracker.DownloadConfig(),
		Prefix:  "imports/" + snap.Digest,
		Workers: 4,
	}, base)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "imports/"+snap.Digest+"/en/items_1.json.gz", keys[0])
	assert.Equal(t, "imports/"+snap.Digest+"/en/items_2.json.gz", keys[1])

	var all []tracker.Record
	for _, key := range keys {
		payload, err := blobs.Get(context.Background(), key)
		require.NoError(t, err)
		recs, err := DecodeRecords(payload)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		all = append(all, recs...)
	}

	// Exactly the English URLs, every record pending, create times strictly
	// increasing across file boundaries.
	want := []string{
		"https://video.example.com/en/abc-001",
		"https://video.example.com/en/abc-002",
		"https://video.example.com/en/abc-003",
		"https://video.example.com/en/abc-004",
	}
	cfg := tracker.DownloadConfig()
	for i, rec := range all {
		assert.Equal(t, want[i], rec.TaskID)
		assert.Equal(t, cfg.Pending.Code, rec.Status)
		if i > 0 {
			assert.True(t, all[i-1].CreateTime.Before(rec.CreateTime),
				"create_time must be strictly increasing")
		}
	}
}

func TestPrepareImportFilesFirstK(t *testing.T) {
	t.Parallel()

	snap := testSnapshot(t)
	blobs := memory.NewBlobStore()

	keys, err := PrepareImportFiles(context.Background(), snap, blobs, PrepareConfig{
		Lang:    langcode.JA,
		Tracker: tracker.DownloadConfig(),
		Prefix:  "imports/" + snap.Digest,
		FirstK:  1,
	}, time.Now())
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, 1, blobs.Len())
}

func TestWriteReadManifest(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	ctx := context.Background()
	m := Manifest{
		ExportID:  "exp-1",
		Table:     "tasks_test_en",
		Status:    ExportCompleted,
		PartKeys:  []string{PartKey("exports/en", "exp-1", 0)},
		ItemCount: 42,
	}

	_, err := WriteManifest(ctx, blobs, "exports/en", m)
	require.NoError(t, err)

	got, err := ReadManifest(ctx, blobs, "exports/en", "exp-1")
	require.NoError(t, err)
	assert.Equal(t, m.Table, got.Table)
	assert.Equal(t, m.PartKeys, got.PartKeys)
	assert.Equal(t, int64(42), got.ItemCount)
}

func TestWaitForExport(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	ctx := context.Background()

	// No manifest at all: the wait times out.
	_, err := WaitForExport(ctx, blobs, "exports/en", "missing", time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)

	_, err = WriteManifest(ctx, blobs, "exports/en", Manifest{ExportID: "exp-ok", Status: ExportCompleted})
	require.NoError(t, err)
	m, err := WaitForExport(ctx, blobs, "exports/en", "exp-ok", time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ExportCompleted, m.Status)

	_, err = WriteManifest(ctx, blobs, "exports/en", Manifest{ExportID: "exp-bad", Status: ExportFailed})
	require.NoError(t, err)
	_, err = WaitForExport(ctx, blobs, "exports/en", "exp-bad", time.Millisecond, time.Second)
	require.ErrorIs(t, err, ErrExportFailed)
}
