package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkalish/videodb-crawler/internal/langcode"
)

const rootXML = `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://video.example.com/sitemap_items_1.xml</loc></sitemap>
  <sitemap><loc>https://video.example.com/sitemap_items_2.xml</loc></sitemap>
</sitemapindex>`

const childXML = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"
        xmlns:xhtml="http://www.w3.org/1999/xhtml">
  <url>
    <loc>https://video.example.com/en/abc-001</loc>
    <xhtml:link rel="alternate" hreflang="en" href="https://video.example.com/en/abc-001"/>
    <xhtml:link rel="alternate" hreflang="ja" href="https://video.example.com/ja/abc-001"/>
  </url>
  <url>
    <loc>https://video.example.com/en/abc-002</loc>
    <xhtml:link rel="alternate" hreflang="en" href="https://video.example.com/en/abc-002"/>
    <xhtml:link rel="alternate" hreflang="cn" href="https://video.example.com/cn/abc-002"/>
  </url>
</urlset>`

type fakeFetcher struct {
	pages   map[string][]byte
	fetched []string
}

func (f *fakeFetcher) FetchRaw(_ context.Context, url string) ([]byte, error) {
	f.fetched = append(f.fetched, url)
	body, ok := f.pages[url]
	if !ok {
		return nil, fmt.Errorf("no page for %s", url)
	}
	return body, nil
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string][]byte{
		"https://video.example.com/sitemap.xml":         []byte(rootXML),
		"https://video.example.com/sitemap_items_1.xml": []byte(childXML),
		"https://video.example.com/sitemap_items_2.xml": []byte(childXML),
	}}
}

func TestNewSnapshotIsDigestStable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fetcher := newFakeFetcher()

	snap, err := New(context.Background(), fetcher, dir, "https://video.example.com/sitemap.xml")
	require.NoError(t, err)
	require.NotEmpty(t, snap.Digest)

	// Identical content lands on the identical directory.
	again, err := New(context.Background(), fetcher, dir, "https://video.example.com/sitemap.xml")
	require.NoError(t, err)
	assert.Equal(t, snap.Digest, again.Digest)
}

func TestOpenMissingSnapshot(t *testing.T) {
	t.Parallel()

	_, err := Open(newFakeFetcher(), t.TempDir(), "deadbeef")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "deadbeef", notFound.Digest)
}

func TestDownloadIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fetcher := newFakeFetcher()
	snap, err := New(context.Background(), fetcher, dir, "https://video.example.com/sitemap.xml")
	require.NoError(t, err)

	require.NoError(t, snap.Download(context.Background()))
	fetchedOnce := len(fetcher.fetched)
	require.NoError(t, snap.Download(context.Background()))
	assert.Equal(t, fetchedOnce, len(fetcher.fetched), "cached children must not be re-fetched")

	files, err := snap.ItemFiles()
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestItemFilesSortBySequence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	snapDir := filepath.Join(dir, "digest123")
	require.NoError(t, os.MkdirAll(snapDir, 0o755))
	for _, name := range []string{"items_10.xml.gz", "items_2.xml.gz", "items_1.xml.gz", rootFileName} {
		require.NoError(t, os.WriteFile(filepath.Join(snapDir, name), gzipBytes(t, []byte("x")), 0o644))
	}

	snap, err := Open(newFakeFetcher(), dir, "digest123")
	require.NoError(t, err)
	files, err := snap.ItemFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"items_1.xml.gz", "items_2.xml.gz", "items_10.xml.gz"}, files)
}

func TestPruneRemovesUncompressedLeftovers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	snapDir := filepath.Join(dir, "digest123")
	require.NoError(t, os.MkdirAll(snapDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(snapDir, "items_1.xml.gz"), gzipBytes(t, []byte("x")), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(snapDir, "items_1.xml"), []byte("debug copy"), 0o644))

	snap, err := Open(newFakeFetcher(), dir, "digest123")
	require.NoError(t, err)
	require.NoError(t, snap.Prune())

	_, err = os.Stat(filepath.Join(snapDir, "items_1.xml"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(snapDir, "items_1.xml.gz"))
	assert.NoError(t, err)
}

func TestParseItemsExtractsLanguagePairs(t *testing.T) {
	t.Parallel()

	items, err := ParseItems([]byte(childXML))
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, Item{URL: "https://video.example.com/en/abc-001", Lang: langcode.EN}, items[0])
	assert.Equal(t, Item{URL: "https://video.example.com/ja/abc-001", Lang: langcode.JA}, items[1])

	en := FilterByLang(items, langcode.EN)
	require.Len(t, en, 2)
	assert.Equal(t, "https://video.example.com/en/abc-001", en[0].URL)
	assert.Equal(t, "https://video.example.com/en/abc-002", en[1].URL)
}

func TestParseItemsFailsOnUnknownLanguage(t *testing.T) {
	t.Parallel()

	bad := `<?xml version="1.0"?>
<urlset xmlns:xhtml="http://www.w3.org/1999/xhtml">
  <url>
    <loc>https://video.example.com/xx/abc-001</loc>
    <xhtml:link rel="alternate" hreflang="xx" href="https://video.example.com/xx/abc-001"/>
  </url>
</urlset>`
	_, err := ParseItems([]byte(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown language code")
}

func TestMaybeGunzipHandlesBothForms(t *testing.T) {
	t.Parallel()

	plain, err := maybeGunzip([]byte(rootXML))
	require.NoError(t, err)
	assert.Equal(t, []byte(rootXML), plain)

	unzipped, err := maybeGunzip(gzipBytes(t, []byte(rootXML)))
	require.NoError(t, err)
	assert.Equal(t, []byte(rootXML), unzipped)
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}
