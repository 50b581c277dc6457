// Package sitemap manages immutable, digest-identified snapshots of the
// site's URL index. A snapshot is created once per discovery run, its child
// documents are downloaded lazily, and the whole directory is cached
// gzip-compressed so later stages can replay the exact same URL set.
package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mkalish/videodb-crawler/internal/hash/sha256"
	"github.com/mkalish/videodb-crawler/internal/logging"
)

const rootFileName = "root.xml.gz"

// NotFoundError reports a requested snapshot digest with no cached
// directory. Snapshots are never re-fetched implicitly; recovery is an
// explicit new discovery run.
type NotFoundError struct {
	Digest string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sitemap snapshot %s not found", e.Digest)
}

// Fetcher retrieves one remote document. The downloader's raw fetch
// satisfies it.
type Fetcher interface {
	FetchRaw(ctx context.Context, url string) ([]byte, error)
}

// Snapshot is one immutable capture of the sitemap, rooted at a
// digest-named cache directory.
type Snapshot struct {
	Digest  string
	RootURL string

	dir     string
	fetcher Fetcher
}

// New creates a fresh snapshot: it fetches the root document, derives the
// digest from its content, and persists it under cacheDir/digest. Creating
// the same content twice lands on the same directory.
func New(ctx context.Context, fetcher Fetcher, cacheDir, rootURL string) (*Snapshot, error) {
	data, err := fetcher.FetchRaw(ctx, rootURL)
	if err != nil {
		return nil, fmt.Errorf("fetch root sitemap: %w", err)
	}
	data, err = maybeGunzip(data)
	if err != nil {
		return nil, fmt.Errorf("decompress root sitemap: %w", err)
	}
	digest := sha256.Digest(data)
	dir := filepath.Join(cacheDir, digest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := writeGzipped(filepath.Join(dir, rootFileName), data); err != nil {
		return nil, err
	}
	logging.L.Info("created sitemap snapshot",
		zap.String("digest", digest),
		zap.String("dir", dir))
	return &Snapshot{Digest: digest, RootURL: rootURL, dir: dir, fetcher: fetcher}, nil
}

// Open attaches to an existing snapshot by digest. The digest must already
// be cached.
func Open(fetcher Fetcher, cacheDir, digest string) (*Snapshot, error) {
	dir := filepath.Join(cacheDir, digest)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, &NotFoundError{Digest: digest}
	}
	return &Snapshot{Digest: digest, dir: dir, fetcher: fetcher}, nil
}

// Download walks the root index and fetches every child document not
// already cached. It is idempotent; re-running skips cached files.
func (s *Snapshot) Download(ctx context.Context) error {
	root, err := s.readFile(rootFileName)
	if err != nil {
		return err
	}
	locs, err := ParseIndex(root)
	if err != nil {
		return err
	}
	for _, loc := range locs {
		name, err := childFileName(loc)
		if err != nil {
			return err
		}
		if _, err := os.Stat(filepath.Join(s.dir, name)); err == nil {
			continue
		}
		data, err := s.fetcher.FetchRaw(ctx, loc)
		if err != nil {
			return fmt.Errorf("fetch child sitemap %s: %w", loc, err)
		}
		data, err = maybeGunzip(data)
		if err != nil {
			return fmt.Errorf("decompress child sitemap %s: %w", loc, err)
		}
		if err := writeGzipped(filepath.Join(s.dir, name), data); err != nil {
			return err
		}
		logging.L.Debug("cached child sitemap",
			zap.String("digest", s.Digest),
			zap.String("file", name))
	}
	return nil
}

var seqPattern = regexp.MustCompile(`(\d+)`)

// ItemFiles lists cached child files sorted ascending by the sequence
// number embedded in the filename, so items_2 precedes items_10. Insertion
// order downstream depends on this ordering.
func (s *Snapshot) ItemFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshot dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == rootFileName || !strings.HasSuffix(name, ".gz") {
			continue
		}
		names = append(names, name)
	}
	sort.SliceStable(names, func(i, j int) bool {
		si, sj := fileSeq(names[i]), fileSeq(names[j])
		if si != sj {
			return si < sj
		}
		return names[i] < names[j]
	})
	return names, nil
}

// Items parses one cached child file into (url, language) pairs.
func (s *Snapshot) Items(name string) ([]Item, error) {
	data, err := s.readFile(name)
	if err != nil {
		return nil, err
	}
	return ParseItems(data)
}

// Prune removes uncompressed leftovers (debugging copies) from the snapshot
// directory, keeping only the gzipped cache files.
func (s *Snapshot) Prune() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("list snapshot dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".gz") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			return fmt.Errorf("prune %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Dir exposes the snapshot's cache directory.
func (s *Snapshot) Dir() string {
	return s.dir
}

func (s *Snapshot) readFile(name string) ([]byte, error) {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("open snapshot file %s: %w", name, err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open snapshot file %s: %w", name, err)
	}
	defer gz.Close()
	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("read snapshot file %s: %w", name, err)
	}
	return data, nil
}

func writeGzipped(path string, data []byte) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return fmt.Errorf("compress %s: %w", path, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress %s: %w", path, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// maybeGunzip transparently decompresses gzip payloads; sitemap servers mix
// plain and pre-compressed responses.
func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

// childFileName derives a stable cache filename from the child URL.
func childFileName(loc string) (string, error) {
	u, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("parse child sitemap url %q: %w", loc, err)
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return "", fmt.Errorf("child sitemap url %q has no file component", loc)
	}
	base = strings.TrimSuffix(base, ".gz")
	return base + ".gz", nil
}

// fileSeq extracts the first embedded number of a filename; files without
// one sort ahead of numbered files.
func fileSeq(name string) int {
	m := seqPattern.FindString(name)
	if m == "" {
		return -1
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return -1
	}
	return n
}
