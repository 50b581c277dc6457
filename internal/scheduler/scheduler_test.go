package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkalish/videodb-crawler/internal/attachment"
	blobmemory "github.com/mkalish/videodb-crawler/internal/blob/memory"
	"github.com/mkalish/videodb-crawler/internal/downloader"
	"github.com/mkalish/videodb-crawler/internal/langcode"
	pubmemory "github.com/mkalish/videodb-crawler/internal/publisher/memory"
	"github.com/mkalish/videodb-crawler/internal/tracker"
	"github.com/mkalish/videodb-crawler/internal/tracker/memory"
)

const markerBody = `<html><body>
<div x-show="currentTab === 'video_details'"><h1>ABC-001</h1></div>
</body></html>`

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func testRunConfig() Config {
	return Config{
		RunInterval:    900 * time.Second,
		SafetyMargin:   30 * time.Second,
		PerTaskCost:    2 * time.Second,
		PerTaskReserve: 10 * time.Second,
		InterTaskDelay: time.Millisecond,
	}
}

// testSite serves marker pages under /ok/, soft-error pages under
// /malformed/, and 500s under /down/.
func testSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/ok/"):
			_, _ = w.Write([]byte(markerBody))
		case strings.HasPrefix(r.URL.Path, "/malformed/"):
			_, _ = w.Write([]byte(`<html><body>gone</body></html>`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	runner *Runner
	store  *memory.Store
	blobs  *blobmemory.BlobStore
	pub    *pubmemory.Publisher
	clk    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewStore(tracker.DownloadConfig(), clk)
	blobs := blobmemory.NewBlobStore()
	pub := pubmemory.New()

	client, err := downloader.NewClient(downloader.Config{
		UserAgent:      "videodb-crawler-test/1.0",
		RequestTimeout: 5 * time.Second,
		PageMarker:     "currentTab === 'video_details'",
	})
	require.NoError(t, err)
	retry := downloader.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	runner, err := NewRunner(testRunConfig(), tracker.DownloadConfig(), langcode.EN,
		store, client, retry, attachment.NewStore(blobs, "downloads/en"), pub, clk)
	require.NoError(t, err)
	return &fixture{runner: runner, store: store, blobs: blobs, pub: pub, clk: clk}
}

func TestBatchLimitSpreadsBudgetAcrossShards(t *testing.T) {
	t.Parallel()

	cfg := testRunConfig()
	// (900-30)/2 = 435 task budget over 10 pending shards.
	assert.Equal(t, 44, cfg.BatchLimit(10))
	assert.Equal(t, 435, cfg.BatchLimit(1))
	assert.Equal(t, 435, cfg.BatchLimit(0))
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := testRunConfig()
	require.NoError(t, cfg.Validate())

	cfg.RunInterval = time.Minute
	require.Error(t, cfg.Validate(), "slots shorter than the minimum are rejected")

	cfg = testRunConfig()
	cfg.SafetyMargin = cfg.RunInterval
	require.Error(t, cfg.Validate())

	cfg = testRunConfig()
	cfg.PerTaskCost = 0
	require.Error(t, cfg.Validate())
}

func TestRunDownloadsAndCompletesBatch(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	srv := testSite(t)
	ctx := context.Background()

	urls := []string{srv.URL + "/ok/abc-001", srv.URL + "/ok/abc-002"}
	for _, u := range urls {
		_, err := fx.store.Create(ctx, u)
		require.NoError(t, err)
	}

	stats, err := fx.runner.Run(ctx, fx.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, Stats{Candidates: 2, Claimed: 2, Succeeded: 2}, stats)

	for _, u := range urls {
		task, err := fx.store.Get(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, tracker.StatusSucceeded, task.Status)
		assert.NotEmpty(t, task.ContentRef)
		assert.NotEmpty(t, task.ContentChecksum)
		_, err = fx.blobs.Get(ctx, task.ContentRef)
		assert.NoError(t, err, "completed task must point at a stored page")
	}
	assert.Len(t, fx.pub.Messages(), 2)
}

func TestRunRecordsMalformedPageAndContinues(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	srv := testSite(t)
	ctx := context.Background()

	_, err := fx.store.Create(ctx, srv.URL+"/malformed/abc-001")
	require.NoError(t, err)
	_, err = fx.store.Create(ctx, srv.URL+"/ok/abc-002")
	require.NoError(t, err)

	stats, err := fx.runner.Run(ctx, fx.clk.Now())
	require.NoError(t, err, "a malformed page must not abort the run")
	assert.Equal(t, 2, stats.Claimed)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)

	// The malformed page consumed one retry and is queued again.
	task, err := fx.store.Get(ctx, srv.URL+"/malformed/abc-001")
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
}

func TestRunAbortsOnUnexpectedFetchError(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	srv := testSite(t)
	ctx := context.Background()

	_, err := fx.store.Create(ctx, srv.URL+"/down/abc-001")
	require.NoError(t, err)

	stats, err := fx.runner.Run(ctx, fx.clk.Now())
	require.Error(t, err)
	assert.Equal(t, 1, stats.Claimed)
	assert.Zero(t, stats.Succeeded)

	// The failure was recorded before aborting, so the task can retry later.
	task, err := fx.store.Get(ctx, srv.URL+"/down/abc-001")
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
}

func TestRunStopsAtDeadline(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	srv := testSite(t)
	ctx := context.Background()

	_, err := fx.store.Create(ctx, srv.URL+"/ok/abc-001")
	require.NoError(t, err)

	// A start far enough in the past puts the whole slot behind the clock.
	start := fx.clk.Now().Add(-time.Hour)
	stats, err := fx.runner.Run(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Candidates)
	assert.Zero(t, stats.Claimed, "no task may start after the deadline")

	task, err := fx.store.Get(ctx, srv.URL+"/ok/abc-001")
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusPending, task.Status)
}
