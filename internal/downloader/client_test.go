package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkalish/videodb-crawler/internal/metrics"
)

const detailBody = `<html><body>
<div x-show="currentTab === 'video_details'"><h1>ABC-001</h1></div>
</body></html>`

func testConfig() Config {
	return Config{
		UserAgent:      "videodb-crawler-test/1.0",
		RequestTimeout: 5 * time.Second,
		PageMarker:     "currentTab === 'video_details'",
	}
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestFetchPageReturnsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(detailBody))
	}))
	defer srv.Close()

	client, err := NewClient(testConfig())
	require.NoError(t, err)

	body, err := client.FetchPage(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ABC-001")
}

func TestFetchRawClassifiesNon200(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(testConfig())
	require.NoError(t, err)

	_, err = client.FetchRaw(context.Background(), srv.URL)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.Equal(t, srv.URL, httpErr.URL)
}

func TestFetchPageRejectsMissingMarker(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>This page no longer exists</body></html>`))
	}))
	defer srv.Close()

	client, err := NewClient(testConfig())
	require.NoError(t, err)

	_, err = client.FetchPage(context.Background(), srv.URL)
	var malformed *MalformedHTMLError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, srv.URL, malformed.URL)
}

func TestFetchWithRetryRecoversFromTransientError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(detailBody))
	}))
	defer srv.Close()

	client, err := NewClient(testConfig())
	require.NoError(t, err)

	body, err := client.FetchWithRetry(context.Background(), fastPolicy(5), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ABC-001")
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(testConfig())
	require.NoError(t, err)

	_, err = client.FetchWithRetry(context.Background(), fastPolicy(3), srv.URL)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchWithRetryDoesNotRetryMalformedPages(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`<html><body>soft 404</body></html>`))
	}))
	defer srv.Close()

	client, err := NewClient(testConfig())
	require.NoError(t, err)

	_, err = client.FetchWithRetry(context.Background(), fastPolicy(5), srv.URL)
	var malformed *MalformedHTMLError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchWithRetryCountsRetries(t *testing.T) {
	// Not parallel: reads the process-wide retry counter.
	metrics.Init()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(detailBody))
	}))
	defer srv.Close()

	client, err := NewClient(testConfig())
	require.NoError(t, err)

	_, err = client.FetchWithRetry(context.Background(), fastPolicy(5), srv.URL)
	require.NoError(t, err)

	expected := `
# HELP crawler_fetch_retries_total Fetch attempts beyond the first.
# TYPE crawler_fetch_retries_total counter
crawler_fetch_retries_total 2
`
	require.NoError(t, testutil.GatherAndCompare(prometheus.DefaultGatherer,
		strings.NewReader(expected), "crawler_fetch_retries_total"))
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	policy := fastPolicy(3)
	httpErr := &HTTPError{URL: "https://x", StatusCode: 503}

	assert.True(t, policy.ShouldRetry(httpErr, 1))
	assert.False(t, policy.ShouldRetry(httpErr, 3), "attempt bound is inclusive")
	assert.False(t, policy.ShouldRetry(nil, 1))
	assert.False(t, policy.ShouldRetry(&MalformedHTMLError{URL: "https://x"}, 1))
	assert.False(t, policy.ShouldRetry(context.Canceled, 1))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 10, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		wait := policy.Backoff(attempt)
		assert.GreaterOrEqual(t, wait, time.Duration(0))
		assert.LessOrEqual(t, wait, policy.MaxDelay)
	}
	// Attempt 1 jitters around the base delay, never exceeding it.
	assert.LessOrEqual(t, policy.Backoff(1), 2*time.Second)
	assert.GreaterOrEqual(t, policy.Backoff(1), time.Second)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	cfg.UserAgent = ""
	require.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.RequestTimeout = 0
	require.Error(t, cfg.Validate())
}
