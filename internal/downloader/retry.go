package downloader

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mkalish/videodb-crawler/internal/logging"
	"github.com/mkalish/videodb-crawler/internal/metrics"
)

// RetryPolicy implements jittered exponential backoff for transient fetch
// failures. Only *HTTPError is retried; a malformed page is the same page
// on every attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// LoadRetryPolicy reads the retry section from viper.
func LoadRetryPolicy(v *viper.Viper) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: v.GetInt("downloader.max_attempts"),
		BaseDelay:   v.GetDuration("downloader.backoff_base"),
		MaxDelay:    v.GetDuration("downloader.backoff_cap"),
	}
}

// ShouldRetry decides whether another attempt is warranted.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *HTTPError
	return errors.As(err, &httpErr)
}

// Backoff returns the wait before attempt n (1-based), capped and jittered.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// FetchWithRetry runs FetchPage under the policy. HTTP errors back off and
// retry up to the attempt bound; malformed pages and context cancellation
// propagate immediately.
func (c *Client) FetchWithRetry(ctx context.Context, policy RetryPolicy, rawURL string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		body, err := c.FetchPage(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !policy.ShouldRetry(err, attempt) {
			return nil, err
		}
		wait := policy.Backoff(attempt)
		metrics.ObserveFetchRetry()
		logging.L.Warn("fetch failed, backing off",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}
