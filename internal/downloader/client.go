// Package downloader fetches single pages from the target site and
// classifies the outcome: transport-level failures are retryable, a
// well-formed response with the wrong body is terminal for the attempt.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mkalish/videodb-crawler/internal/logging"
)

// Config controls the HTTP client and page validation.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	// PageMarker must appear in a 200 body for the page to count as a real
	// detail page.
	PageMarker string
}

// LoadConfig reads the downloader section from viper.
func LoadConfig(v *viper.Viper) Config {
	return Config{
		UserAgent:      v.GetString("downloader.user_agent"),
		RequestTimeout: v.GetDuration("downloader.request_timeout"),
		PageMarker:     v.GetString("downloader.page_marker"),
	}
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.UserAgent == "" {
		return fmt.Errorf("downloader.user_agent is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("downloader.request_timeout must be positive")
	}
	return nil
}

// Client is a colly-backed single-page fetcher. Pacing between requests is
// the scheduler's job; the client itself imposes no delay.
type Client struct {
	base   *colly.Collector
	cfg    Config
	logger *zap.Logger
}

// NewClient constructs a configured Client.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := colly.NewCollector(colly.UserAgent(cfg.UserAgent))
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)
	return &Client{base: base, cfg: cfg, logger: logging.L}, nil
}

// FetchRaw retrieves one URL and returns the body. Non-200 responses are
// reported as *HTTPError.
func (c *Client) FetchRaw(ctx context.Context, rawURL string) ([]byte, error) {
	collector := c.base.Clone()
	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() {
			resultCh <- res
		})
	}

	collector.OnResponse(func(r *colly.Response) {
		send(fetchResult{status: r.StatusCode, body: append([]byte{}, r.Body...)})
	})
	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		if status != 0 {
			// colly routes non-2xx here with a generic error; keep the code.
			send(fetchResult{status: status})
			return
		}
		if err == nil {
			err = errors.New("unknown fetch error")
		}
		send(fetchResult{err: err})
	})

	if err := collector.Visit(rawURL); err != nil {
		return nil, fmt.Errorf("visit %s: %w", rawURL, err)
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if res.err != nil {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, res.err)
		}
		if res.status != http.StatusOK {
			return nil, &HTTPError{URL: rawURL, StatusCode: res.status}
		}
		return res.body, nil
	default:
		return nil, fmt.Errorf("fetch %s produced no result", rawURL)
	}
}

// FetchPage retrieves one detail page and validates its structure. A 200
// body missing the configured marker is a *MalformedHTMLError.
func (c *Client) FetchPage(ctx context.Context, rawURL string) ([]byte, error) {
	body, err := c.FetchRaw(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if c.cfg.PageMarker != "" && !strings.Contains(string(body), c.cfg.PageMarker) {
		c.logger.Warn("page missing structural marker", zap.String("url", rawURL))
		return nil, &MalformedHTMLError{URL: rawURL, Reason: "structural marker not found"}
	}
	return body, nil
}

type fetchResult struct {
	status int
	body   []byte
	err    error
}
