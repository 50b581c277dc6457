// Package scheduler runs one time-boxed crawl batch per invocation. An
// external scheduler (cron) re-invokes it every run interval; state between
// runs lives entirely in the tracker store, so a run that stops early
// resumes naturally on the next slot.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mkalish/videodb-crawler/internal/attachment"
	"github.com/mkalish/videodb-crawler/internal/clock"
	"github.com/mkalish/videodb-crawler/internal/downloader"
	"github.com/mkalish/videodb-crawler/internal/langcode"
	"github.com/mkalish/videodb-crawler/internal/logging"
	"github.com/mkalish/videodb-crawler/internal/metrics"
	"github.com/mkalish/videodb-crawler/internal/publisher"
	"github.com/mkalish/videodb-crawler/internal/tracker"
)

// minRunInterval guards against slots too short to amortize startup cost.
const minRunInterval = 300 * time.Second

// Config sizes and paces one batch run.
type Config struct {
	// RunInterval must match the external scheduler's slot length.
	RunInterval time.Duration
	// SafetyMargin is reserved at the end of the slot.
	SafetyMargin time.Duration
	// PerTaskCost is the amortized time estimate used to size the batch.
	PerTaskCost time.Duration
	// PerTaskReserve is the minimum remaining time to start one more task.
	PerTaskReserve time.Duration
	// InterTaskDelay throttles requests against the target site.
	InterTaskDelay time.Duration
}

// LoadConfig reads the scheduler section from viper.
func LoadConfig(v *viper.Viper) Config {
	return Config{
		RunInterval:    v.GetDuration("scheduler.run_interval"),
		SafetyMargin:   v.GetDuration("scheduler.safety_margin"),
		PerTaskCost:    v.GetDuration("scheduler.per_task_cost"),
		PerTaskReserve: v.GetDuration("scheduler.per_task_reserve"),
		InterTaskDelay: v.GetDuration("scheduler.inter_task_delay"),
	}
}

// Validate checks the run geometry.
func (c Config) Validate() error {
	if c.RunInterval < minRunInterval {
		return fmt.Errorf("scheduler.run_interval %s below minimum %s", c.RunInterval, minRunInterval)
	}
	if c.SafetyMargin <= 0 || c.SafetyMargin >= c.RunInterval {
		return fmt.Errorf("scheduler.safety_margin must be positive and below the run interval")
	}
	if c.PerTaskCost <= 0 {
		return fmt.Errorf("scheduler.per_task_cost must be positive")
	}
	return nil
}

// BatchLimit caps the claimed batch so concurrent and successive runs do
// not over-read the store: the per-slot task budget is spread across the
// pending shards.
func (c Config) BatchLimit(pendingShards int) int {
	if pendingShards <= 0 {
		pendingShards = 1
	}
	budget := (c.RunInterval - c.SafetyMargin).Seconds() / c.PerTaskCost.Seconds()
	return int(math.Ceil(budget / float64(pendingShards)))
}

// Stats summarizes one run.
type Stats struct {
	Candidates int
	Claimed    int
	Succeeded  int
	Failed     int
	Skipped    int
}

// Runner executes batch runs for one language partition.
type Runner struct {
	cfg        Config
	trackerCfg tracker.Config
	lang       langcode.Code
	store      tracker.Store
	client     *downloader.Client
	retry      downloader.RetryPolicy
	attach     *attachment.Store
	pub        publisher.Publisher
	clk        clock.Clock
}

// NewRunner wires a Runner.
func NewRunner(cfg Config, trackerCfg tracker.Config, lang langcode.Code, store tracker.Store, client *downloader.Client, retry downloader.RetryPolicy, attach *attachment.Store, pub publisher.Publisher, clk clock.Clock) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		cfg:        cfg,
		trackerCfg: trackerCfg,
		lang:       lang,
		store:      store,
		client:     client,
		retry:      retry,
		attach:     attach,
		pub:        pub,
		clk:        clk,
	}, nil
}

// Run executes one batch starting at start. start is injectable so the
// deadline behavior can be pinned in tests; production passes clk.Now().
//
// Per task: claim, download with retry, offload the page, complete. A
// malformed page is recorded as a failure and the loop continues; any other
// unexpected error aborts the run, since skipping it is not known to be
// safe. Stopping early on the deadline is a normal partial batch.
func (r *Runner) Run(ctx context.Context, start time.Time) (Stats, error) {
	deadline := start.Add(r.cfg.RunInterval - r.cfg.SafetyMargin)
	limit := r.cfg.BatchLimit(r.trackerCfg.Pending.Shards)

	metrics.SetRunInProgress(true)
	defer metrics.SetRunInProgress(false)

	candidates, err := r.store.QueryByStatus(ctx, []tracker.Status{tracker.StatusPending, tracker.StatusFailed}, limit, true)
	if err != nil {
		return Stats{}, fmt.Errorf("query candidates: %w", err)
	}
	stats := Stats{Candidates: len(candidates)}
	metrics.SetRunBatchSize(len(candidates))
	logging.L.Info("batch run started",
		zap.String("lang", r.lang.String()),
		zap.Int("candidates", len(candidates)),
		zap.Int("shard_limit", limit),
		zap.Time("deadline", deadline))

	limiter := rate.NewLimiter(rate.Every(r.cfg.InterTaskDelay), 1)
	for _, cand := range candidates {
		now := r.clk.Now()
		if !now.Before(deadline) || deadline.Sub(now) < r.cfg.PerTaskReserve {
			logging.L.Info("deadline reached, stopping run early",
				zap.Int("remaining", stats.Candidates-stats.Claimed-stats.Skipped))
			break
		}
		if err := limiter.Wait(ctx); err != nil {
			return stats, err
		}

		task, err := r.store.Claim(ctx, cand.TaskID)
		if err != nil {
			if errors.Is(err, tracker.ErrNotClaimable) || errors.Is(err, tracker.ErrTaskNotFound) {
				stats.Skipped++
				continue
			}
			return stats, fmt.Errorf("claim %s: %w", cand.TaskID, err)
		}
		stats.Claimed++

		if err := r.runTask(ctx, task); err != nil {
			var malformed *downloader.MalformedHTMLError
			if errors.As(err, &malformed) {
				stats.Failed++
				continue
			}
			return stats, err
		}
		stats.Succeeded++
	}

	logging.L.Info("batch run finished",
		zap.String("lang", r.lang.String()),
		zap.Int("claimed", stats.Claimed),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped))
	return stats, nil
}

// runTask downloads one page and advances its record. The returned error is
// the malformed sentinel (caller continues) or a run-aborting failure.
func (r *Runner) runTask(ctx context.Context, task tracker.Task) error {
	lang := r.lang.String()
	fetchStart := r.clk.Now()
	body, err := r.client.FetchWithRetry(ctx, r.retry, task.TaskID)
	if err != nil {
		var malformed *downloader.MalformedHTMLError
		if errors.As(err, &malformed) {
			metrics.ObservePageFetched(lang, "malformed", r.clk.Now().Sub(fetchStart))
			metrics.ObserveTaskOutcome(lang, "failed")
			if _, cerr := r.store.Complete(ctx, task.TaskID, task.LockToken, tracker.Fail(err)); cerr != nil {
				logging.L.Warn("failed to record malformed page",
					zap.String("task_id", task.TaskID),
					zap.Error(cerr))
			}
			return err
		}
		metrics.ObservePageFetched(lang, "error", r.clk.Now().Sub(fetchStart))
		// Record the failure so retries remain possible, then abort the run.
		if _, cerr := r.store.Complete(ctx, task.TaskID, task.LockToken, tracker.Fail(err)); cerr != nil {
			logging.L.Warn("failed to record fetch error",
				zap.String("task_id", task.TaskID),
				zap.Error(cerr))
		}
		return fmt.Errorf("fetch %s: %w", task.TaskID, err)
	}
	metrics.ObservePageFetched(lang, "ok", r.clk.Now().Sub(fetchStart))

	ref, err := r.attach.Put(ctx, task.TaskID, "html", body)
	if err != nil {
		return fmt.Errorf("store page %s: %w", task.TaskID, err)
	}
	metrics.ObserveBytesStored(lang, len(body))

	if _, err := r.store.Complete(ctx, task.TaskID, task.LockToken, tracker.Succeed(ref.Key, ref.Checksum)); err != nil {
		if errors.Is(err, tracker.ErrLockExpired) {
			// Lost the lock to a competing run. The blob is content
			// addressed, so leaving it is harmless.
			logging.L.Warn("lock expired before completion",
				zap.String("task_id", task.TaskID))
			r.attach.CleanUp(ctx, ref.Key)
			return nil
		}
		return fmt.Errorf("complete %s: %w", task.TaskID, err)
	}
	metrics.ObserveTaskOutcome(lang, "succeeded")

	if r.pub != nil {
		event := publisher.DownloadCompleted{
			TaskID:      task.TaskID,
			Lang:        r.lang,
			ContentRef:  ref.Key,
			Checksum:    ref.Checksum,
			CompletedAt: r.clk.Now(),
		}
		if _, err := r.pub.Publish(ctx, event); err != nil {
			logging.L.Warn("event publish failed",
				zap.String("task_id", task.TaskID),
				zap.Error(err))
		}
	}
	return nil
}
