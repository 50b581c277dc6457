package tracker

import (
	"fmt"
	"hash/fnv"
	"time"
)

// StatusSpec binds a wire status code to its shard count. Sharding the
// status index avoids a hot partition when polling "all pending" at scale:
// readers fan out over status|shard keys and merge.
type StatusSpec struct {
	Code   int
	Shards int
}

// Config parameterizes the task lifecycle for one pipeline stage. Status
// codes are offset per stage so records can never collide even if they end
// up in a shared namespace by mistake.
type Config struct {
	UseCase    string
	Pending    StatusSpec
	InProgress StatusSpec
	Failed     StatusSpec
	Succeeded  StatusSpec
	Ignored    StatusSpec

	MaxRetry   int
	LockExpire time.Duration

	// Zero-padding widths for the status|shard index key.
	StatusPad int
	ShardPad  int
}

// DownloadConfig returns the stage-1 (page download) tracker configuration.
func DownloadConfig() Config {
	return Config{
		UseCase:    "download",
		Pending:    StatusSpec{Code: 10, Shards: 10},
		InProgress: StatusSpec{Code: 12, Shards: 5},
		Failed:     StatusSpec{Code: 14, Shards: 5},
		Succeeded:  StatusSpec{Code: 16, Shards: 10},
		Ignored:    StatusSpec{Code: 18, Shards: 5},
		MaxRetry:   3,
		LockExpire: 60 * time.Second,
		StatusPad:  3,
		ShardPad:   3,
	}
}

// ParseConfig returns the stage-2 (HTML parse) tracker configuration. Codes
// are offset from the download stage.
func ParseConfig() Config {
	cfg := DownloadConfig()
	cfg.UseCase = "parse"
	cfg.Pending.Code = 20
	cfg.InProgress.Code = 22
	cfg.Failed.Code = 24
	cfg.Succeeded.Code = 26
	cfg.Ignored.Code = 28
	return cfg
}

// Spec returns the StatusSpec for a semantic status.
func (c Config) Spec(s Status) (StatusSpec, error) {
	switch s {
	case StatusPending:
		return c.Pending, nil
	case StatusInProgress:
		return c.InProgress, nil
	case StatusFailed:
		return c.Failed, nil
	case StatusSucceeded:
		return c.Succeeded, nil
	case StatusIgnored:
		return c.Ignored, nil
	default:
		return StatusSpec{}, fmt.Errorf("unknown status %d", s)
	}
}

// StatusFromCode maps a wire status code back to its semantic status.
// Unknown codes are a data-model violation and error out.
func (c Config) StatusFromCode(code int) (Status, error) {
	for _, s := range []Status{StatusPending, StatusInProgress, StatusFailed, StatusSucceeded, StatusIgnored} {
		spec, _ := c.Spec(s)
		if spec.Code == code {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status code %d for use case %q", code, c.UseCase)
}

// ShardOf deterministically assigns taskID to one of n shards.
func ShardOf(taskID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return int(h.Sum32() % uint32(n))
}

// ShardKey builds the status|shard index key for a task, e.g. "010|003".
func (c Config) ShardKey(s Status, taskID string) (string, error) {
	spec, err := c.Spec(s)
	if err != nil {
		return "", err
	}
	shard := ShardOf(taskID, spec.Shards)
	return c.formatKey(spec.Code, shard), nil
}

// ShardKeys returns every index key for a status, used to fan a query out
// across all shards.
func (c Config) ShardKeys(s Status) ([]string, error) {
	spec, err := c.Spec(s)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, spec.Shards)
	for shard := 0; shard < spec.Shards; shard++ {
		keys = append(keys, c.formatKey(spec.Code, shard))
	}
	return keys, nil
}

func (c Config) formatKey(code, shard int) string {
	return fmt.Sprintf("%0*d|%0*d", c.StatusPad, code, c.ShardPad, shard)
}

// Validate rejects configurations that would corrupt the lifecycle.
func (c Config) Validate() error {
	if c.UseCase == "" {
		return fmt.Errorf("use case is required")
	}
	if c.MaxRetry < 1 {
		return fmt.Errorf("max retry must be >= 1")
	}
	if c.LockExpire <= 0 {
		return fmt.Errorf("lock expiry must be > 0")
	}
	for _, s := range []Status{StatusPending, StatusInProgress, StatusFailed, StatusSucceeded, StatusIgnored} {
		spec, _ := c.Spec(s)
		if spec.Shards < 1 {
			return fmt.Errorf("status %s must have at least one shard", s)
		}
	}
	return nil
}
