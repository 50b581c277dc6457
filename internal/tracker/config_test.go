package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardKeyFormat(t *testing.T) {
	t.Parallel()

	cfg := DownloadConfig()
	key, err := cfg.ShardKey(StatusPending, "https://video.example.com/en/abc-001")
	require.NoError(t, err)
	require.Len(t, key, 7)
	assert.Equal(t, "010|", key[:4])

	// The same id always lands on the same shard.
	again, err := cfg.ShardKey(StatusPending, "https://video.example.com/en/abc-001")
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestShardKeysFanOut(t *testing.T) {
	t.Parallel()

	cfg := DownloadConfig()
	keys, err := cfg.ShardKeys(StatusPending)
	require.NoError(t, err)
	require.Len(t, keys, 10)
	assert.Equal(t, "010|000", keys[0])
	assert.Equal(t, "010|009", keys[9])

	keys, err = cfg.ShardKeys(StatusInProgress)
	require.NoError(t, err)
	require.Len(t, keys, 5)
	assert.Equal(t, "012|000", keys[0])
}

func TestShardOfBounds(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"a", "b", "https://video.example.com/ja/xyz-999", ""} {
		shard := ShardOf(id, 10)
		assert.GreaterOrEqual(t, shard, 0)
		assert.Less(t, shard, 10)
	}
	assert.Equal(t, 0, ShardOf("anything", 1))
	assert.Equal(t, 0, ShardOf("anything", 0))
}

func TestStatusFromCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cfg    Config
		code   int
		want   Status
		hasErr bool
	}{
		{name: "download pending", cfg: DownloadConfig(), code: 10, want: StatusPending},
		{name: "download succeeded", cfg: DownloadConfig(), code: 16, want: StatusSucceeded},
		{name: "parse pending", cfg: ParseConfig(), code: 20, want: StatusPending},
		{name: "parse ignored", cfg: ParseConfig(), code: 28, want: StatusIgnored},
		{name: "parse code in download stage", cfg: DownloadConfig(), code: 20, hasErr: true},
		{name: "unknown code", cfg: DownloadConfig(), code: 99, hasErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.cfg.StatusFromCode(tc.code)
			if tc.hasErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestStageConfigsDoNotShareCodes(t *testing.T) {
	t.Parallel()

	download := DownloadConfig()
	parse := ParseConfig()
	for _, s := range []Status{StatusPending, StatusInProgress, StatusFailed, StatusSucceeded, StatusIgnored} {
		dSpec, err := download.Spec(s)
		require.NoError(t, err)
		pSpec, err := parse.Spec(s)
		require.NoError(t, err)
		assert.NotEqual(t, dSpec.Code, pSpec.Code)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DownloadConfig().Validate())
	require.NoError(t, ParseConfig().Validate())

	bad := DownloadConfig()
	bad.MaxRetry = 0
	require.Error(t, bad.Validate())

	bad = DownloadConfig()
	bad.Pending.Shards = 0
	require.Error(t, bad.Validate())

	bad = DownloadConfig()
	bad.LockExpire = 0
	require.Error(t, bad.Validate())
}
