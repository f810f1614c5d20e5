package creditgate_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cg "github.com/ineyio/creditgate"
)

func TestParseConfig_Full(t *testing.T) {
	t.Setenv("CREDITGATE_DSN", "postgres://u:p@db:5432/credits")

	cfg, err := cg.ParseConfig([]byte(`
trial_limit: 3
free_tier:
  limit: 5
  window: 12h
reservation_ttl: 10m
idempotency_ttl: 48h
starting_credits: 20
commit_retries: 4
commit_retry_backoff: 250ms
pricing:
  default_credits: 1
  categories:
    image: 2
    video: 10
  size_buckets:
    - max_bytes: 1048576
      credits: 0
    - max_bytes: 0
      credits: 3
health:
  failure_threshold: 5
  open_period: 10s
store:
  driver: postgres
  dsn: ${CREDITGATE_DSN}
sweeper:
  schedule: "@every 1m"
  batch_size: 50
  metrics_addr: ":9090"
`))
	require.NoError(t, err)

	assert.Equal(t, int64(3), *cfg.TrialLimit)
	assert.Equal(t, int64(5), cfg.FreeTier.Limit)
	assert.Equal(t, 12*time.Hour, cfg.FreeTier.Window)
	assert.Equal(t, 10*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, 48*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, int64(20), cfg.StartingCredits)
	assert.Equal(t, 4, *cfg.CommitRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.CommitRetryBackoff)
	assert.Equal(t, int64(10), cfg.Pricing.Categories["video"])
	require.Len(t, cfg.Pricing.SizeBuckets, 2)
	assert.Equal(t, 5, cfg.Health.FailureThreshold)
	assert.Equal(t, "postgres://u:p@db:5432/credits", cfg.Store.DSN)
	assert.Equal(t, "@every 1m", cfg.Sweeper.Schedule)
	assert.Equal(t, 50, cfg.Sweeper.BatchSize)
	assert.NotEmpty(t, cfg.Options())
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := cg.ParseConfig([]byte(`starting_credits: 5`))
	require.NoError(t, err)

	assert.Equal(t, int64(cg.DefaultTrialLimit), *cfg.TrialLimit)
	assert.Equal(t, cg.DefaultReservationTTL, cfg.ReservationTTL)
	assert.Equal(t, cg.DefaultIdempotencyTTL, cfg.IdempotencyTTL)
	assert.Equal(t, cg.DefaultFreeTierWindow, cfg.FreeTier.Window)
	assert.Equal(t, cg.DefaultCommitRetries, *cfg.CommitRetries)
	assert.Equal(t, cg.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, cg.DefaultSweepSchedule, cfg.Sweeper.Schedule)
}

func TestParseConfig_ExplicitZeroTrialLimit(t *testing.T) {
	cfg, err := cg.ParseConfig([]byte(`trial_limit: 0`))
	require.NoError(t, err)
	assert.Zero(t, *cfg.TrialLimit)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"negative trial", `trial_limit: -1`, "trial_limit"},
		{"negative credits", `starting_credits: -3`, "starting_credits"},
		{"idempotency shorter than ttl", "reservation_ttl: 1h\nidempotency_ttl: 30m", "idempotency_ttl"},
		{"zero category", "pricing:\n  categories:\n    image: 0", "pricing.categories[image]"},
		{"unbounded bucket first", "pricing:\n  size_buckets:\n    - max_bytes: 0\n      credits: 1\n    - max_bytes: 10\n      credits: 1", "unbounded bucket must be last"},
		{"descending buckets", "pricing:\n  size_buckets:\n    - max_bytes: 10\n      credits: 1\n    - max_bytes: 5\n      credits: 1", "ascending"},
		{"redis without addr", "store:\n  driver: redis", "redis_addr"},
		{"gorm without dsn", "store:\n  driver: gorm", "store.dsn"},
		{"unknown driver", "store:\n  driver: cassandra", "unknown store.driver"},
		{"bad yaml", "trial_limit: [", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cg.ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creditgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: redis\n  redis_addr: localhost:6379\n"), 0o600))

	cfg, err := cg.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Store.RedisAddr)

	_, err = cg.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
