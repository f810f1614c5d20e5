package creditgate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration.
type Config struct {
	TrialLimit         *int64         `yaml:"trial_limit"`
	FreeTier           FreeTierConfig `yaml:"free_tier"`
	ReservationTTL     time.Duration  `yaml:"reservation_ttl"`
	IdempotencyTTL     time.Duration  `yaml:"idempotency_ttl"`
	StartingCredits    int64          `yaml:"starting_credits"`
	CommitRetries      *int           `yaml:"commit_retries"`
	CommitRetryBackoff time.Duration  `yaml:"commit_retry_backoff"`
	Pricing            PricingConfig  `yaml:"pricing"`
	Health             HealthConfig   `yaml:"health"`
	Store              StoreConfig    `yaml:"store"`
	Sweeper            SweeperConfig  `yaml:"sweeper"`
}

// FreeTierConfig configures the anonymous device quota.
type FreeTierConfig struct {
	Limit  int64         `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// PricingConfig configures the paid cost of a job.
type PricingConfig struct {
	DefaultCredits int64            `yaml:"default_credits"`
	Categories     map[string]int64 `yaml:"categories"`
	SizeBuckets    []SizeBucket     `yaml:"size_buckets"`
}

// SizeBucket adds Credits to jobs up to MaxBytes. A zero MaxBytes matches any size.
type SizeBucket struct {
	MaxBytes int64 `yaml:"max_bytes"`
	Credits  int64 `yaml:"credits"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver    string `yaml:"driver"`
	DSN       string `yaml:"dsn"`
	RedisAddr string `yaml:"redis_addr"`
	Prefix    string `yaml:"prefix"` // key or table prefix; each driver has its own default
}

// SweeperConfig configures the expiry sweeper process.
type SweeperConfig struct {
	Schedule    string `yaml:"schedule"`
	BatchSize   int    `yaml:"batch_size"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogFile     string `yaml:"log_file"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverGorm     = "gorm"
)

// DefaultSweepSchedule runs the sweeper twice a minute.
const DefaultSweepSchedule = "@every 30s"

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("creditgate: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data, applies defaults and validates it.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("creditgate: parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.TrialLimit == nil {
		n := int64(DefaultTrialLimit)
		c.TrialLimit = &n
	}
	if c.FreeTier.Window == 0 {
		c.FreeTier.Window = DefaultFreeTierWindow
	}
	if c.ReservationTTL == 0 {
		c.ReservationTTL = DefaultReservationTTL
	}
	if c.IdempotencyTTL == 0 {
		c.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if c.CommitRetries == nil {
		n := DefaultCommitRetries
		c.CommitRetries = &n
	}
	if c.CommitRetryBackoff == 0 {
		c.CommitRetryBackoff = DefaultCommitBackoff
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Sweeper.Schedule == "" {
		c.Sweeper.Schedule = DefaultSweepSchedule
	}
	if c.Sweeper.BatchSize == 0 {
		c.Sweeper.BatchSize = 100
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.TrialLimit != nil && *c.TrialLimit < 0 {
		return fmt.Errorf("creditgate: config: trial_limit must not be negative")
	}
	if c.FreeTier.Limit < 0 {
		return fmt.Errorf("creditgate: config: free_tier.limit must not be negative")
	}
	if c.FreeTier.Window < 0 {
		return fmt.Errorf("creditgate: config: free_tier.window must not be negative")
	}
	if c.ReservationTTL < 0 {
		return fmt.Errorf("creditgate: config: reservation_ttl must not be negative")
	}
	if c.IdempotencyTTL < 0 {
		return fmt.Errorf("creditgate: config: idempotency_ttl must not be negative")
	}
	if c.IdempotencyTTL > 0 && c.ReservationTTL > 0 && c.IdempotencyTTL < c.ReservationTTL {
		return fmt.Errorf("creditgate: config: idempotency_ttl (%s) must not be shorter than reservation_ttl (%s)",
			c.IdempotencyTTL, c.ReservationTTL)
	}
	if c.StartingCredits < 0 {
		return fmt.Errorf("creditgate: config: starting_credits must not be negative")
	}
	if c.CommitRetries != nil && *c.CommitRetries < 0 {
		return fmt.Errorf("creditgate: config: commit_retries must not be negative")
	}

	if c.Pricing.DefaultCredits < 0 {
		return fmt.Errorf("creditgate: config: pricing.default_credits must not be negative")
	}
	for name, credits := range c.Pricing.Categories {
		if credits <= 0 {
			return fmt.Errorf("creditgate: config: pricing.categories[%s]: credits must be positive", name)
		}
	}
	var prev int64
	for i, b := range c.Pricing.SizeBuckets {
		if b.Credits < 0 {
			return fmt.Errorf("creditgate: config: pricing.size_buckets[%d]: credits must not be negative", i)
		}
		if b.MaxBytes == 0 && i != len(c.Pricing.SizeBuckets)-1 {
			return fmt.Errorf("creditgate: config: pricing.size_buckets[%d]: unbounded bucket must be last", i)
		}
		if b.MaxBytes != 0 && b.MaxBytes <= prev {
			return fmt.Errorf("creditgate: config: pricing.size_buckets[%d]: max_bytes must be ascending", i)
		}
		prev = b.MaxBytes
	}

	switch c.Store.Driver {
	case "", DriverMemory:
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("creditgate: config: store.redis_addr is required for driver %q", c.Store.Driver)
		}
	case DriverPostgres, DriverGorm:
		if c.Store.DSN == "" {
			return fmt.Errorf("creditgate: config: store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("creditgate: config: unknown store.driver %q", c.Store.Driver)
	}

	if c.Sweeper.BatchSize < 0 {
		return fmt.Errorf("creditgate: config: sweeper.batch_size must not be negative")
	}
	return nil
}

// Options translates the engine settings of c into Options.
// Pricing and stores are built by their packages from c.Pricing and c.Store.
func (c Config) Options() []Option {
	opts := []Option{
		WithFreeTier(c.FreeTier.Limit, c.FreeTier.Window),
		WithHealthConfig(c.Health),
	}
	if c.TrialLimit != nil {
		opts = append(opts, WithTrialLimit(*c.TrialLimit))
	}
	if c.ReservationTTL > 0 {
		opts = append(opts, WithReservationTTL(c.ReservationTTL))
	}
	if c.IdempotencyTTL > 0 {
		opts = append(opts, WithIdempotencyTTL(c.IdempotencyTTL))
	}
	if c.CommitRetries != nil {
		opts = append(opts, WithCommitRetries(*c.CommitRetries, c.CommitRetryBackoff))
	}
	if c.Sweeper.BatchSize > 0 {
		opts = append(opts, WithSweepBatch(c.Sweeper.BatchSize))
	}
	return opts
}
