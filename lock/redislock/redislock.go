// Package redislock provides a creditgate.Locker backed by Redis via redsync,
// so several processes sharing one store serialize per-account mutations.
package redislock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"

	"github.com/ineyio/creditgate"
)

const (
	defaultPrefix     = "creditgate:lock:"
	defaultExpiry     = 10 * time.Second
	defaultTries      = 64
	defaultRetryDelay = 25 * time.Millisecond
)

// Locker is a distributed creditgate.Locker.
type Locker struct {
	rs         *redsync.Redsync
	prefix     string
	expiry     time.Duration
	tries      int
	retryDelay time.Duration
	logger     *slog.Logger
}

var _ creditgate.Locker = (*Locker)(nil)

// Option configures Locker.
type Option func(*Locker)

// WithKeyPrefix sets the Redis key prefix of lock keys.
func WithKeyPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

// WithExpiry sets how long a lock survives a crashed holder.
// It must exceed the longest store operation done under the lock.
func WithExpiry(d time.Duration) Option {
	return func(l *Locker) { l.expiry = d }
}

// WithRetry sets how many acquisition attempts are made and the delay between them.
func WithRetry(tries int, delay time.Duration) Option {
	return func(l *Locker) {
		l.tries = tries
		l.retryDelay = delay
	}
}

// WithLogger sets the logger used to report failed unlocks.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) { l.logger = logger }
}

// New creates a Locker using client.
func New(client goredislib.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		rs:         redsync.New(goredis.NewPool(client)),
		prefix:     defaultPrefix,
		expiry:     defaultExpiry,
		tries:      defaultTries,
		retryDelay: defaultRetryDelay,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock acquires the lock of key, retrying until the attempts run out or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	name := l.prefix + key
	mutex := l.rs.NewMutex(name,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(l.tries),
		redsync.WithRetryDelay(l.retryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("redislock: acquire %s: %w", name, err)
	}

	return func() {
		// Unlock must not be skipped because the caller's context ended.
		ok, err := mutex.UnlockContext(context.WithoutCancel(ctx))
		if !ok || err != nil {
			l.logger.Warn("redislock: unlock failed",
				"key", name,
				"error", err,
			)
		}
	}, nil
}
