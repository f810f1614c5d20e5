// Command creditgate-sweeper releases expired credit reservations and purges
// stale idempotency records on a schedule.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/lock/redislock"
	"github.com/ineyio/creditgate/meter"
	"github.com/ineyio/creditgate/store/gormstore"
	"github.com/ineyio/creditgate/store/memory"
	"github.com/ineyio/creditgate/store/postgres"
	storeredis "github.com/ineyio/creditgate/store/redis"
)

func main() {
	configPath := flag.String("config", "creditgate.yaml", "path to the YAML config file")
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	cfg, err := creditgate.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Sweeper.LogFile)
	if err := run(cfg, logger, *once); err != nil {
		logger.Error("sweeper stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(logFile string) *slog.Logger {
	var out io.Writer = os.Stdout
	if logFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		})
	}
	return slog.New(slog.NewJSONHandler(out, nil)).With("service", "creditgate-sweeper")
}

func run(cfg creditgate.Config, logger *slog.Logger, once bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg.Store, cfg.StartingCredits)
	if err != nil {
		return err
	}
	defer backend.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := append(cfg.Options(),
		creditgate.WithLogger(logger),
		creditgate.WithMeter(meter.Multi{meter.NewPromMeter(reg), meter.NewLogMeter(logger)}),
	)
	if backend.locker != nil {
		opts = append(opts, creditgate.WithLocker(backend.locker))
	}
	mgr := creditgate.NewManager(backend.store, backend.store, backend.store, opts...)

	sw := &sweeper{manager: mgr, logger: logger}
	if once {
		sw.sweep(ctx)
		return nil
	}

	var srv *http.Server
	if cfg.Sweeper.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.Sweeper.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(cfg.Sweeper.Schedule, func() { sw.sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.Sweeper.Schedule, err)
	}
	scheduler.Start()
	logger.Info("sweeper started",
		"schedule", cfg.Sweeper.Schedule,
		"driver", cfg.Store.Driver,
		"metrics_addr", cfg.Sweeper.MetricsAddr,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	select {
	case <-scheduler.Stop().Done():
	case <-time.After(10 * time.Second):
		logger.Warn("sweep still running at shutdown")
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

type sweeper struct {
	manager *creditgate.Manager
	logger  *slog.Logger
}

func (s *sweeper) sweep(ctx context.Context) {
	start := time.Now()

	released, err := s.manager.ExpireStaleReservations(ctx)
	if err != nil {
		s.logger.Error("expire sweep failed", "released", released, "error", err)
	}
	purged, err := s.manager.PurgeIdempotency(ctx)
	if err != nil {
		s.logger.Error("idempotency purge failed", "error", err)
	}

	pending, err := s.manager.PendingReconciliation(ctx)
	if err != nil {
		s.logger.Error("reconciliation listing failed", "error", err)
	}
	for _, res := range pending {
		s.logger.Warn("reservation awaiting reconciliation",
			"account", res.AccountKey,
			"reservation", res.ID,
			"amount", res.Amount,
			"held_since", res.CreatedAt,
		)
	}

	s.logger.Info("sweep done",
		"released", released,
		"purged", purged,
		"pending_reconciliation", len(pending),
		"duration", time.Since(start),
	)
}

type backend struct {
	store  creditgate.Store
	locker creditgate.Locker
	close  func()
}

func openBackend(ctx context.Context, cfg creditgate.StoreConfig, starting int64) (*backend, error) {
	switch cfg.Driver {
	case creditgate.DriverMemory, "":
		return &backend{
			store: memory.New(memory.WithStartingCredits(starting)),
			close: func() {},
		}, nil

	case creditgate.DriverRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		opts := []storeredis.Option{storeredis.WithStartingCredits(starting)}
		if cfg.Prefix != "" {
			opts = append(opts, storeredis.WithKeyPrefix(cfg.Prefix))
		}
		return &backend{
			store:  storeredis.New(client, opts...),
			locker: redislock.New(client),
			close:  func() { client.Close() },
		}, nil

	case creditgate.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		opts := []postgres.Option{postgres.WithStartingCredits(starting)}
		if cfg.Prefix != "" {
			opts = append(opts, postgres.WithTablePrefix(cfg.Prefix))
		}
		s := postgres.New(pool, opts...)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &backend{store: s, close: pool.Close}, nil

	case creditgate.DriverGorm:
		prefix := cfg.Prefix
		if prefix == "" {
			prefix = "creditgate_"
		}
		s, err := gormstore.Open(cfg.DSN, prefix, gormstore.WithStartingCredits(starting))
		if err != nil {
			return nil, err
		}
		if err := s.AutoMigrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return &backend{store: s, close: func() { _ = s.Close() }}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
