package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/scheduler"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var checks []func(context.Context) error

	var (
		index geo.Index
		locks lock.Locker
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		locks = lock.NewRedisLocker(rc)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		logger.Info("using redis for location index and driver locks", "addr", cfg.RedisAddr, "geo_key", cfg.RedisGeoKey)
	} else {
		ml := lock.NewMemoryLocker(cfg.MatchLockTTL)
		defer ml.Close()
		index = geo.NewMemoryIndex()
		locks = ml
		logger.Warn("REDIS_ADDR not set; using in-process index and locks")
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		store = ps
		checks = append(checks, ps.Ping)
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set; using in-memory store")
	}

	var (
		events    matcher.Publisher
		locations httpapi.LocationPublisher
	)
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaEventTopic)
		defer kp.Close()
		events, locations = kp, kp
		logger.Info("publishing to kafka", "brokers", cfg.KafkaBrokers, "location_topic", cfg.KafkaLocationTopic, "event_topic", cfg.KafkaEventTopic)
	}

	rs := rides.NewService(store, index, locks, events, logger)
	rs.LockTTL = cfg.MatchLockTTL
	m := &matcher.Service{
		Index:    index,
		Locks:    locks,
		Store:    store,
		Events:   events,
		Logger:   logger,
		RadiusKm: cfg.MatchRadiusKm,
		LockTTL:  cfg.MatchLockTTL,
	}

	if cfg.MatchTick > 0 {
		sch := &scheduler.Scheduler{
			Matcher:  m,
			Rides:    store,
			Logger:   logger,
			Interval: cfg.MatchTick,
			Batch:    cfg.MatchBatch,
			Attempts: cfg.MatchRetryAttempts,
			Backoff:  cfg.MatchRetryBackoff,
		}
		stopScheduler := runBackground(ctx, sch.Run)
		defer stopScheduler()
	}

	api := httpapi.NewServer(httpapi.Options{
		Rides:     rs,
		Matcher:   m,
		Locations: locations,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range checks {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// runBackground starts fn on its own goroutine. The returned stop cancels
// fn's context and blocks until fn has returned, so callers can defer it
// ahead of closing the resources fn uses.
func runBackground(ctx context.Context, fn func(context.Context) error) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = fn(ctx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
