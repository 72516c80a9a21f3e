package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"PulseQueue/internal/api"
	"PulseQueue/internal/config"
	"PulseQueue/internal/db"
	"PulseQueue/internal/drive"
	"PulseQueue/internal/email"
	"PulseQueue/internal/enqueue"
	"PulseQueue/internal/metrics"
	"PulseQueue/internal/objectstore"
	"PulseQueue/internal/queue"
	"PulseQueue/internal/quota"
	"PulseQueue/internal/ratelimit"
	"PulseQueue/internal/retry"
	"PulseQueue/internal/rollup"
	"PulseQueue/internal/usage"
	"PulseQueue/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
	logger.Info("application shutdown complete")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development() {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.LogLevel != "" {
		lvl, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}

	// ------------------------------------------------
	// Redis
	// ------------------------------------------------
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	// ------------------------------------------------
	// Admission + queue
	// ------------------------------------------------
	counters := usage.New(rdb)
	limiter := ratelimit.New(counters)
	tracker := quota.New(counters)
	transport := queue.New(rdb, cfg.QueueName, logger)

	enq := enqueue.New(store, store, transport, limiter, tracker, logger,
		enqueue.WithMaxRetries(cfg.MaxRetries),
	)

	var driveOpts []drive.Option
	if cfg.S3Bucket != "" {
		objects, err := objectstore.New(ctx, objectstore.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Expiry:    cfg.S3PresignExpiry,
		})
		if err != nil {
			return err
		}
		driveOpts = append(driveOpts, drive.WithSigner(objects))
		logger.Info("drive uploads signed against bucket", zap.String("bucket", cfg.S3Bucket))
	}
	gate := drive.New(store, limiter, tracker, logger, driveOpts...)

	// ------------------------------------------------
	// Worker
	// ------------------------------------------------
	sender := email.NewSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom, cfg.SMTPRateLimit, logger)
	receiver := &email.Receiver{Log: logger}

	w := worker.New(store, transport, sender, receiver,
		retry.NewPolicy(cfg.RetryInitialBackoff, cfg.RetryMaxBackoff),
		logger,
		worker.WithInterval(cfg.WorkerInterval),
		worker.WithBatchSize(cfg.WorkerBatchSize),
		worker.WithStaleAfter(cfg.StaleJobAfter),
	)

	if n, err := w.Recover(ctx); err != nil {
		logger.Error("startup recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("republished stale jobs", zap.Int("count", n))
	}
	w.Start(ctx)

	// ------------------------------------------------
	// Monthly usage rollup
	// ------------------------------------------------
	roll := rollup.New(store, tracker, store, cfg.UsageRollupSchedule, logger)
	if err := roll.Start(ctx); err != nil {
		return err
	}

	// ------------------------------------------------
	// HTTP servers
	// ------------------------------------------------
	handler := api.New(enq, gate, logger)
	handler.MaxBulkRows = cfg.MaxBulkRows
	handler.Healthy = w.Healthy
	handler.Checks["postgres"] = store.Ping
	handler.Checks["redis"] = counters.Ping

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           api.WithCORS(handler.Routes(), cfg.CORSAllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, srv := range map[string]*http.Server{"api": apiServer, "metrics": metricsServer} {
		g.Go(func() error {
			logger.Info(name+" server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		})
	}

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down services...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// stop taking requests first so nothing new is queued during drain
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}
		if err := w.Stop(shutdownCtx); err != nil {
			logger.Error("worker stop failed", zap.Error(err))
		}
		roll.Stop()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown failed", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
