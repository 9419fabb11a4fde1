/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the coupon ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env files, environment and flags (config package)
  2. Open the configured store (memory, sqlite, postgres, redis)
  3. Wire metrics, sales aggregator, services and authenticator
  4. Configure HTTP router
  5. Run HTTP server, aggregator and reconciliation scheduler under one
     errgroup until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port    HTTP server port (PORT, default: 8080)
  -store   memory | sqlite | postgres | redis (STORE, default: sqlite)
  -db      SQLite database path (DB_PATH, default: coupons.db)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Drain the sales queue
  4. Close the store
  5. Exit

EXAMPLES:
  JWT_SECRET=dev ./server -store=memory
  JWT_SECRET=dev ./server -db="./data/coupons.db" -port=3000
  JWT_SECRET=dev STORE=postgres DATABASE_URL=postgres://... ./server

SEE ALSO:
  - config/config.go: All settings
  - api/server.go: Router configuration
  - cmd/hashpw: bcrypt hashes for ADMIN_PASSWORD_HASH
*/
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/warp/coupon-ledger/api"
	"github.com/warp/coupon-ledger/config"
	"github.com/warp/coupon-ledger/coupon"
	memstore "github.com/warp/coupon-ledger/coupon/store"
	"github.com/warp/coupon-ledger/store/postgres"
	"github.com/warp/coupon-ledger/store/redis"
	"github.com/warp/coupon-ledger/store/sqlite"
)

const shutdownTimeout = 30 * time.Second

func main() {
	bootLog := config.NewLogger(logrus.InfoLevel)
	config.LoadEnv(bootLog)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		bootLog.WithError(err).Fatal("invalid configuration")
	}
	logger := config.NewLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("server stopped with error")
	}
	logger.Info("server stopped")
}

func run(cfg config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("failed to close store")
		}
	}()

	metrics := coupon.NewMetrics(prometheus.DefaultRegisterer)

	aggregator := coupon.NewSalesAggregator(store, logger, cfg.SalesQueueSize, cfg.SalesWorkers)
	aggregator.Metrics = metrics
	aggregator.Start()

	auth := api.NewAuthenticator(cfg.JWTSecret, cfg.TokenTTL)
	auth.AdminUser = cfg.AdminUser
	auth.AdminPasswordHash = cfg.AdminPasswordHash
	if auth.AdminPasswordHash == "" {
		logger.Warn("ADMIN_PASSWORD_HASH not set, admin login disabled")
	}

	handler := api.NewHandler(store, aggregator, auth, logger, metrics)
	handler.Engine.Retry.MaxAttempts = cfg.RedeemMaxAttempts
	handler.Adjuster.Retry.MaxAttempts = cfg.RedeemMaxAttempts

	scheduler := api.NewReconciliationScheduler(handler.Reconciler, logger)
	scheduler.CheckInterval = cfg.ReconcileInterval

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:      cfg.CORSOrigins,
		Metrics:          promhttp.Handler(),
		DisableScenarios: !cfg.EnableScenarios,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"port":  cfg.Port,
			"store": cfg.Store,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	// Shutdown order: stop taking requests, then drain queued sales.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		aggregator.Stop()
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (coupon.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		return memstore.NewMemory(), nil
	case config.StoreSQLite:
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		logger.WithField("path", cfg.DBPath).Info("sqlite store opened")
		return s, nil
	case config.StorePostgres:
		s, err := postgres.Connect(ctx, postgres.DefaultConfig(cfg.DatabaseURL), logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreRedis:
		s, err := redis.Connect(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		logger.WithField("prefix", cfg.RedisPrefix).Info("redis store connected")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
