package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/internal/gateway"
	"github.com/crosslogic/metering/internal/metering"
	"github.com/crosslogic/metering/internal/store"
	"github.com/crosslogic/metering/internal/subscription"
	"github.com/crosslogic/metering/internal/wallet"
	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/database"
	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/telemetry"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.Monitoring.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting metering service",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("metering_enabled", cfg.Metering.Enabled),
		zap.String("subscription_source", cfg.Billing.SubscriptionSource),
		zap.String("serialize", cfg.Metering.Serialize),
	)

	pricing, err := config.LoadPricingTable(cfg.Metering.PricingFile)
	if err != nil {
		logger.Fatal("failed to load pricing table", zap.String("path", cfg.Metering.PricingFile), zap.Error(err))
	}
	allowances, err := config.LoadAllowanceTable(cfg.Metering.AllowanceFile)
	if err != nil {
		logger.Fatal("failed to load allowance table", zap.String("path", cfg.Metering.AllowanceFile), zap.Error(err))
	}
	logger.Info("loaded metering tables",
		zap.Int("models", len(pricing)),
		zap.Int("allowances", len(allowances)),
	)

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.EnsureSchema(schemaCtx, db); err != nil {
		schemaCancel()
		logger.Fatal("failed to apply schema", zap.Error(err))
	}
	schemaCancel()

	// Settlement serialization; Redis is only dialed when it is the lock backend.
	var (
		locker     metering.Locker
		cacheProbe gateway.HealthChecker
	)
	switch cfg.Metering.Serialize {
	case config.SerializeLocal:
		locker = metering.NewLocalLocker()
	case config.SerializeRedis:
		redisCache, err := cache.NewCache(cfg.Redis)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisCache.Close()
		logger.Info("connected to redis")

		locker = cache.NewLocker(redisCache, "metering:settle:", cfg.Metering.LockTTL, logger)
		cacheProbe = redisCache
	}

	var subs metering.SubscriptionLookup
	switch cfg.Billing.SubscriptionSource {
	case config.SubscriptionSourceStripe:
		subs = subscription.NewStripeLookup(cfg.Billing.StripeSecretKey, nil, subscription.NewPostgresCustomers(db), logger)
	default:
		subs = subscription.NewPostgresLookup(db, logger)
	}

	usageStore := store.NewUsageStore(db, logger)
	ledger := wallet.NewPostgresWallet(db, wallet.Options{}, logger)

	eventBus := events.NewBus(logger)
	registerAuditLog(eventBus, logger)

	engine, err := metering.NewEngine(metering.Config{
		Enabled:       cfg.Metering.Enabled,
		Allowances:    allowances,
		Pricing:       pricing,
		Subscriptions: subs,
		Store:         usageStore,
		Wallet:        ledger,
		Locker:        locker,
		Events:        eventBus,
		Logger:        logger,
		SettleTimeout: cfg.Metering.SettleTimeout,
		LockWait:      cfg.Metering.LockWait,
	})
	if err != nil {
		logger.Fatal("failed to initialize metering engine", zap.Error(err))
	}

	gw := gateway.NewGateway(gateway.Options{
		Meter:          engine,
		Logger:         logger,
		AdminToken:     cfg.Security.AdminAPIToken,
		Events:         usageStore,
		Ledger:         ledger,
		Database:       db,
		Cache:          cacheProbe,
		MetricsEnabled: cfg.Monitoring.Enabled,
		MetricsPath:    cfg.Monitoring.MetricsPath,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.StartHealthMetrics(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	if err := eventBus.Drain(shutdownCtx); err != nil {
		logger.Warn("event handlers still running at exit", zap.Error(err))
	}

	logger.Info("server exited")
}

// registerAuditLog writes billing-relevant events to the log so debits and
// unpriced models can be traced without querying the database.
func registerAuditLog(bus *events.Bus, logger *zap.Logger) {
	audit := logger.Named("audit")
	bus.SubscribeAll(func(ctx context.Context, e events.Event) error {
		if e.Type == events.EventUsageRecorded {
			// One per request; too noisy above debug.
			audit.Debug("event", zap.String("event_id", e.ID), zap.String("user_id", e.UserID), zap.Any("payload", e.Payload))
			return nil
		}
		audit.Info("event",
			zap.String("event_id", e.ID),
			zap.String("type", string(e.Type)),
			zap.String("user_id", e.UserID),
			zap.Any("payload", e.Payload),
		)
		return nil
	})
}
