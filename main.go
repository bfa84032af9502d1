// Package main provides the entry point for the Mizuchi delivery and payment reconciliation service
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirphl/Mizuchi/app/handlers"
	"github.com/amirphl/Mizuchi/app/router"
	"github.com/amirphl/Mizuchi/app/scheduler"
	"github.com/amirphl/Mizuchi/app/services"
	businessflow "github.com/amirphl/Mizuchi/business_flow"
	"github.com/amirphl/Mizuchi/config"
	"github.com/amirphl/Mizuchi/repository"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Version is stamped at build time
var Version = "dev"

// Application holds the wired components shared by every command
type Application struct {
	config *config.ProductionConfig
	db     *gorm.DB
	cache  *redis.Client

	campaignFlow businessflow.CampaignFlow
	aggregator   businessflow.CampaignAggregator
	stateMachine businessflow.OrderStateMachine
	reconciler   businessflow.PaymentReconciler

	queueRepo    repository.MessageQueueRepository
	campaignRepo repository.CampaignRepository
	outboxRepo   repository.OutboxEventRepository
	tx           repository.Transactor

	publisher services.EventPublisher
	stopFuncs []func()
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "mizuchi",
		Short:   "Mizuchi - message delivery queue and payment webhook reconciliation",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(rebuildCountersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var withoutWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with the background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initializeApplication()
			if err != nil {
				return err
			}
			defer app.Close()

			if !withoutWorkers {
				app.startBackgroundWorkers(context.Background())
			}
			app.startMetricsServer()

			appRouter := app.newRouter()
			appRouter.SetupRoutes()

			errCh := make(chan error, 1)
			go func() {
				address := fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port)
				errCh <- appRouter.Start(address)
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("server stopped: %w", err)
			case <-waitForSignal():
			}
			log.Println("Shutting down gracefully...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
			defer cancel()
			if err := appRouter.Shutdown(shutdownCtx); err != nil {
				log.Printf("Error during shutdown: %v", err)
			}

			log.Println("Server stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&withoutWorkers, "without-workers", false, "Serve HTTP only; run workers with the worker command")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the delivery workers, outbox relay and counter rebuild job without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initializeApplication()
			if err != nil {
				return err
			}
			defer app.Close()

			app.startBackgroundWorkers(context.Background())
			app.startMetricsServer()

			<-waitForSignal()
			log.Println("Stopping workers...")
			return nil
		},
	}
}

func rebuildCountersCmd() *cobra.Command {
	var campaignID uint
	cmd := &cobra.Command{
		Use:   "rebuild-counters",
		Short: "Recompute campaign counters from their queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := initializeApplication()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if campaignID != 0 {
				res, err := app.aggregator.RebuildCounters(ctx, campaignID)
				if err != nil {
					return err
				}
				fmt.Printf("campaign %d: changed=%t sent=%d failed=%d delivered=%d read=%d clicked=%d\n",
					res.CampaignID, res.Changed, res.Sent, res.Failed, res.Delivered, res.Read, res.Clicked)
				return nil
			}

			reconciler := scheduler.NewCounterReconciler(app.campaignRepo, app.aggregator, 0, log.Default())
			corrected, err := reconciler.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("rebuilt active campaigns, %d corrected\n", corrected)
			return nil
		},
	}
	cmd.Flags().UintVar(&campaignID, "campaign", 0, "Rebuild a single campaign; all active campaigns when omitted")
	return cmd
}

func waitForSignal() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{}
	if cfg.SlowQueryLog {
		gormCfg.Logger = gormlogger.New(log.Default(), gormlogger.Config{
			SlowThreshold:             cfg.SlowQueryTime,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("Database connection established with %d max open connections, %d max idle connections",
		cfg.MaxOpenConns, cfg.MaxIdleConns)

	return db, nil
}

// initializeCache returns nil when redis is disabled; locks and rate limits then stay in-process
func initializeCache(cfg config.CacheConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Printf("Redis connection established (db=%d)", cfg.RedisDB)
	return rc, nil
}

// startCacheHealthMonitor periodically pings Redis to surface connectivity issues.
// The returned cancel function stops the monitor.
func startCacheHealthMonitor(parent context.Context, client *redis.Client, interval time.Duration) func() {
	monitorCtx, cancel := context.WithCancel(parent)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				ctx, c := context.WithTimeout(context.Background(), 3*time.Second)
				if err := client.Ping(ctx).Err(); err != nil {
					log.Printf("Redis healthcheck failed: %v", err)
				}
				c()
			}
		}
	}()
	return cancel
}

// initializeApplication loads configuration and wires repositories, services and flows
func initializeApplication() (*Application, error) {
	cfg, err := config.LoadProductionConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log.Printf("Starting Mizuchi %s (%s)", Version, cfg.Deployment.Environment)

	db, err := initializeDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	rc, err := initializeCache(cfg.Cache)
	if err != nil {
		return nil, err
	}

	app := &Application{config: cfg, db: db, cache: rc}
	if rc != nil {
		app.stopFuncs = append(app.stopFuncs, startCacheHealthMonitor(context.Background(), rc, 0))
	}

	// Initialize repositories
	app.tx = repository.NewTransactor(db)
	app.campaignRepo = repository.NewCampaignRepository(db)
	app.queueRepo = repository.NewMessageQueueRepository(db)
	app.outboxRepo = repository.NewOutboxEventRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)
	webhookRepo := repository.NewWebhookEventRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	timelineRepo := repository.NewOrderTimelineRepository(db)
	subscriptionRepo := repository.NewSubscriptionRepository(db)
	invoiceRepo := repository.NewInvoiceRepository(db)
	transactionRepo := repository.NewTransactionRepository(db)

	// Initialize services
	gateway := services.NewPaymentGateway(cfg.Gateway)
	locker := services.NewLocker(rc)
	app.publisher = services.NewEventPublisher(cfg.Events, scheduler.NewComponentLogger(cfg.Logging, "events"))
	refundRetry := services.RetryPolicy{
		MaxAttempts: cfg.Delivery.RetryMaxAttempts,
		BaseDelay:   cfg.Delivery.RetryBaseDelay,
		MaxDelay:    cfg.Delivery.RetryMaxDelay,
	}

	// Initialize flows
	app.aggregator = businessflow.NewCampaignAggregator(app.campaignRepo, app.queueRepo, auditRepo, app.outboxRepo, app.tx)
	app.campaignFlow = businessflow.NewCampaignFlow(app.campaignRepo, app.queueRepo, auditRepo, app.tx, cfg.Delivery.RetryMaxAttempts)
	app.stateMachine = businessflow.NewOrderStateMachine(orderRepo, timelineRepo, auditRepo, app.outboxRepo, app.tx)
	app.reconciler = businessflow.NewPaymentReconciler(
		businessflow.NewWebhookIngestor(webhookRepo),
		app.stateMachine,
		paymentRepo,
		orderRepo,
		subscriptionRepo,
		invoiceRepo,
		transactionRepo,
		webhookRepo,
		auditRepo,
		app.outboxRepo,
		gateway,
		locker,
		refundRetry,
		app.tx,
		cfg.Webhook.Secret,
	)

	return app, nil
}

func (a *Application) newRouter() router.Router {
	campaignHandler := handlers.NewCampaignHandler(a.campaignFlow)
	webhookHandler := handlers.NewWebhookHandler(a.reconciler, a.aggregator, a.config.Webhook)
	orderHandler := handlers.NewOrderHandler(a.stateMachine, a.reconciler)

	checks := map[string]router.HealthChecker{
		"database": func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if a.cache != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.cache.Ping(ctx).Err()
		}
	}

	return router.NewFiberRouter(a.config, campaignHandler, webhookHandler, orderHandler, checks)
}

// startBackgroundWorkers starts the delivery pool, the outbox relay and the counter rebuild job
func (a *Application) startBackgroundWorkers(ctx context.Context) {
	cfg := a.config

	if cfg.Delivery.Enabled {
		provider := services.NewMessagingProvider(cfg.Messaging)
		limiter := services.NewRateLimiter(a.cache, cfg.Cache.RedisPrefix+"send-rate", cfg.Messaging.RatePerSec)
		worker := scheduler.NewDeliveryWorker(
			a.queueRepo,
			a.aggregator,
			provider,
			limiter,
			a.tx,
			cfg.Delivery,
			cfg.Messaging.SenderID,
			scheduler.NewComponentLogger(cfg.Logging, "delivery"),
		)
		a.stopFuncs = append(a.stopFuncs, worker.Start(ctx))
	}

	relay := scheduler.NewOutboxRelay(a.outboxRepo, a.publisher, a.tx, cfg.Events, scheduler.NewComponentLogger(cfg.Logging, "outbox"))
	a.stopFuncs = append(a.stopFuncs, relay.Start(ctx))

	if cfg.Delivery.CounterRebuildTick > 0 {
		counters := scheduler.NewCounterReconciler(a.campaignRepo, a.aggregator, cfg.Delivery.CounterRebuildTick,
			scheduler.NewComponentLogger(cfg.Logging, "counters"))
		a.stopFuncs = append(a.stopFuncs, counters.Start(ctx))
	}
}

// startMetricsServer serves prometheus metrics on their own port
func (a *Application) startMetricsServer() {
	cfg := a.config.Metrics
	if !cfg.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("Metrics listening on :%d%s", cfg.Port, cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server failed: %v", err)
		}
	}()
	a.stopFuncs = append(a.stopFuncs, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
}

// Close stops background work in reverse start order, then releases connections
func (a *Application) Close() {
	for i := len(a.stopFuncs) - 1; i >= 0; i-- {
		a.stopFuncs[i]()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			log.Printf("Failed to close event publisher: %v", err)
		}
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
