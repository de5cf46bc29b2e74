package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/paygate-io/paygate/bus"
	"github.com/paygate-io/paygate/handler"
	"github.com/paygate-io/paygate/idempotency"
	"github.com/paygate-io/paygate/infra/config"
	"github.com/paygate-io/paygate/infra/conn"
	"github.com/paygate-io/paygate/infra/logger"
	"github.com/paygate-io/paygate/infra/opensearch"
	"github.com/paygate-io/paygate/infra/validate"
	"github.com/paygate-io/paygate/orchestrator"
	"github.com/paygate-io/paygate/provider"
	"github.com/paygate-io/paygate/reconcile"
	"github.com/paygate-io/paygate/resilience"
	"github.com/paygate-io/paygate/router"
	"github.com/paygate-io/paygate/store"
	"github.com/paygate-io/paygate/webhook"

	// Adapter self-registration
	_ "github.com/paygate-io/paygate/provider/omise"
	_ "github.com/paygate-io/paygate/provider/paypal"
	_ "github.com/paygate-io/paygate/provider/scb"
	_ "github.com/paygate-io/paygate/provider/stripe"
)

func main() {
	// Missing .env is fine; containerized deploys inject the environment.
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger.Init("paygate", cfg.Environment, cfg.LogLevel)
	validate.CustomValidate()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Durable store
	pool, err := conn.ConnectPostgres(ctx, cfg)
	if err != nil {
		logger.Fatal("Database unavailable", err)
	}
	defer pool.Close()

	if cfg.DBAutoMigrate {
		if err := store.Migrate(cfg.DatabaseURL()); err != nil {
			logger.Fatal("Migrations failed", err)
		}
	}
	db := store.New(pool)

	// Redis: idempotency leases, breaker state, webhook rate limits,
	// status cache, task queues.
	rdb, err := conn.ConnectRedis(ctx, cfg)
	if err != nil {
		logger.Fatal("Redis unavailable", err)
	}
	defer rdb.Close()

	// Event bus
	publisher, err := bus.NewAMQPPublisher(cfg.RabbitURL, cfg.RabbitExchange)
	if err != nil {
		logger.Fatal("Event bus unavailable", err)
	}
	defer publisher.Close()

	// Provider adapters, optionally wrapped with the call-log sink
	adapters, err := buildAdapters(ctx, db.Providers)
	if err != nil {
		logger.Fatal("Provider setup failed", err)
	}
	if sink := newCallSink(cfg); sink != nil {
		for name, adapter := range adapters {
			adapters[name] = provider.WithCallLog(name, adapter, sink)
		}
	}
	resolver := func(name string) (provider.PaymentProvider, error) {
		adapter, ok := adapters[name]
		if !ok {
			return nil, fmt.Errorf("provider %s is not configured", name)
		}
		return adapter, nil
	}

	// Resilience: breaker and latency state live in Redis so every
	// instance sees the same provider health.
	breaker := resilience.NewBreaker(resilience.NewRedisBreakerStore(rdb), resilience.BreakerConfig{
		Window:              time.Duration(cfg.BreakerWindowSeconds) * time.Second,
		ConsecutiveFailures: int64(cfg.BreakerConsecutiveFailures),
		FailureRatio:        cfg.BreakerFailureRatio,
		MinSamples:          int64(cfg.BreakerMinSamples),
		OpenFor:             time.Duration(cfg.BreakerOpenSeconds) * time.Second,
	})
	latency := resilience.NewRedisLatencyTracker(rdb)
	pipeline := resilience.NewPipeline(resilience.PipelineConfig{
		Timeout: cfg.ProviderTimeout(),
		Retry: resilience.RetryPolicy{
			MaxAttempts: cfg.ProviderMaxRetries,
			BaseDelay:   cfg.RetryBaseDelay(),
		},
	}, breaker, latency)
	tunePipeline(ctx, db.Providers, pipeline)

	watcher := orchestrator.NewHealthWatcher(db.Providers, publisher)
	breaker.OnTransition(watcher.BreakerTransition)

	// Orchestration
	locker := idempotency.NewStore(rdb)
	statusSvc := orchestrator.NewStatusService(db.Payments, orchestrator.NewRedisStatusCache(rdb),
		time.Duration(cfg.StatusCacheActiveTTLSeconds)*time.Second,
		time.Duration(cfg.StatusCacheTerminalTTLSeconds)*time.Second)

	payments := orchestrator.NewPaymentOrchestrator(orchestrator.PaymentConfig{
		Tx:        db,
		Payments:  db.Payments,
		Locker:    locker,
		Router:    orchestrator.NewRouter(db.Providers, breaker, latency),
		Pipeline:  pipeline,
		Adapters:  resolver,
		Publisher: publisher,
		Cache:     statusSvc,
		LockTTL:   cfg.IdempotencyLockTTL(),
		ResultTTL: cfg.IdempotencyResultTTL(),
	})
	refunds := orchestrator.NewRefundOrchestrator(orchestrator.RefundConfig{
		Tx:        db,
		Payments:  db.Payments,
		Refunds:   db.Refunds,
		Locker:    locker,
		Pipeline:  pipeline,
		Adapters:  resolver,
		Publisher: publisher,
		Cache:     statusSvc,
		LockTTL:   cfg.IdempotencyLockTTL(),
		ResultTTL: cfg.IdempotencyResultTTL(),
	})

	// Webhook intake and processing
	asynqOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	asynqClient := asynq.NewClient(asynqOpt)
	defer asynqClient.Close()
	enqueuer := webhook.NewAsynqEnqueuer(asynqClient)

	ingestor := webhook.NewIngestor(webhook.IngestorConfig{
		Providers: db.Providers,
		Events:    db.Webhooks,
		Adapters:  resolver,
		Limiter:   webhook.NewRedisRateLimiter(rdb, cfg.WebhookRateLimitPerMinute),
		Enqueuer:  enqueuer,
	})
	processor := webhook.NewProcessor(webhook.ProcessorConfig{
		Events:    db.Webhooks,
		Payments:  db.Payments,
		Refunds:   db.Refunds,
		Providers: db.Providers,
		Tx:        db,
		Settler:   refunds,
		Publisher: publisher,
		Cache:     statusSvc,
	})

	reconciler := reconcile.New(reconcile.Config{
		Payments:   db.Payments,
		Tx:         db,
		Events:     db.Webhooks,
		Adapters:   resolver,
		Pipeline:   pipeline,
		Publisher:  publisher,
		Enqueuer:   enqueuer,
		Cache:      statusSvc,
		StaleAfter: time.Duration(cfg.ReconcileStaleMinutes) * time.Minute,
		Retention:  time.Duration(cfg.WebhookRetentionDays) * 24 * time.Hour,
	})

	// Worker pool: webhook settlement plus the maintenance sweeps. The
	// queues are weighted so a webhook backlog cannot starve maintenance.
	mux := asynq.NewServeMux()
	mux.HandleFunc(webhook.TypeProcessWebhook, processor.ProcessTask)
	mux.HandleFunc(reconcile.TypeStalePayments, reconciler.HandleStalePayments)
	mux.HandleFunc(reconcile.TypeWebhookRetries, reconciler.HandleWebhookRetries)
	mux.HandleFunc(reconcile.TypeWebhookPurge, reconciler.HandleWebhookPurge)

	worker := asynq.NewServer(asynqOpt, asynq.Config{
		Concurrency:    cfg.WorkerConcurrency,
		Queues:         map[string]int{webhook.Queue: 7, reconcile.Queue: 3},
		RetryDelayFunc: webhook.RetryDelay,
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error("Task attempt failed", err, logger.LogContext{
				Fields: map[string]any{"type": task.Type()},
			})
		}),
	})
	go func() {
		if err := worker.Run(mux); err != nil {
			logger.Fatal("Worker failed", err)
		}
	}()

	scheduler := asynq.NewScheduler(asynqOpt, &asynq.SchedulerOpts{Location: time.UTC})
	if err := registerSweeps(scheduler); err != nil {
		logger.Fatal("Failed to register sweeps", err)
	}
	go func() {
		if err := scheduler.Run(); err != nil {
			logger.Fatal("Scheduler failed", err)
		}
	}()

	// HTTP surface
	health := handler.NewHealthHandler(cfg.Environment).
		AddProbe("postgres", pool.Ping).
		AddProbe("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() }).
		AddProbe("rabbitmq", func(context.Context) error { return publisher.Ping() })

	r := router.New(router.Handlers{
		Payment:  handler.NewPaymentHandler(payments, refunds, statusSvc, validate.Get()),
		Webhook:  handler.NewWebhookHandler(ingestor),
		Provider: handler.NewProviderHandler(db.Providers, validate.Get()),
		Health:   health,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", err)
		}
	}()
	logger.Info("API is running", logger.LogContext{
		Fields: map[string]any{"port": cfg.Port, "environment": cfg.Environment},
	})

	<-ctx.Done()
	stop()
	logger.Info("Shutting down")

	// Stop intake first, then drain the worker; the deferred closes tear
	// down the shared clients afterwards.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", err)
	}
	scheduler.Shutdown()
	worker.Shutdown()
	logger.Info("Shutdown complete")
}

// buildAdapters initializes one adapter per configured provider.
// Credentials stored on the provider row override the environment key by
// key, so rotation through the admin API wins without a redeploy.
func buildAdapters(ctx context.Context, providers *store.ProviderRepo) (map[string]provider.PaymentProvider, error) {
	rows, err := providers.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	byName := make(map[string]*store.PaymentProvider, len(rows))
	for i := range rows {
		byName[rows[i].Name] = &rows[i]
	}

	built := make(map[string]provider.PaymentProvider)
	for _, name := range provider.GetProviderNames() {
		conf := config.ProviderCredentials(name)
		row, stored := byName[name]
		if stored {
			for k, v := range row.Credentials {
				conf[k] = v
			}
			for k, v := range row.Config {
				if _, taken := conf[k]; !taken {
					conf[k] = v
				}
			}
		} else if len(conf) <= 1 {
			// Nothing beyond the environment default; not configured.
			continue
		}

		adapter, err := provider.Build(name, conf)
		if err != nil {
			logger.Warn("Skipping provider", logger.LogContext{
				Provider: name,
				Fields:   map[string]any{"error": err.Error()},
			})
			continue
		}
		built[name] = adapter
		logger.Info("Registered payment provider", logger.LogContext{Provider: name})
	}

	if len(built) == 0 {
		logger.Warn("No payment providers configured")
	}
	return built, nil
}

// tunePipeline applies per-provider pipeline overrides from the provider
// row config: rate_limit_rps, rate_limit_burst and timeout_seconds.
func tunePipeline(ctx context.Context, providers *store.ProviderRepo, pipeline *resilience.Pipeline) {
	rows, err := providers.List(ctx)
	if err != nil {
		logger.Warn("Skipping pipeline tuning", logger.LogContext{
			Fields: map[string]any{"error": err.Error()},
		})
		return
	}
	for _, row := range rows {
		if raw, ok := row.Config["rate_limit_rps"]; ok {
			rps, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				logger.Warn("Invalid rate_limit_rps", logger.LogContext{
					Provider: row.Name,
					Fields:   map[string]any{"value": raw},
				})
			} else {
				burst := int(rps)
				if raw, ok := row.Config["rate_limit_burst"]; ok {
					if b, err := strconv.Atoi(raw); err == nil {
						burst = b
					}
				}
				pipeline.SetRateLimit(row.Name, rps, burst)
			}
		}
		if raw, ok := row.Config["timeout_seconds"]; ok {
			secs, err := strconv.Atoi(raw)
			if err != nil {
				logger.Warn("Invalid timeout_seconds", logger.LogContext{
					Provider: row.Name,
					Fields:   map[string]any{"value": raw},
				})
				continue
			}
			pipeline.SetTimeout(row.Name, time.Duration(secs)*time.Second)
		}
	}
}

// newCallSink builds the analytics sink when call logging is enabled.
// OpenSearch being down only costs analytics, never payments.
func newCallSink(cfg *config.AppConfig) provider.CallSink {
	if !cfg.EnableCallLogging {
		return nil
	}

	client, err := opensearch.NewClient(cfg)
	if err != nil {
		logger.Warn("OpenSearch unavailable, call logging disabled", logger.LogContext{
			Fields: map[string]any{"error": err.Error()},
		})
		return nil
	}
	client.EnsureIndices(provider.GetProviderNames())
	return &callSink{logger: opensearch.NewCallLogger(client)}
}

// callSink bridges provider call records into the OpenSearch sink.
type callSink struct {
	logger *opensearch.CallLogger
}

// Record writes fire-and-forget; the payment path never waits on analytics.
func (s *callSink) Record(_ context.Context, rec provider.CallRecord) {
	entry := opensearch.CallLog{
		Timestamp:  rec.Timestamp,
		Provider:   rec.Provider,
		Operation:  rec.Operation,
		DurationMs: rec.DurationMs,
		Success:    rec.Success,
		Request:    rec.Request,
		Response:   rec.Response,
	}
	if !rec.Success {
		entry.Error = &opensearch.CallError{Kind: rec.ErrorKind, Code: rec.ErrorCode, Message: rec.ErrorMessage}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.logger.Log(ctx, entry); err != nil {
			logger.Debug("Call log write failed", logger.LogContext{
				Provider: rec.Provider,
				Fields:   map[string]any{"error": err.Error()},
			})
		}
	}()
}

func registerSweeps(scheduler *asynq.Scheduler) error {
	if _, err := scheduler.Register("@every 5m", reconcile.NewStalePaymentsTask()); err != nil {
		return fmt.Errorf("stale payments sweep: %w", err)
	}
	if _, err := scheduler.Register("@every 1m", reconcile.NewWebhookRetriesTask()); err != nil {
		return fmt.Errorf("webhook retry sweep: %w", err)
	}
	if _, err := scheduler.Register("0 4 * * *", reconcile.NewWebhookPurgeTask()); err != nil {
		return fmt.Errorf("webhook purge: %w", err)
	}
	return nil
}
