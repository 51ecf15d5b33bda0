package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"procurement-automation/internal/actions"
	"procurement-automation/internal/archive"
	"procurement-automation/internal/audit"
	"procurement-automation/internal/config"
	"procurement-automation/internal/events"
	"procurement-automation/internal/guardrails"
	"procurement-automation/internal/idempotency"
	"procurement-automation/internal/killswitch"
	"procurement-automation/internal/logging"
	"procurement-automation/internal/models"
	"procurement-automation/internal/orchestrator"
	"procurement-automation/internal/queue"
	"procurement-automation/internal/rules"
	"procurement-automation/internal/store"
	"procurement-automation/internal/telemetry"
	"procurement-automation/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	guard := guardrails.New(rdb, guardrails.Limits{
		SupplierDailyPOLimit:  cfg.SupplierDailyPOLimit,
		TenantDailyPOValue:    cfg.TenantDailyPOValue,
		TenantHourlyEmailMax:  cfg.TenantHourlyEmailMax,
		DualApprovalThreshold: cfg.DualApprovalThreshold,
	})
	pub := events.NewRedisPublisher(rdb)
	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init archiver: %v", err)
	}

	delivery := &actions.LogDelivery{Logger: logger}
	emailAdapter, err := actions.NewEmailAdapter(delivery, cfg.EmailFrom)
	if err != nil {
		log.Fatalf("init email adapter: %v", err)
	}
	escalation, err := actions.NewEscalationAdapter(delivery, cfg.EmailFrom, cfg.OperatorEmail)
	if err != nil {
		log.Fatalf("init escalation adapter: %v", err)
	}
	signer := actions.NewSigner(cfg.SigningSecret, cfg.SignedBaseURL, cfg.SignedURLTTL)

	dispatcher := actions.NewDispatcher()
	dispatcher.Register(models.ActionCreatePurchaseOrder, actions.NewOrderAdapter(st, guard, pub, archiver, logger))
	dispatcher.Register(models.ActionDispatchEmail, emailAdapter)
	dispatcher.Register(models.ActionAddShoppingListItem, actions.NewShoppingListAdapter(st, pub))
	dispatcher.Register(models.ActionHandoffSignedURL, actions.NewURLHandoffAdapter(signer))
	dispatcher.Register(models.ActionEscalate, escalation)

	engine := orchestrator.New(
		rules.NewLoader(cfg.RulesDir),
		killswitch.New(rdb),
		guard,
		idempotency.New(rdb, cfg.IdempotencyPendingTTL, cfg.IdempotencyFailedTTL, cfg.CompletedTTL),
		dispatcher,
		audit.NewService(st, logger),
		pub,
		st,
		cfg.ActionTimeout,
		logger,
	)

	q := queue.New(rdb, cfg)
	runner := worker.New(cfg, q, engine, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warnf("metrics server stopped: %v", err)
		}
	}()

	logger.Infof("worker started visibility=%s backoff_initial=%s", cfg.VisibilityTimeout, cfg.BackoffInitial)
	if err := runner.Run(ctx); err != nil {
		logger.Infof("worker stopped: %v", err)
	}
}
