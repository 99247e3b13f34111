package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fcartres/proyectofinal-sub001/internal/allocator"
	"github.com/fcartres/proyectofinal-sub001/internal/auth"
	"github.com/fcartres/proyectofinal-sub001/internal/billing"
	"github.com/fcartres/proyectofinal-sub001/internal/config"
	"github.com/fcartres/proyectofinal-sub001/internal/enrollment"
	"github.com/fcartres/proyectofinal-sub001/internal/events"
	httpapi "github.com/fcartres/proyectofinal-sub001/internal/http"
	"github.com/fcartres/proyectofinal-sub001/internal/locks"
	"github.com/fcartres/proyectofinal-sub001/internal/logging"
	"github.com/fcartres/proyectofinal-sub001/internal/payments"
	"github.com/fcartres/proyectofinal-sub001/internal/rating"
	"github.com/fcartres/proyectofinal-sub001/internal/reconcile"
	"github.com/fcartres/proyectofinal-sub001/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	store, health, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var locker locks.Locker = locks.NewLocalLocker()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		locker = locks.NewRedisLocker(rc, cfg.LockTTL, logger)
		logger.Info("using redis locks", "addr", cfg.RedisAddr)
	}

	hub := events.NewHub(logger)
	pub := events.Multi{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		pub = append(pub, kp)
		logger.Info("publishing events to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	if cfg.PushEndpoint != "" {
		pub = append(pub, events.NewPushPublisher(cfg.PushEndpoint, cfg.PushKey))
	}

	if cfg.StripeAPIKey == "" {
		logger.Warn("STRIPE_API_KEY not set; checkout and reconciliation will fail")
	}
	if cfg.StripeWebhookSecret == "" {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set; payment webhooks are accepted unsigned")
	}
	gw := payments.Instrumented{
		Next:    payments.NewStripeGateway(cfg.StripeAPIKey, cfg.PaymentCurrency),
		Timeout: cfg.PaymentGatewayTimeout,
	}

	alloc := allocator.New(store, locker, pub, logger)
	enr := enrollment.New(store, locker, gw, pub, logger, enrollment.CheckoutConfig{
		SuccessURL:    cfg.PaymentSuccessURL,
		FailureURL:    cfg.PaymentFailureURL,
		PreferenceTTL: cfg.PaymentPreferenceTTL,
	})
	proc := reconcile.New(store, locker, gw, pub, logger)
	ratings := rating.New(store, locker, pub, logger)

	biller := billing.New(store, cfg.BillingDueDay, logger)
	sched, err := billing.NewScheduler(logger, billing.Jobs(biller, proc, billing.Specs{
		Charges:   cfg.CronCharges,
		Overdue:   cfg.CronOverdue,
		Reconcile: cfg.CronReconcile,
	})...)
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	limiter := httpapi.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	limiter.StartCleanup(time.Minute, ctx.Done())

	api := httpapi.NewServer(httpapi.Deps{
		Allocator:  alloc,
		Enrollment: enr,
		Reconciler: proc,
		Ratings:    ratings,
		Hub:        hub,
		Verifier:   auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Limiter:    limiter,
		Health:     health,
		Logger:     logger,

		WebhookSecret: cfg.StripeWebhookSecret,
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
		logger.Info("school transport api listening", "addr", cfg.HTTPAddr)
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore picks PostgreSQL when PG_DSN is set and falls back to memory.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(context.Context) error, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set; using in-memory store")
		return storage.NewMemoryStore(), nil, func() {}, nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.RunMigrations {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, nil, err
		}
		logger.Info("schema migrated")
	}
	return pg, pg.Ping, func() { _ = pg.Close() }, nil
}
