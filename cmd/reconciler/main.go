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

	"darkroom/pkg/audit"
	"darkroom/pkg/config"
	"darkroom/pkg/hardening"
	"darkroom/pkg/httpx"
	"darkroom/pkg/ledger"
	"darkroom/pkg/logging"
	"darkroom/pkg/metrics"
	"darkroom/pkg/paybus"
	"darkroom/pkg/payment"
	"darkroom/pkg/policy"
	"darkroom/pkg/store"
	"darkroom/pkg/store/pgstore"
	"darkroom/pkg/telemetry"
	"darkroom/pkg/token"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type reconcilerBackend struct {
	db    store.DB
	audit audit.Sink
	close func()
}

type initTelemetryFunc func(ctx context.Context, service string, logger *zap.Logger) (func(context.Context) error, error)
type openBackendFunc func(ctx context.Context, cfg config.Config, logger *zap.Logger) (reconcilerBackend, error)
type openConsumerFunc func(cfg config.Config) (paybus.Consumer, error)
type listenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryR = telemetry.Init
	openBackendR   = openBackend
	openConsumerR  = openConsumer
	listenR        = func(server *http.Server) error { return server.ListenAndServe() }
	openDeadLetter = func(cfg config.Config) (paybus.Publisher, error) {
		return paybus.NewKafkaPublisher(paybus.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaDeadLetterTopic})
	}
)

func main() {
	_ = config.LoadDotEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runReconciler(ctx, initTelemetryR, openBackendR, openConsumerR, listenR); err != nil {
		logFatalf("reconciler: %v", err)
	}
}

// runReconciler applies queued payment webhooks until ctx is done. A small
// HTTP listener serves health and metrics.
func runReconciler(
	ctx context.Context,
	initTelemetry initTelemetryFunc,
	openDB openBackendFunc,
	openBus openConsumerFunc,
	listen listenFunc,
) error {
	if openDB == nil || openBus == nil {
		return errors.New("backend and consumer constructors required")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !cfg.KafkaEnabled {
		return errors.New("KAFKA_ENABLED=true is required; without a bus the gateway reconciles inline")
	}
	logger, err := logging.New("reconciler")
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := hardening.ValidateProduction(hardening.FromConfig("reconciler", cfg)); err != nil {
		return err
	}
	if initTelemetry != nil {
		shutdown, err := initTelemetry(ctx, "darkroom-reconciler", logger)
		if err != nil {
			return fmt.Errorf("otel: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	be, err := openDB(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer be.close()

	consumer, err := openBus(cfg)
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	defer consumer.Close()

	reg := metrics.NewRegistry()
	bridge, err := newBridge(ctx, cfg, be, reg, logger)
	if err != nil {
		return err
	}
	runnerOpts := paybus.RunnerOptions{MaxElapsed: cfg.ReconcileRetryWindow, Logger: logger.Named("paybus")}
	if cfg.KafkaDeadLetterTopic != "" {
		dlq, err := openDeadLetter(cfg)
		if err != nil {
			return fmt.Errorf("kafka dead-letter: %w", err)
		}
		defer dlq.Close()
		runnerOpts.DeadLetter = dlq
	}
	runner := paybus.NewRunner(consumer, bridge, runnerOpts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("reconciler consuming", zap.String("topic", cfg.KafkaTopic), zap.String("group", cfg.KafkaGroupID))
		return runner.Run(gctx)
	})
	if listen != nil && cfg.Addr != "" {
		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           opsRoutes(reg),
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		}
		g.Go(func() error {
			if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func opsRoutes(reg *metrics.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "reconciler"})
	})
	r.Method(http.MethodGet, "/metrics", reg.Handler())
	return r
}

func newBridge(ctx context.Context, cfg config.Config, be reconcilerBackend, reg *metrics.Registry, logger *zap.Logger) (*payment.Bridge, error) {
	resolver := policy.NewResolver(be.db, store.NewCache(ctx, nil, cfg.PolicyCacheTTL), policy.Options{
		Currency: cfg.Currency,
		CacheTTL: cfg.PolicyCacheTTL,
		Logger:   logger.Named("policy"),
	})
	l := ledger.New()
	tokens := token.NewService(be.db, l, token.Options{TTL: cfg.TokenTTL, Logger: logger.Named("token")})
	provider, err := newProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("payment: %w", err)
	}
	return payment.NewBridge(be.db, resolver, l, tokens, provider, payment.Options{
		Logger:  logger.Named("payment"),
		Metrics: reg,
		Audit:   be.audit,
	}), nil
}

// newProvider only needs webhook verification here; checkouts are created by
// the gateway.
func newProvider(cfg config.Config) (payment.Provider, error) {
	if cfg.PaymentProvider == "http" {
		return payment.NewHTTPProvider(payment.HTTPOptions{
			BaseURL:       cfg.PaymentBaseURL,
			APIKey:        cfg.PaymentAPIKey,
			WebhookSecret: cfg.PaymentWebhookSecret,
			Retries:       cfg.PaymentRetries,
		})
	}
	secret := cfg.PaymentWebhookSecret
	if secret == "" {
		secret = "sandbox-webhook-secret"
	}
	return payment.NewSandbox("", secret), nil
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (reconcilerBackend, error) {
	if cfg.StoreBackend == "memory" {
		return reconcilerBackend{}, errors.New("the reconciler needs a shared store; STORE_BACKEND=memory is not supported")
	}
	pool, err := store.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		return reconcilerBackend{}, err
	}
	return reconcilerBackend{
		db:    pgstore.New(pool, pgstore.WithLogger(logger)),
		audit: &audit.Writer{DB: pool, HashSalt: []byte(cfg.AuditHashSalt), Redact: cfg.AuditRedact},
		close: pool.Close,
	}, nil
}

func openConsumer(cfg config.Config) (paybus.Consumer, error) {
	return paybus.NewKafkaConsumer(paybus.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
	})
}
