package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"darkroom/pkg/abuse"
	"darkroom/pkg/audit"
	"darkroom/pkg/cart"
	"darkroom/pkg/config"
	"darkroom/pkg/entitlement"
	"darkroom/pkg/hardening"
	"darkroom/pkg/ledger"
	"darkroom/pkg/logging"
	"darkroom/pkg/metrics"
	"darkroom/pkg/objstore"
	"darkroom/pkg/paybus"
	"darkroom/pkg/payment"
	"darkroom/pkg/policy"
	"darkroom/pkg/ratelimit"
	"darkroom/pkg/store"
	"darkroom/pkg/store/memstore"
	"darkroom/pkg/store/pgstore"
	"darkroom/pkg/stream"
	"darkroom/pkg/telemetry"
	"darkroom/pkg/token"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"
)

// backend is the storage a gateway runs on. The memory store logs audit
// events instead of persisting them.
type backend struct {
	db    store.DB
	audit audit.Sink
	close func()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string, logger *zap.Logger) (func(context.Context) error, error)
type gatewayOpenBackendFunc func(ctx context.Context, cfg config.Config, logger *zap.Logger) (backend, error)
type gatewayOpenRedisFunc func(ctx context.Context, opts store.RedisOptions) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openBackendG   = openBackend
	openRedisG     = store.NewRedis
	listenG        = func(server *http.Server) error {
		if server.TLSConfig != nil {
			return server.ListenAndServeTLS("", "")
		}
		return server.ListenAndServe()
	}
)

func main() {
	_ = config.LoadDotEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runGateway(ctx, initTelemetryG, openBackendG, openRedisG, listenG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	ctx context.Context,
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenBackendFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	if listen == nil {
		return errors.New("listen function required")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New("gateway")
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := hardening.ValidateProduction(hardening.FromConfig("gateway", cfg,
		hardening.EnvRequirement{Name: "ADMIN_TOKEN", Value: cfg.AdminToken},
		hardening.EnvRequirement{Name: "ASSET_SIGNING_KEY", Value: cfg.AssetSigningKey},
	)); err != nil {
		return err
	}

	shutdown, err := initTelemetry(ctx, "darkroom-gateway", logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	be, err := openDB(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer be.close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" && openRedis != nil {
		redisClient, err = openRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("redis unavailable, falling back to in-memory cache and limits", zap.Error(err))
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	s, err := newServer(ctx, cfg, be, redisClient, logger)
	if err != nil {
		return err
	}
	if cfg.KafkaEnabled {
		pub, err := paybus.NewKafkaPublisher(paybus.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer pub.Close()
		s.Publisher = pub
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.TLSDomain != "" {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.AutocertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLSDomain),
		}
		server.TLSConfig = &tls.Config{GetCertificate: m.GetCertificate, MinVersion: tls.VersionTLS12}
		challenge := &http.Server{Addr: ":80", Handler: m.HTTPHandler(nil), ReadHeaderTimeout: cfg.ReadHeaderTimeout}
		g.Go(func() error {
			logger.Info("acme http challenge server listening", zap.String("addr", challenge.Addr))
			if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("acme challenge: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return challenge.Close()
		})
	}
	g.Go(func() error {
		s.sweepLoop(gctx, cfg.SweepInterval, cfg.TokenGrace)
		return nil
	})
	g.Go(func() error {
		logger.Info("gateway listening", zap.String("addr", cfg.Addr), zap.Bool("tls", server.TLSConfig != nil))
		if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (backend, error) {
	if cfg.StoreBackend == "memory" {
		logger.Warn("using in-memory store; all state is lost on exit")
		return backend{
			db:    memstore.New(),
			audit: &audit.LogSink{Log: logger, HashSalt: []byte(cfg.AuditHashSalt)},
			close: func() {},
		}, nil
	}
	pool, err := store.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		return backend{}, err
	}
	return backend{
		db:    pgstore.New(pool, pgstore.WithLogger(logger)),
		audit: &audit.Writer{DB: pool, HashSalt: []byte(cfg.AuditHashSalt), Redact: cfg.AuditRedact},
		close: pool.Close,
	}, nil
}

// newServer builds the engine services on top of be.
func newServer(ctx context.Context, cfg config.Config, be backend, redisClient *redis.Client, logger *zap.Logger) (*Server, error) {
	reg := metrics.NewRegistry()
	hub := stream.NewHub()
	salt := []byte(cfg.AuditHashSalt)

	resolver := policy.NewResolver(be.db, store.NewCache(ctx, redisClient, cfg.PolicyCacheTTL), policy.Options{
		Currency: cfg.Currency,
		CacheTTL: cfg.PolicyCacheTTL,
		Logger:   logger.Named("policy"),
	})
	l := ledger.New()
	tokens := token.NewService(be.db, l, token.Options{TTL: cfg.TokenTTL, Logger: logger.Named("token")})
	issuer := entitlement.NewIssuer(be.db, resolver, l, tokens, entitlement.Options{
		PendingTTL: cfg.PendingTTL,
		Logger:     logger.Named("entitlement"),
		Metrics:    reg,
		Hub:        hub,
		Audit:      be.audit,
	})
	carts := cart.NewManager(be.db, resolver, l, tokens, cart.Options{
		MaxItems:   cfg.CartMaxItems,
		PendingTTL: cfg.PendingTTL,
		Logger:     logger.Named("cart"),
		Metrics:    reg,
		Hub:        hub,
	})

	provider, err := newProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("payment: %w", err)
	}
	bridge := payment.NewBridge(be.db, resolver, l, tokens, provider, payment.Options{
		Logger:  logger.Named("payment"),
		Metrics: reg,
		Hub:     hub,
		Audit:   be.audit,
	})

	signer, err := objstore.NewSigner(cfg.AssetBaseURL, assetKey(cfg), cfg.AssetURLTTL)
	if err != nil {
		return nil, err
	}

	var limiter ratelimit.Limiter
	mem := ratelimit.NewInMemorySized(cfg.AbuseWindow, cfg.AbuseMaxSubjects, nil)
	if redisClient != nil {
		rl := ratelimit.NewRedis(redisClient, cfg.AbuseWindow)
		rl.Fallback = mem
		limiter = rl
	} else {
		limiter = mem
	}
	guard := abuse.NewGuard(limiter, abuse.Options{
		Threshold:   cfg.AbuseThreshold,
		Window:      cfg.AbuseWindow,
		BlockFor:    cfg.AbuseBlock,
		MaxSubjects: cfg.AbuseMaxSubjects,
		HashSalt:    salt,
		Logger:      logger.Named("abuse"),
		Metrics:     reg,
		Audit:       be.audit,
	})

	return &Server{
		DB:                be.db,
		Audit:             be.audit,
		Policies:          resolver,
		Ledger:            l,
		Issuer:            issuer,
		Carts:             carts,
		Tokens:            tokens,
		Payments:          bridge,
		Provider:          provider,
		Signer:            signer,
		Guard:             guard,
		Events:            hub,
		Metrics:           reg,
		Log:               logger,
		AdminToken:        cfg.AdminToken,
		HashSalt:          salt,
		CORSAllowed:       cfg.CORSAllowed,
		WSAllowedOrigins:  cfg.WSAllowedOrigins,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		MaxRequestBody:    cfg.MaxRequestBody,
	}, nil
}

func newProvider(cfg config.Config) (payment.Provider, error) {
	if cfg.PaymentProvider == "http" {
		return payment.NewHTTPProvider(payment.HTTPOptions{
			BaseURL:       cfg.PaymentBaseURL,
			APIKey:        cfg.PaymentAPIKey,
			WebhookSecret: cfg.PaymentWebhookSecret,
			SuccessURL:    cfg.PaymentSuccessURL,
			CancelURL:     cfg.PaymentCancelURL,
			Client:        telemetry.InstrumentClient(&http.Client{Timeout: 15 * time.Second}),
			RatePerSecond: cfg.PaymentRatePerSec,
			Retries:       cfg.PaymentRetries,
		})
	}
	secret := cfg.PaymentWebhookSecret
	if secret == "" {
		secret = "sandbox-webhook-secret"
	}
	return payment.NewSandbox("http://localhost"+cfg.Addr+"/sandbox/checkout", secret), nil
}

// assetKey falls back to a fixed development key; hardening rejects the
// empty value in production.
func assetKey(cfg config.Config) string {
	if cfg.AssetSigningKey != "" {
		return cfg.AssetSigningKey
	}
	return "darkroom-dev-asset-key"
}
