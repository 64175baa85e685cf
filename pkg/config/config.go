// Package config reads process configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"darkroom/pkg/store"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	Addr              string
	TLSDomain         string
	AutocertCacheDir  string
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxRequestBody    int64
	CORSAllowed       string
	WSAllowedOrigins  []string
	TrustProxyHeaders bool

	// StoreBackend is "postgres" or "memory". Memory loses all state on exit.
	StoreBackend string
	Postgres     store.PostgresOptions
	Redis    store.RedisOptions

	Currency       string
	PolicyCacheTTL time.Duration
	TokenTTL       time.Duration
	PendingTTL     time.Duration
	CartMaxItems   int
	SweepInterval  time.Duration
	TokenGrace     time.Duration

	AbuseThreshold   int
	AbuseWindow      time.Duration
	AbuseBlock       time.Duration
	AbuseMaxSubjects int

	PaymentProvider      string
	PaymentBaseURL       string
	PaymentAPIKey        string
	PaymentWebhookSecret string
	PaymentSuccessURL    string
	PaymentCancelURL     string
	PaymentRatePerSec    float64
	PaymentRetries       int

	AssetBaseURL    string
	AssetSigningKey string
	AssetURLTTL     time.Duration

	AdminToken    string
	AuditHashSalt string
	AuditRedact   bool

	KafkaEnabled         bool
	KafkaBrokers         []string
	KafkaTopic           string
	KafkaGroupID         string
	KafkaDeadLetterTopic string
	// ReconcileRetryWindow bounds retries of one queued payment event.
	ReconcileRetryWindow time.Duration

	StrictProdSecurity string
}

// LoadDotEnv loads the first existing file among paths, or ENV_FILE and
// ./.env when none are given. Variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		if f := strings.TrimSpace(os.Getenv("ENV_FILE")); f != "" {
			paths = append(paths, f)
		}
		paths = append(paths, ".env")
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		return godotenv.Load(p)
	}
	return nil
}

// Load reads the environment. It does not touch .env files; call LoadDotEnv
// first for that.
func Load() (Config, error) {
	c := Config{
		Environment: env("ENVIRONMENT", env("APP_ENV", "development")),

		Addr:              env("ADDR", ":8080"),
		TLSDomain:         env("TLS_DOMAIN", ""),
		AutocertCacheDir:  env("AUTOCERT_CACHE_DIR", ".autocert-cache"),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
		MaxRequestBody:    int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		CORSAllowed:       env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:  splitList(env("WS_ALLOWED_ORIGINS", "")),
		TrustProxyHeaders: envBool("TRUST_PROXY_HEADERS", false),

		StoreBackend: strings.ToLower(env("STORE_BACKEND", "postgres")),

		Postgres: store.PostgresOptions{
			URL:        env("DATABASE_URL", ""),
			User:       env("DB_USER", "darkroom"),
			Password:   env("DB_PASSWORD", "darkroom"),
			Host:       env("DB_HOST", "localhost"),
			Port:       env("DB_PORT", "5432"),
			Name:       env("DB_NAME", "darkroom"),
			SSLMode:    env("DB_SSLMODE", ""),
			RequireTLS: envBool("DATABASE_REQUIRE_TLS", false),
			MaxConns:   int32(envInt("DB_MAX_CONNS", 20)),
		},
		Redis: store.RedisOptions{
			Addr:       env("REDIS_ADDR", ""),
			Password:   env("REDIS_PASSWORD", ""),
			DB:         envInt("REDIS_DB", 0),
			RequireTLS: envBool("REDIS_REQUIRE_TLS", false),
			TLS: store.RedisTLSOptions{
				Enabled:       envBool("REDIS_TLS", false),
				Insecure:      envBool("REDIS_TLS_INSECURE", false),
				AllowInsecure: envBool("REDIS_ALLOW_INSECURE_TLS", false),
				ServerName:    env("REDIS_TLS_SERVER_NAME", ""),
				CAFile:        env("REDIS_TLS_CA_FILE", ""),
				CertFile:      env("REDIS_TLS_CERT_FILE", ""),
				KeyFile:       env("REDIS_TLS_KEY_FILE", ""),
			},
		},

		Currency:       strings.ToUpper(env("CURRENCY", "USD")),
		PolicyCacheTTL: envDurationSec("POLICY_CACHE_TTL_SEC", 30),
		TokenTTL:       time.Minute * time.Duration(envInt("TOKEN_TTL_MIN", 15)),
		PendingTTL:     envDuration("PENDING_ENTITLEMENT_TTL", 30*time.Minute),
		CartMaxItems:   envInt("CART_MAX_ITEMS", 50),
		SweepInterval:  envDurationSec("SWEEP_INTERVAL_SEC", 60),
		TokenGrace:     envDuration("TOKEN_SWEEP_GRACE", 24*time.Hour),

		AbuseThreshold:   envInt("ABUSE_THRESHOLD", 30),
		AbuseWindow:      envDurationSec("ABUSE_WINDOW_SEC", 60),
		AbuseBlock:       envDurationSec("ABUSE_BLOCK_SEC", 900),
		AbuseMaxSubjects: envInt("ABUSE_MAX_SUBJECTS", 100_000),

		PaymentProvider:      strings.ToLower(env("PAYMENT_PROVIDER", "sandbox")),
		PaymentBaseURL:       env("PAYMENT_BASE_URL", ""),
		PaymentAPIKey:        env("PAYMENT_API_KEY", ""),
		PaymentWebhookSecret: env("PAYMENT_WEBHOOK_SECRET", ""),
		PaymentSuccessURL:    env("PAYMENT_SUCCESS_URL", ""),
		PaymentCancelURL:     env("PAYMENT_CANCEL_URL", ""),
		PaymentRatePerSec:    envFloat("PAYMENT_RATE_PER_SEC", 10),
		PaymentRetries:       envInt("PAYMENT_RETRIES", 2),

		AssetBaseURL:    env("ASSET_BASE_URL", "http://localhost:9000/assets"),
		AssetSigningKey: env("ASSET_SIGNING_KEY", ""),
		AssetURLTTL:     envDurationSec("ASSET_URL_TTL_SEC", 300),

		AdminToken:    env("ADMIN_TOKEN", ""),
		AuditHashSalt: env("AUDIT_HASH_SALT", ""),
		AuditRedact:   envBool("AUDIT_REDACT", true),

		KafkaEnabled:         envBool("KAFKA_ENABLED", false),
		KafkaBrokers:         splitList(env("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:           env("KAFKA_TOPIC", "darkroom.payment.events"),
		KafkaGroupID:         env("KAFKA_GROUP_ID", "darkroom-reconciler"),
		KafkaDeadLetterTopic: env("KAFKA_DEAD_LETTER_TOPIC", ""),
		ReconcileRetryWindow: envDurationSec("RECONCILE_RETRY_WINDOW_SEC", 120),

		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Currency) != 3 {
		errs = append(errs, errors.New("CURRENCY must be an ISO 4217 code"))
	}
	if c.CartMaxItems <= 0 {
		errs = append(errs, errors.New("CART_MAX_ITEMS must be positive"))
	}
	if c.AbuseThreshold <= 0 {
		errs = append(errs, errors.New("ABUSE_THRESHOLD must be positive"))
	}
	if c.TokenTTL <= 0 || c.PendingTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL_MIN and PENDING_ENTITLEMENT_TTL must be positive"))
	}
	switch c.StoreBackend {
	case "postgres":
	case "memory":
		if c.IsProductionLike() {
			errs = append(errs, errors.New("STORE_BACKEND=memory is not allowed in production-like environments"))
		}
	default:
		errs = append(errs, errors.New("STORE_BACKEND must be postgres or memory"))
	}
	switch c.PaymentProvider {
	case "sandbox":
	case "http":
		if c.PaymentBaseURL == "" || c.PaymentWebhookSecret == "" {
			errs = append(errs, errors.New("PAYMENT_PROVIDER=http requires PAYMENT_BASE_URL and PAYMENT_WEBHOOK_SECRET"))
		}
	default:
		errs = append(errs, errors.New("PAYMENT_PROVIDER must be sandbox or http"))
	}
	return errors.Join(errs...)
}

// IsProductionLike reports whether strict hardening applies.
func (c Config) IsProductionLike() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

// envDuration accepts Go durations ("45m") or bare seconds.
func envDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
