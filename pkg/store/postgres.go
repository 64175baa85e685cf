package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresOptions configures the pool. URL wins over the discrete fields.
type PostgresOptions struct {
	URL        string
	User       string
	Password   string
	Host       string
	Port       string
	Name       string
	SSLMode    string
	RequireTLS bool
	MaxConns   int32
}

var (
	pgxPoolNewWithConfig   = pgxpool.NewWithConfig
	postgresConnectRetries = 30
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
)

func NewPostgresPool(ctx context.Context, opts PostgresOptions) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(opts.URL)
	if dsn == "" {
		dsn = defaultPostgresURL(opts)
	}
	if opts.RequireTLS {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = time.Minute * 5

	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		defer cancel()
		if err := p.Ping(ctxPing); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}
	retries := postgresConnectRetries - 1
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(postgresRetryDelay), uint64(retries)), ctx)
	if err := backoff.Retry(connect, policy); err != nil {
		return nil, fmt.Errorf("db ping retries exhausted: %w", err)
	}
	return pool, nil
}

func defaultPostgresURL(opts PostgresOptions) string {
	user := strings.TrimSpace(opts.User)
	if user == "" {
		user = "darkroom"
	}
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "localhost"
	}
	port := strings.TrimSpace(opts.Port)
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	dbName := strings.TrimSpace(opts.Name)
	if dbName == "" {
		dbName = "darkroom"
	}
	sslmode := strings.TrimSpace(opts.SSLMode)
	if sslmode == "" {
		sslmode = "disable"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + dbName,
	}
	if opts.Password != "" {
		uri.User = url.UserPassword(user, opts.Password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", sslmode)
	uri.RawQuery = q.Encode()
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}
