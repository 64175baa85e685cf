package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 2 * time.Second

// RedisOptions configures the client behind the policy cache and the
// abuse guard's shared window store.
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	RequireTLS bool
	TLS        RedisTLSOptions
}

type RedisTLSOptions struct {
	Enabled       bool
	Insecure      bool
	AllowInsecure bool
	ServerName    string
	CAFile        string
	CertFile      string
	KeyFile       string
}

// NewRedis connects and pings once. The client is closed again when the
// ping fails so callers never hold a dead connection pool.
func NewRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	tlsConfig, err := loadRedisTLSConfig(opts.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig == nil && opts.RequireTLS {
		return nil, errors.New("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: opts.Password, DB: opts.DB, TLSConfig: tlsConfig})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return client, nil
}

func loadRedisTLSConfig(opts RedisTLSOptions) (*tls.Config, error) {
	if !opts.Enabled {
		return nil, nil
	}
	if opts.Insecure && !opts.AllowInsecure {
		return nil, errors.New("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.Insecure,
		ServerName:         strings.TrimSpace(opts.ServerName),
	}
	roots, err := redisRootCAs(strings.TrimSpace(opts.CAFile))
	if err != nil {
		return nil, err
	}
	cfg.RootCAs = roots
	cert, err := redisClientCert(strings.TrimSpace(opts.CertFile), strings.TrimSpace(opts.KeyFile))
	if err != nil {
		return nil, err
	}
	if cert != nil {
		cfg.Certificates = []tls.Certificate{*cert}
	}
	return cfg, nil
}

// redisRootCAs returns nil when no CA file is configured, leaving the system pool in use.
func redisRootCAs(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(filepath.Clean(caFile))
	if err != nil {
		return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, errors.New("REDIS_TLS_CA_CERT_FILE holds no PEM certificates")
	}
	return roots, nil
}

func redisClientCert(certFile, keyFile string) (*tls.Certificate, error) {
	switch {
	case certFile == "" && keyFile == "":
		return nil, nil
	case certFile == "" || keyFile == "":
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}
	cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
	if err != nil {
		return nil, fmt.Errorf("redis client certificate: %w", err)
	}
	return &cert, nil
}
