// Package pgstore implements store.DB on Postgres. Row locks are taken with
// SELECT ... FOR UPDATE inside READ COMMITTED transactions.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"darkroom/pkg/models"
	"darkroom/pkg/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type Store struct {
	db          beginner
	log         *zap.Logger
	lockTimeout time.Duration
	maxRetries  uint64
	newBackOff  func() backoff.BackOff
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithLockTimeout bounds how long a transaction waits on a row lock before
// failing with a retryable conflict.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func WithMaxRetries(n uint64) Option {
	return func(s *Store) { s.maxRetries = n }
}

func New(pool *pgxpool.Pool, opts ...Option) *Store {
	return newStore(pool, opts...)
}

func newStore(db beginner, opts ...Option) *Store {
	s := &Store{
		db:          db,
		log:         zap.NewNop(),
		lockTimeout: 5 * time.Second,
		maxRetries:  4,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			return b
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InTx runs fn in a transaction and retries it when Postgres reports a
// serialization failure, deadlock or lock timeout.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := classify(s.runOnce(ctx, fn))
		if err == nil {
			return nil
		}
		if errors.Is(err, models.ErrReconciliationConflict) {
			s.log.Debug("transaction conflict, retrying", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.maxRetries), ctx)
	return backoff.Retry(op, b)
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}
	if err := fn(ctx, &txn{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// classify maps driver failures onto domain sentinels. Errors that already
// carry a domain meaning pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %w", models.ErrReconciliationConflict, err)
		case "57P01", "57P02", "57P03", "53300":
			return fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err)
	}
	return err
}
