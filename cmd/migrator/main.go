package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path"
	"sort"
	"strings"
	"time"

	"darkroom/migrations"
	"darkroom/pkg/config"
	"darkroom/pkg/logging"
	"darkroom/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationLockID serializes migrators started side by side.
const migrationLockID int64 = 0x6461726b726f6f6d

// migrationTx is the slice of pgx.Tx a single migration needs.
type migrationTx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	beginMigration(ctx context.Context) (migrationTx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// poolDB adapts a pgx pool to migrationDB.
type poolDB struct{ *pgxpool.Pool }

func (p poolDB) beginMigration(ctx context.Context) (migrationTx, error) { return p.Pool.Begin(ctx) }

var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context, opts store.PostgresOptions) (migratorDBCloser, error) {
		pool, err := store.NewPostgresPool(ctx, opts)
		if err != nil {
			return nil, err
		}
		return poolDB{pool}, nil
	}
	migrationsFS fs.FS = migrations.FS
)

func main() {
	_ = config.LoadDotEnv()
	if err := run(); err != nil {
		logFatalf("migrator: %v", err)
	}
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.StoreBackend == "memory" {
		return errors.New("STORE_BACKEND=memory has no schema to migrate")
	}
	logger, err := logging.New("migrator")
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	pool, err := openDBFn(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	return runMigrations(ctx, pool, migrationsFS, logger.Sugar().Infof)
}

func validateMigrationName(name string) error {
	if name != path.Base(name) || !strings.HasSuffix(name, ".sql") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("migration name %q must be a plain .sql file name", name)
	}
	return nil
}

// runMigrations applies every *.sql file at the root of fsys that is not yet
// recorded in schema_migrations, in lexical order, one transaction per file.
// Concurrent runs queue on an advisory lock.
func runMigrations(ctx context.Context, db migrationDB, fsys fs.FS, logf func(format string, args ...any)) error {
	switch {
	case db == nil:
		return errors.New("db required")
	case fsys == nil:
		return errors.New("migrations required")
	}
	if logf == nil {
		logf = log.Printf
	}

	if _, err := db.Exec(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	if _, err := db.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = db.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockID)
	}()

	pending, total, err := pendingMigrations(ctx, db, fsys)
	if err != nil {
		return err
	}
	for _, name := range pending {
		if err := applyMigration(ctx, db, fsys, name); err != nil {
			return err
		}
		logf("applied migration %s", name)
	}
	logf("migrations up to date: %d applied, %d total", len(pending), total)
	return nil
}

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	filename   TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func pendingMigrations(ctx context.Context, db migrationDB, fsys fs.FS) (pending []string, total int, err error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, 0, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := validateMigrationName(name); err != nil {
			return nil, 0, fmt.Errorf("invalid migration path: %w", err)
		}
		var done bool
		if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&done); err != nil {
			return nil, 0, fmt.Errorf("migration lookup %s: %w", name, err)
		}
		if !done {
			pending = append(pending, name)
		}
	}
	return pending, len(names), nil
}

func applyMigration(ctx context.Context, db migrationDB, fsys fs.FS, name string) (err error) {
	body, err := fs.ReadFile(fsys, name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}
	tx, err := db.beginMigration(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()
	if _, err := tx.Exec(ctx, string(body)); err != nil {
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
		return fmt.Errorf("mark migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	committed = true
	return nil
}
