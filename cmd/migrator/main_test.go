package main

import (
	"context"
	"errors"
	"io/fs"
	"slices"
	"strings"
	"testing"
	"testing/fstest"

	"darkroom/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// scriptDB records every statement and fails the first one containing a
// key of failOn. Filenames in done read back as already applied.
type scriptDB struct {
	failOn    map[string]error
	done      map[string]bool
	beginErr  error
	commitErr error

	statements []string
	rollbacks  int
	commits    int
	closed     bool
}

func (d *scriptDB) exec(sql string) (pgconn.CommandTag, error) {
	d.statements = append(d.statements, sql)
	for frag, err := range d.failOn {
		if strings.Contains(sql, frag) {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("OK"), nil
}

func (d *scriptDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	return d.exec(sql)
}

func (d *scriptDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if err := d.failOn["schema_migrations WHERE"]; err != nil {
		return doneRow{err: err}
	}
	name, _ := args[0].(string)
	return doneRow{done: d.done[name]}
}

func (d *scriptDB) beginMigration(context.Context) (migrationTx, error) {
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	return scriptTx{d}, nil
}

func (d *scriptDB) Close() { d.closed = true }

func (d *scriptDB) ran(frag string) bool {
	return slices.ContainsFunc(d.statements, func(s string) bool { return strings.Contains(s, frag) })
}

type scriptTx struct{ db *scriptDB }

func (t scriptTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	return t.db.exec(sql)
}

func (t scriptTx) Commit(context.Context) error {
	if t.db.commitErr != nil {
		return t.db.commitErr
	}
	t.db.commits++
	return nil
}

func (t scriptTx) Rollback(context.Context) error {
	t.db.rollbacks++
	return nil
}

type doneRow struct {
	done bool
	err  error
}

func (r doneRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.done
	return nil
}

// migrationSet builds an in-memory migrations directory whose bodies are
// tagged with the file name so applied statements can be traced.
func migrationSet(names ...string) fstest.MapFS {
	out := fstest.MapFS{}
	for _, n := range names {
		out[n] = &fstest.MapFile{Data: []byte("-- " + n + "\nSELECT 1;")}
	}
	return out
}

func TestValidateMigrationName(t *testing.T) {
	t.Parallel()
	for name, ok := range map[string]bool{
		"003_payments.sql": true,
		"../outside.sql":   false,
		"nested/004.sql":   false,
		".scratch.sql":     false,
		"005_notes.md":     false,
	} {
		if err := validateMigrationName(name); (err == nil) != ok {
			t.Fatalf("validateMigrationName(%q) = %v, want ok=%v", name, err, ok)
		}
	}
}

func TestEmbeddedMigrationsAreOrderedAndValid(t *testing.T) {
	t.Parallel()
	names, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) < 4 || !slices.IsSorted(names) || names[0] != "001_policies_ledger.sql" {
		t.Fatalf("embedded migrations %v", names)
	}
	for _, n := range names {
		if err := validateMigrationName(n); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRunMigrationsAppliesOnlyPending(t *testing.T) {
	t.Parallel()
	db := &scriptDB{done: map[string]bool{"001_policies.sql": true}}
	var logged []string
	logf := func(format string, args ...any) { logged = append(logged, format) }

	fsys := migrationSet("002_ledger.sql", "001_policies.sql", "003_tokens.sql")
	fsys["README.md"] = &fstest.MapFile{Data: []byte("not a migration")}
	if err := runMigrations(context.Background(), db, fsys, logf); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}

	if db.ran("-- 001_policies.sql") {
		t.Fatal("already applied migration ran again")
	}
	i2 := slices.IndexFunc(db.statements, func(s string) bool { return strings.Contains(s, "-- 002_ledger.sql") })
	i3 := slices.IndexFunc(db.statements, func(s string) bool { return strings.Contains(s, "-- 003_tokens.sql") })
	if i2 < 0 || i3 < 0 || i2 > i3 {
		t.Fatalf("expected 002 then 003, statements %q", db.statements)
	}
	if db.commits != 2 || db.rollbacks != 0 {
		t.Fatalf("commits=%d rollbacks=%d", db.commits, db.rollbacks)
	}
	if !db.ran("pg_advisory_lock") || !db.ran("pg_advisory_unlock") {
		t.Fatal("advisory lock not taken and released")
	}
	if len(logged) != 3 {
		t.Fatalf("expected two applied lines and a summary, got %v", logged)
	}
}

func TestRunMigrationsFailures(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	tests := []struct {
		name         string
		db           *scriptDB
		fsys         fs.FS
		wantErr      string
		wantRollback bool
	}{
		{name: "create table", db: &scriptDB{failOn: map[string]error{"CREATE TABLE": boom}}, wantErr: "create schema_migrations"},
		{name: "lock", db: &scriptDB{failOn: map[string]error{"pg_advisory_lock": boom}}, wantErr: "acquire migration lock"},
		{name: "bad file name", db: &scriptDB{}, fsys: migrationSet(".scratch.sql"), wantErr: "invalid migration path"},
		{name: "lookup", db: &scriptDB{failOn: map[string]error{"schema_migrations WHERE": boom}}, wantErr: "migration lookup"},
		{name: "begin", db: &scriptDB{beginErr: boom}, wantErr: "begin migration tx"},
		{name: "apply", db: &scriptDB{failOn: map[string]error{"SELECT 1;": boom}}, wantErr: "apply migration", wantRollback: true},
		{name: "mark", db: &scriptDB{failOn: map[string]error{"INSERT INTO schema_migrations": boom}}, wantErr: "mark migration", wantRollback: true},
		{name: "commit", db: &scriptDB{commitErr: boom}, wantErr: "commit migration", wantRollback: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fsys := tc.fsys
			if fsys == nil {
				fsys = migrationSet("001_init.sql")
			}
			err := runMigrations(context.Background(), tc.db, fsys, func(string, ...any) {})
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected %q error, got %v", tc.wantErr, err)
			}
			if got := tc.db.rollbacks > 0; got != tc.wantRollback {
				t.Fatalf("rollback=%v, want %v", got, tc.wantRollback)
			}
		})
	}

	if err := runMigrations(context.Background(), nil, migrationSet("001.sql"), nil); err == nil || !strings.Contains(err.Error(), "db required") {
		t.Fatalf("nil db: %v", err)
	}
	if err := runMigrations(context.Background(), &scriptDB{}, nil, nil); err == nil || !strings.Contains(err.Error(), "migrations required") {
		t.Fatalf("nil fs: %v", err)
	}
}

func TestMainMigrator(t *testing.T) {
	origFatal, origOpen, origFS := logFatalf, openDBFn, migrationsFS
	t.Cleanup(func() { logFatalf, openDBFn, migrationsFS = origFatal, origOpen, origFS })
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("PAYMENT_PROVIDER", "sandbox")
	migrationsFS = migrationSet("001_init.sql")

	var fatal bool
	logFatalf = func(string, ...any) { fatal = true }

	db := &scriptDB{}
	openDBFn = func(context.Context, store.PostgresOptions) (migratorDBCloser, error) { return db, nil }
	main()
	if fatal || !db.closed || db.commits != 1 {
		t.Fatalf("fatal=%v closed=%v commits=%d", fatal, db.closed, db.commits)
	}

	openDBFn = func(context.Context, store.PostgresOptions) (migratorDBCloser, error) {
		return nil, errors.New("connection refused")
	}
	main()
	if !fatal {
		t.Fatal("expected logFatalf on connection failure")
	}

	t.Setenv("STORE_BACKEND", "memory")
	if err := run(); err == nil || !strings.Contains(err.Error(), "memory") {
		t.Fatalf("expected memory backend refusal, got %v", err)
	}
}
