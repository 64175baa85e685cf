package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeAuditDB struct {
	execErr   error
	rowErr    error
	rowValues []any
	execArgs  []any
}

func (f *fakeAuditDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return &fakeAuditRow{values: f.rowValues, err: f.rowErr}
}

type fakeAuditRow struct {
	values []any
	err    error
}

func (r *fakeAuditRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = r.values[i].(string)
		case *[]byte:
			*d = r.values[i].([]byte)
		case *time.Time:
			*d = r.values[i].(time.Time)
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

func TestWriterAppendRedactsSubject(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, HashSalt: []byte("pepper"), Redact: true}
	err := w.Append(context.Background(), Event{
		Kind:      KindAbuseEscalated,
		GalleryID: "g1",
		Subject:   "203.0.113.7",
		Detail:    map[string]any{"origin": "203.0.113.7", "level": "blocked"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 6 {
		t.Fatalf("expected 6 exec args, got %d", len(db.execArgs))
	}
	if got := db.execArgs[3].(string); got == "203.0.113.7" || got != HashSubject("203.0.113.7", []byte("pepper")) {
		t.Fatalf("expected hashed subject, got %q", got)
	}
	var detail map[string]any
	if err := json.Unmarshal(db.execArgs[4].([]byte), &detail); err != nil {
		t.Fatalf("detail json: %v", err)
	}
	if detail["origin"] == "203.0.113.7" || detail["level"] != "blocked" {
		t.Fatalf("unexpected redacted detail: %v", detail)
	}
}

func TestWriterAppendError(t *testing.T) {
	w := &Writer{DB: &fakeAuditDB{execErr: errors.New("down")}}
	if err := w.Append(context.Background(), Event{Kind: KindLedgerReset}); err == nil {
		t.Fatal("expected exec error")
	}
}

func TestWriterGet(t *testing.T) {
	now := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)
	w := &Writer{DB: &fakeAuditDB{rowValues: []any{"0b6c2a52-2f51-4a57-9a39-3c3a6b0cbe11", KindLedgerReset, "g1", "subj", []byte(`{"by":"admin"}`), now}}}
	ev, err := w.Get(context.Background(), "0b6c2a52-2f51-4a57-9a39-3c3a6b0cbe11")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ev.Kind != KindLedgerReset || ev.Detail["by"] != "admin" || !ev.CreatedAt.Equal(now) {
		t.Fatalf("unexpected event: %+v", ev)
	}
	w = &Writer{DB: &fakeAuditDB{rowErr: pgx.ErrNoRows}}
	if _, err := w.Get(context.Background(), "6a4a0d1e-5a8e-4c39-8a43-61a0b3c4d7e2"); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestLogSinkAndEmit(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := &LogSink{Log: zap.New(core), HashSalt: []byte("s")}
	Emit(context.Background(), sink, zap.NewNop(), Event{Kind: KindAbuseFlagged, Subject: "ck_abc"})
	entries := logs.FilterMessage("audit").All()
	if len(entries) != 1 {
		t.Fatalf("expected one audit log line, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["subject"] == "ck_abc" || fields["kind"] != KindAbuseFlagged {
		t.Fatalf("unexpected log fields: %v", fields)
	}

	failing := &Writer{DB: &fakeAuditDB{execErr: errors.New("down")}}
	warnCore, warnLogs := observer.New(zap.WarnLevel)
	Emit(context.Background(), failing, zap.New(warnCore), Event{Kind: KindLedgerReset})
	if warnLogs.Len() != 1 {
		t.Fatalf("expected audit failure to be logged, got %d", warnLogs.Len())
	}
}
