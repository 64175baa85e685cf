// Package audit records security and money relevant engine events.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const (
	KindAbuseFlagged    = "abuse.flagged"
	KindAbuseEscalated  = "abuse.escalated"
	KindPaymentSettled  = "payment.completed"
	KindPaymentFailed   = "payment.failed"
	KindPendingExpired  = "entitlement.expired"
	KindLedgerReset     = "ledger.reset"
	KindPolicyUpdated   = "policy.updated"
	KindSignatureReject = "payment.signature_rejected"
)

type Event struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	GalleryID string         `json:"gallery_id,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Sink accepts audit events. Implementations must not block the caller for
// long; request paths treat audit failures as non-fatal.
type Sink interface {
	Append(ctx context.Context, ev Event) error
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer stores events in the audit_events table.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

func (w *Writer) Append(ctx context.Context, ev Event) error {
	ev = prepare(ev)
	if w.Redact {
		ev = redactEvent(ev, w.HashSalt)
	}
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	id, err := uuid.Parse(ev.ID)
	if err != nil {
		return fmt.Errorf("audit id %q: %w", ev.ID, err)
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO audit_events (id, kind, gallery_id, subject, detail, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
	`, id, ev.Kind, ev.GalleryID, ev.Subject, detail, ev.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, id string) (Event, error) {
	var (
		ev     Event
		detail []byte
	)
	uid, err := uuid.Parse(id)
	if err != nil {
		return ev, fmt.Errorf("audit id %q: %w", id, err)
	}
	row := w.DB.QueryRow(ctx, `
		SELECT id::text, kind, COALESCE(gallery_id, ''), COALESCE(subject, ''), detail, created_at
		FROM audit_events WHERE id=$1
	`, uid)
	if err := row.Scan(&ev.ID, &ev.Kind, &ev.GalleryID, &ev.Subject, &detail, &ev.CreatedAt); err != nil {
		return ev, err
	}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &ev.Detail); err != nil {
			return ev, fmt.Errorf("decode audit detail: %w", err)
		}
	}
	return ev, nil
}

// LogSink writes events to a structured logger. Used when no database is
// configured.
type LogSink struct {
	Log      *zap.Logger
	HashSalt []byte
}

func (s *LogSink) Append(_ context.Context, ev Event) error {
	ev = redactEvent(prepare(ev), s.HashSalt)
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("audit",
		zap.String("audit_id", ev.ID),
		zap.String("kind", ev.Kind),
		zap.String("gallery_id", ev.GalleryID),
		zap.String("subject", ev.Subject),
		zap.Any("detail", ev.Detail),
	)
	return nil
}

// Emit appends ev to sink and logs instead of failing when the sink errors.
func Emit(ctx context.Context, sink Sink, log *zap.Logger, ev Event) {
	if sink == nil {
		return
	}
	if err := sink.Append(ctx, ev); err != nil && log != nil {
		log.Warn("audit append failed", zap.String("kind", ev.Kind), zap.Error(err))
	}
}

func prepare(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Detail == nil {
		ev.Detail = map[string]any{}
	}
	return ev
}
