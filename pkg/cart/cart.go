// Package cart reserves several assets for one client in a single ledger
// operation. A batch either fits every limit as a whole or writes nothing.
package cart

import (
	"context"
	"fmt"
	"strings"
	"time"

	"darkroom/pkg/entitlement"
	"darkroom/pkg/identity"
	"darkroom/pkg/ledger"
	"darkroom/pkg/lifecycle"
	"darkroom/pkg/metrics"
	"darkroom/pkg/models"
	"darkroom/pkg/store"
	"darkroom/pkg/stream"
	"darkroom/pkg/telemetry"
	"darkroom/pkg/token"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const DefaultMaxItems = 50

type Options struct {
	MaxItems   int
	PendingTTL time.Duration
	Now        func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Registry
	Hub        *stream.Hub
}

type Manager struct {
	db         store.DB
	policies   entitlement.PolicySource
	ledger     *ledger.Ledger
	tokens     *token.Service
	maxItems   int
	pendingTTL time.Duration
	now        func() time.Time
	log        *zap.Logger
	metrics    *metrics.Registry
	hub        *stream.Hub
	tracer     trace.Tracer
}

func NewManager(db store.DB, policies entitlement.PolicySource, l *ledger.Ledger, tokens *token.Service, opts Options) *Manager {
	m := &Manager{
		db:         db,
		policies:   policies,
		ledger:     l,
		tokens:     tokens,
		maxItems:   opts.MaxItems,
		pendingTTL: opts.PendingTTL,
		now:        opts.Now,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		hub:        opts.Hub,
		tracer:     telemetry.Tracer("darkroom/cart"),
	}
	if m.maxItems <= 0 {
		m.maxItems = DefaultMaxItems
	}
	if m.pendingTTL <= 0 {
		m.pendingTTL = 30 * time.Minute
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	return m
}

// normalize trims and dedupes ids, keeping first-seen order.
func normalize(assetIDs []string) []string {
	seen := make(map[string]struct{}, len(assetIDs))
	out := make([]string, 0, len(assetIDs))
	for _, id := range assetIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ReserveBatch reserves every asset in assetIDs that the client does not
// already hold. Assets already granted come back with their live token and
// assets already pending are folded into the amount owed.
func (m *Manager) ReserveBatch(ctx context.Context, galleryID, clientKey string, assetIDs []string) (models.Outcome, error) {
	ctx, span := m.tracer.Start(ctx, "cart.ReserveBatch", trace.WithAttributes(
		attribute.String("gallery.id", galleryID),
		attribute.Int("cart.items", len(assetIDs)),
	))
	defer span.End()

	if err := identity.Validate(clientKey); err != nil {
		return nil, err
	}
	ids := normalize(assetIDs)
	if len(ids) == 0 {
		return nil, models.ErrEmptyBatch
	}
	if len(ids) > m.maxItems {
		return nil, fmt.Errorf("%w: %d items, limit %d", models.ErrBatchTooLarge, len(ids), m.maxItems)
	}
	p, err := m.policies.Resolve(ctx, galleryID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var out models.BatchReserved
	err = m.db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		out = models.BatchReserved{}
		hold, err := m.ledger.Acquire(ctx, tx, p, clientKey)
		if err != nil {
			return err
		}
		now := m.now()
		var fresh, pending []string
		for _, assetID := range ids {
			existing, found, err := tx.FindEntitlement(ctx, p.GalleryID, clientKey, assetID, models.StatusGranted, models.StatusPending)
			if err != nil {
				return err
			}
			switch {
			case !found:
				fresh = append(fresh, assetID)
			case existing.Status == models.StatusGranted:
				ent, err := tx.LockEntitlement(ctx, existing.ID)
				if err != nil {
					return err
				}
				tok, err := m.tokens.LiveOrIssue(ctx, tx, ent)
				if err != nil {
					return err
				}
				out.Granted = append(out.Granted, tok.Granted())
			case !lifecycle.IsExpired(now, existing.ExpiresAt):
				pending = append(pending, assetID)
			default:
				ent, err := tx.LockEntitlement(ctx, existing.ID)
				if err != nil {
					return err
				}
				if err := lifecycle.Apply(&ent, lifecycle.EventExpire, now); err != nil {
					return err
				}
				if err := tx.UpdateEntitlement(ctx, ent); err != nil {
					return err
				}
				if err := hold.Release(ctx, 1); err != nil {
					return err
				}
				fresh = append(fresh, assetID)
			}
		}

		if len(fresh) > 0 {
			alloc, err := hold.Reserve(ctx, len(fresh))
			if err != nil {
				return err
			}
			expires := now.Add(m.pendingTTL)
			for idx, assetID := range fresh {
				ent := models.Entitlement{
					ID:        uuid.NewString(),
					GalleryID: p.GalleryID,
					ClientKey: clientKey,
					AssetID:   assetID,
					CreatedAt: now,
					UpdatedAt: now,
				}
				if idx < alloc.Free {
					ent.Kind = models.KindFree
					ent.Status = models.StatusGranted
					if err := tx.InsertEntitlement(ctx, ent); err != nil {
						return err
					}
					tok, err := m.tokens.Issue(ctx, tx, ent)
					if err != nil {
						return err
					}
					out.Granted = append(out.Granted, tok.Granted())
					continue
				}
				ent.Kind = models.KindPaid
				ent.Status = models.StatusPending
				exp := expires
				ent.ExpiresAt = &exp
				if err := tx.InsertEntitlement(ctx, ent); err != nil {
					return err
				}
				pending = append(pending, assetID)
			}
		}
		if len(pending) > 0 {
			out.Pending = &models.PaymentRequired{
				Price:    p.UnitPrice.Mul(decimal.NewFromInt(int64(len(pending)))),
				Currency: p.Currency,
				AssetIDs: pending,
			}
		}
		return nil
	})
	if qe, ok := ledger.AsQuota(err); ok {
		outcome := qe.Outcome()
		m.metrics.IncOutcome("cart", outcome.OutcomeKind())
		if m.hub != nil {
			m.hub.Publish(stream.NewEvent(stream.TypeQuotaExceeded, p.GalleryID, outcome))
		}
		return outcome, nil
	}
	if err != nil {
		telemetry.Fail(span, err)
		return nil, err
	}
	m.metrics.IncOutcome("cart", out.OutcomeKind())
	if m.hub != nil {
		m.hub.Publish(stream.NewEvent(stream.TypeBatchReserved, p.GalleryID, map[string]any{
			"granted": len(out.Granted), "pending": pendingCount(out.Pending),
		}))
	}
	m.log.Debug("batch reserved",
		zap.String("gallery_id", p.GalleryID),
		zap.Int("granted", len(out.Granted)),
		zap.Int("pending", pendingCount(out.Pending)))
	return out, nil
}

func pendingCount(p *models.PaymentRequired) int {
	if p == nil {
		return 0
	}
	return len(p.AssetIDs)
}
