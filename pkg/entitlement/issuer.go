// Package entitlement decides whether a client may download an asset now,
// must pay first, or is over quota, and records that decision.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"darkroom/pkg/audit"
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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// PolicySource resolves the policy snapshot for a gallery.
type PolicySource interface {
	Resolve(ctx context.Context, galleryID string) (models.Policy, error)
}

type Options struct {
	PendingTTL time.Duration
	SweepBatch int
	Now        func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Registry
	Hub        *stream.Hub
	Audit      audit.Sink
}

type Issuer struct {
	db         store.DB
	policies   PolicySource
	ledger     *ledger.Ledger
	tokens     *token.Service
	pendingTTL time.Duration
	sweepBatch int
	now        func() time.Time
	log        *zap.Logger
	metrics    *metrics.Registry
	hub        *stream.Hub
	audit      audit.Sink
	tracer     trace.Tracer
}

func NewIssuer(db store.DB, policies PolicySource, l *ledger.Ledger, tokens *token.Service, opts Options) *Issuer {
	i := &Issuer{
		db:         db,
		policies:   policies,
		ledger:     l,
		tokens:     tokens,
		pendingTTL: opts.PendingTTL,
		sweepBatch: opts.SweepBatch,
		now:        opts.Now,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		hub:        opts.Hub,
		audit:      opts.Audit,
		tracer:     telemetry.Tracer("darkroom/entitlement"),
	}
	if i.pendingTTL <= 0 {
		i.pendingTTL = 30 * time.Minute
	}
	if i.sweepBatch <= 0 {
		i.sweepBatch = 200
	}
	if i.now == nil {
		i.now = time.Now
	}
	if i.log == nil {
		i.log = zap.NewNop()
	}
	return i
}

// RequestEntitlement makes exactly one ledger reservation attempt for the
// asset and writes at most one entitlement. Quota exhaustion is returned as
// a models.QuotaExceeded outcome, not as an error.
func (i *Issuer) RequestEntitlement(ctx context.Context, galleryID, clientKey, assetID string) (models.Outcome, error) {
	ctx, span := i.tracer.Start(ctx, "entitlement.Request", trace.WithAttributes(
		attribute.String("gallery.id", galleryID),
		attribute.String("asset.id", assetID),
	))
	defer span.End()

	if err := identity.Validate(clientKey); err != nil {
		return nil, err
	}
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return nil, fmt.Errorf("%w: asset_id required", models.ErrInvalidRequest)
	}
	p, err := i.policies.Resolve(ctx, galleryID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "policy")
		return nil, err
	}

	var outcome models.Outcome
	err = i.db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		outcome = nil
		hold, err := i.ledger.Acquire(ctx, tx, p, clientKey)
		if err != nil {
			return err
		}
		now := i.now()
		existing, found, err := tx.FindEntitlement(ctx, p.GalleryID, clientKey, assetID, models.StatusGranted, models.StatusPending)
		if err != nil {
			return err
		}
		if found {
			switch {
			case existing.Status == models.StatusGranted:
				ent, err := tx.LockEntitlement(ctx, existing.ID)
				if err != nil {
					return err
				}
				tok, err := i.tokens.LiveOrIssue(ctx, tx, ent)
				if err != nil {
					return err
				}
				outcome = tok.Granted()
				return nil
			case !lifecycle.IsExpired(now, existing.ExpiresAt):
				outcome = models.PaymentRequired{
					Price:       p.UnitPrice,
					Currency:    p.Currency,
					CheckoutRef: existing.PaymentRef,
					AssetIDs:    []string{assetID},
				}
				return nil
			default:
				if err := i.expire(ctx, tx, hold, existing.ID, now); err != nil {
					return err
				}
			}
		}

		alloc, err := hold.Reserve(ctx, 1)
		if err != nil {
			return err
		}
		ent := models.Entitlement{
			ID:        uuid.NewString(),
			GalleryID: p.GalleryID,
			ClientKey: clientKey,
			AssetID:   assetID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if alloc.Free == 1 {
			ent.Kind = models.KindFree
			ent.Status = models.StatusGranted
			if err := tx.InsertEntitlement(ctx, ent); err != nil {
				return err
			}
			tok, err := i.tokens.Issue(ctx, tx, ent)
			if err != nil {
				return err
			}
			outcome = tok.Granted()
			return nil
		}
		expires := now.Add(i.pendingTTL)
		ent.Kind = models.KindPaid
		ent.Status = models.StatusPending
		ent.ExpiresAt = &expires
		if err := tx.InsertEntitlement(ctx, ent); err != nil {
			return err
		}
		outcome = models.PaymentRequired{Price: p.UnitPrice, Currency: p.Currency, AssetIDs: []string{assetID}}
		return nil
	})
	if qe, ok := ledger.AsQuota(err); ok {
		outcome, err = qe.Outcome(), nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request entitlement")
		return nil, err
	}
	span.SetAttributes(attribute.String("outcome", outcome.OutcomeKind()))
	i.metrics.IncOutcome("entitlement", outcome.OutcomeKind())
	i.publish(p.GalleryID, outcome)
	return outcome, nil
}

// expire moves a pending entitlement to expired and releases its slot through
// the held ledger row.
func (i *Issuer) expire(ctx context.Context, tx store.Tx, hold *ledger.Hold, id string, now time.Time) error {
	ent, err := tx.LockEntitlement(ctx, id)
	if err != nil {
		return err
	}
	if err := lifecycle.Apply(&ent, lifecycle.EventExpire, now); err != nil {
		return err
	}
	if err := tx.UpdateEntitlement(ctx, ent); err != nil {
		return err
	}
	return hold.Release(ctx, 1)
}

func (i *Issuer) publish(galleryID string, outcome models.Outcome) {
	if i.hub == nil {
		return
	}
	switch o := outcome.(type) {
	case models.Granted:
		i.hub.Publish(stream.NewEvent(stream.TypeEntitlementGranted, galleryID, map[string]any{
			"asset_id": o.AssetID, "entitlement_id": o.EntitlementID,
		}))
	case models.PaymentRequired:
		i.hub.Publish(stream.NewEvent(stream.TypePaymentRequired, galleryID, map[string]any{
			"asset_ids": o.AssetIDs, "price": o.Price.String(), "currency": o.Currency,
		}))
	case models.QuotaExceeded:
		i.hub.Publish(stream.NewEvent(stream.TypeQuotaExceeded, galleryID, o))
	}
}

// SweepPending expires pending paid entitlements whose window closed before
// now and releases their ledger slots. Each entitlement is handled in its own
// transaction with ledger then entitlement lock order.
func (i *Issuer) SweepPending(ctx context.Context, now time.Time) (int, error) {
	var candidates []models.Entitlement
	err := i.db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		candidates, err = tx.ListExpiredPending(ctx, now, i.sweepBatch)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list expired pending: %w", err)
	}
	expired := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		done := false
		err := i.db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			done = false
			if _, err := tx.LockLedger(ctx, c.GalleryID, c.ClientKey); err != nil {
				return err
			}
			ent, err := tx.LockEntitlement(ctx, c.ID)
			if err != nil {
				return err
			}
			if ent.Status != models.StatusPending || !lifecycle.IsExpired(now, ent.ExpiresAt) {
				return nil
			}
			if err := lifecycle.Apply(&ent, lifecycle.EventExpire, now); err != nil {
				return err
			}
			if err := tx.UpdateEntitlement(ctx, ent); err != nil {
				return err
			}
			if _, err := i.ledger.Release(ctx, tx, ent.GalleryID, ent.ClientKey, 1); err != nil {
				return err
			}
			done = true
			return nil
		})
		if err != nil {
			if errors.Is(err, models.ErrUpstreamUnavailable) {
				return expired, err
			}
			i.log.Warn("pending entitlement sweep failed", zap.String("entitlement_id", c.ID), zap.Error(err))
			continue
		}
		if done {
			expired++
			audit.Emit(ctx, i.audit, i.log, audit.Event{
				Kind:      audit.KindPendingExpired,
				GalleryID: c.GalleryID,
				Subject:   c.ClientKey,
				Detail:    map[string]any{"entitlement_id": c.ID, "asset_id": c.AssetID, "payment_ref": c.PaymentRef},
			})
		}
	}
	i.metrics.AddSwept("pending_entitlements", expired)
	i.metrics.SetPendingExpired(expired)
	if expired > 0 {
		i.log.Info("pending entitlements expired", zap.Int("count", expired))
	}
	return expired, nil
}
