package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"darkroom/pkg/audit"
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
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ReconcileResult describes what one webhook delivery changed.
type ReconcileResult struct {
	EventID       string               `json:"event_id"`
	TransactionID string               `json:"transaction_id"`
	Status        models.PaymentStatus `json:"status"`
	// Replayed is set when the event or the transaction was already final and
	// nothing was written.
	Replayed bool             `json:"replayed"`
	Granted  []models.Granted `json:"granted,omitempty"`
	Released int              `json:"released,omitempty"`
	// Overpaid lists assets paid for while another entitlement already
	// covered them.
	Overpaid []string `json:"overpaid,omitempty"`
}

type Options struct {
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Registry
	Hub     *stream.Hub
	Audit   audit.Sink
}

type Bridge struct {
	db       store.DB
	policies entitlement.PolicySource
	ledger   *ledger.Ledger
	tokens   *token.Service
	provider Provider
	now      func() time.Time
	log      *zap.Logger
	metrics  *metrics.Registry
	hub      *stream.Hub
	audit    audit.Sink
	tracer   trace.Tracer
}

func NewBridge(db store.DB, policies entitlement.PolicySource, l *ledger.Ledger, tokens *token.Service, provider Provider, opts Options) *Bridge {
	b := &Bridge{
		db:       db,
		policies: policies,
		ledger:   l,
		tokens:   tokens,
		provider: provider,
		now:      opts.Now,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		hub:      opts.Hub,
		audit:    opts.Audit,
		tracer:   telemetry.Tracer("darkroom/payment"),
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	return b
}

// CreateCheckout opens one checkout for the client's unexpired pending paid
// entitlements, optionally narrowed to assetIDs. The processor is called
// outside any transaction and the ledger is not touched.
func (b *Bridge) CreateCheckout(ctx context.Context, galleryID, clientKey string, assetIDs []string) (models.PaymentRequired, error) {
	ctx, span := b.tracer.Start(ctx, "payment.CreateCheckout", trace.WithAttributes(attribute.String("gallery.id", galleryID)))
	defer span.End()

	if err := identity.Validate(clientKey); err != nil {
		return models.PaymentRequired{}, err
	}
	p, err := b.policies.Resolve(ctx, galleryID)
	if err != nil {
		return models.PaymentRequired{}, err
	}
	filter := make([]string, 0, len(assetIDs))
	for _, id := range assetIDs {
		if id = strings.TrimSpace(id); id != "" {
			filter = append(filter, id)
		}
	}

	var pending []models.Entitlement
	err = b.db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rows, err := tx.ListPendingEntitlements(ctx, p.GalleryID, clientKey, filter)
		if err != nil {
			return err
		}
		now := b.now()
		pending = pending[:0]
		for _, e := range rows {
			if !lifecycle.IsExpired(now, e.ExpiresAt) {
				pending = append(pending, e)
			}
		}
		return nil
	})
	if err != nil {
		return models.PaymentRequired{}, fmt.Errorf("load pending entitlements: %w", err)
	}
	if len(pending) == 0 {
		return models.PaymentRequired{}, models.ErrNoPendingEntitlements
	}

	req := CheckoutRequest{
		Reference: uuid.NewString(),
		GalleryID: p.GalleryID,
		Amount:    p.UnitPrice.Mul(decimal.NewFromInt(int64(len(pending)))),
		Currency:  p.Currency,
	}
	for _, e := range pending {
		req.AssetIDs = append(req.AssetIDs, e.AssetID)
	}
	co, err := b.provider.CreateCheckout(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider checkout")
		if errors.Is(err, models.ErrUpstreamUnavailable) {
			return models.PaymentRequired{}, err
		}
		return models.PaymentRequired{}, fmt.Errorf("%w: create checkout: %w", models.ErrUpstreamUnavailable, err)
	}

	var linked []models.Entitlement
	err = b.db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		linked = linked[:0]
		if _, err := tx.LockLedger(ctx, p.GalleryID, clientKey); err != nil {
			return err
		}
		now := b.now()
		for _, c := range pending {
			ent, err := tx.LockEntitlement(ctx, c.ID)
			if err != nil {
				return err
			}
			if ent.Status != models.StatusPending || lifecycle.IsExpired(now, ent.ExpiresAt) {
				continue
			}
			ent.PaymentRef = co.ProviderRef
			ent.UpdatedAt = now
			if err := tx.UpdateEntitlement(ctx, ent); err != nil {
				return err
			}
			linked = append(linked, ent)
		}
		if len(linked) == 0 {
			return models.ErrNoPendingEntitlements
		}
		txn := models.PaymentTransaction{
			ProviderRef: co.ProviderRef,
			Reference:   req.Reference,
			GalleryID:   p.GalleryID,
			ClientKey:   clientKey,
			Amount:      p.UnitPrice.Mul(decimal.NewFromInt(int64(len(linked)))),
			Currency:    p.Currency,
			Status:      models.PaymentPending,
			CheckoutURL: co.URL,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		for _, e := range linked {
			txn.AssetIDs = append(txn.AssetIDs, e.AssetID)
			txn.EntitlementIDs = append(txn.EntitlementIDs, e.ID)
		}
		return tx.InsertPayment(ctx, txn)
	})
	if err != nil {
		span.RecordError(err)
		b.log.Warn("checkout created but not recorded",
			zap.String("provider_ref", co.ProviderRef),
			zap.String("gallery_id", p.GalleryID),
			zap.Error(err))
		return models.PaymentRequired{}, err
	}
	out := models.PaymentRequired{
		Price:       p.UnitPrice.Mul(decimal.NewFromInt(int64(len(linked)))),
		Currency:    p.Currency,
		CheckoutRef: co.ProviderRef,
		CheckoutURL: co.URL,
	}
	for _, e := range linked {
		out.AssetIDs = append(out.AssetIDs, e.AssetID)
	}
	b.metrics.IncOutcome("checkout", out.OutcomeKind())
	return out, nil
}

// Reconcile applies a signed processor webhook. Applying the same event or
// any event for an already final transaction is a replay with no writes.
// Storage conflicts are retried by the store; one that persists surfaces as
// models.ErrReconciliationConflict for the caller to redeliver.
func (b *Bridge) Reconcile(ctx context.Context, payload []byte, signature string) (ReconcileResult, error) {
	ctx, span := b.tracer.Start(ctx, "payment.Reconcile")
	defer span.End()

	if err := b.provider.VerifySignature(payload, signature); err != nil {
		b.metrics.IncReconcile("invalid_signature")
		audit.Emit(ctx, b.audit, b.log, audit.Event{Kind: audit.KindSignatureReject, Detail: map[string]any{"bytes": len(payload)}})
		span.SetStatus(codes.Error, "signature")
		if !errors.Is(err, models.ErrInvalidSignature) {
			err = fmt.Errorf("%w: %w", models.ErrInvalidSignature, err)
		}
		return ReconcileResult{}, err
	}
	ev, err := b.provider.ParseEvent(payload)
	if err != nil {
		b.metrics.IncReconcile("invalid_event")
		return ReconcileResult{}, fmt.Errorf("parse payment event: %w", err)
	}
	span.SetAttributes(attribute.String("payment.event_id", ev.ID), attribute.String("payment.ref", ev.TransactionID))
	if ev.Status == models.PaymentPending {
		b.metrics.IncReconcile("ignored")
		return ReconcileResult{EventID: ev.ID, TransactionID: ev.TransactionID, Status: ev.Status}, nil
	}

	res, txn, err := b.apply(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile")
		switch {
		case errors.Is(err, models.ErrReconciliationConflict):
			b.metrics.IncReconcile("conflict")
		case errors.Is(err, models.ErrUnknownTransaction):
			b.metrics.IncReconcile("unknown_transaction")
		default:
			b.metrics.IncReconcile("error")
		}
		return ReconcileResult{}, err
	}
	if res.Replayed {
		b.metrics.IncReconcile("replayed")
		b.log.Info("payment event replayed", zap.String("event_id", ev.ID), zap.String("provider_ref", ev.TransactionID))
		return res, nil
	}
	b.metrics.IncReconcile(string(res.Status))
	b.after(ctx, txn, res)
	return res, nil
}

func (b *Bridge) apply(ctx context.Context, ev models.PaymentEvent) (ReconcileResult, models.PaymentTransaction, error) {
	var (
		res ReconcileResult
		txn models.PaymentTransaction
	)
	err := b.db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res = ReconcileResult{EventID: ev.ID, TransactionID: ev.TransactionID, Status: ev.Status}
		now := b.now()
		fresh, err := tx.RecordPaymentEvent(ctx, ev.ID, ev.TransactionID, now)
		if err != nil {
			return err
		}
		locked, err := tx.LockPayment(ctx, ev.TransactionID)
		if err != nil {
			return err
		}
		txn = locked
		if !fresh || txn.Status != models.PaymentPending {
			res.Replayed = true
			res.Status = txn.Status
			if fresh && txn.Status != ev.Status {
				b.log.Warn("payment event contradicts final transaction",
					zap.String("provider_ref", txn.ProviderRef),
					zap.String("final", string(txn.Status)),
					zap.String("event", string(ev.Status)))
			}
			return nil
		}
		if _, err := tx.LockLedger(ctx, txn.GalleryID, txn.ClientKey); err != nil {
			return err
		}
		if ev.Status == models.PaymentFailed {
			if err := b.fail(ctx, tx, &txn, &res, now); err != nil {
				return err
			}
		} else if err := b.complete(ctx, tx, &txn, &res, now); err != nil {
			return err
		}
		if err := lifecycle.SettlePayment(&txn, ev.Status, now); err != nil {
			return err
		}
		return tx.UpdatePayment(ctx, txn)
	})
	return res, txn, err
}

func (b *Bridge) complete(ctx context.Context, tx store.Tx, txn *models.PaymentTransaction, res *ReconcileResult, now time.Time) error {
	settled, revived := 0, 0
	grant := func(ent models.Entitlement, event lifecycle.Event) error {
		if err := lifecycle.Apply(&ent, event, now); err != nil {
			return err
		}
		ent.PaymentRef = txn.ProviderRef
		if err := tx.UpdateEntitlement(ctx, ent); err != nil {
			return err
		}
		tok, err := b.tokens.Issue(ctx, tx, ent)
		if err != nil {
			return err
		}
		res.Granted = append(res.Granted, models.Granted{
			Token: tok.Value, ExpiresAt: tok.ExpiresAt, EntitlementID: ent.ID, AssetID: ent.AssetID,
		})
		return nil
	}
	for _, id := range txn.EntitlementIDs {
		ent, err := tx.LockEntitlement(ctx, id)
		if err != nil {
			return err
		}
		switch ent.Status {
		case models.StatusPending:
			if err := grant(ent, lifecycle.EventGrant); err != nil {
				return err
			}
			settled++
		case models.StatusExpired:
			// The pending window closed before the money arrived. Honor the
			// payment unless the asset is covered again by now.
			other, found, err := tx.FindEntitlement(ctx, ent.GalleryID, ent.ClientKey, ent.AssetID, models.StatusGranted, models.StatusPending)
			if err != nil {
				return err
			}
			switch {
			case !found:
				if err := grant(ent, lifecycle.EventRevive); err != nil {
					return err
				}
				revived++
			case other.Status == models.StatusPending:
				again, err := tx.LockEntitlement(ctx, other.ID)
				if err != nil {
					return err
				}
				if err := grant(again, lifecycle.EventGrant); err != nil {
					return err
				}
				settled++
			default:
				res.Overpaid = append(res.Overpaid, ent.AssetID)
			}
		default:
			res.Overpaid = append(res.Overpaid, ent.AssetID)
		}
	}
	if settled > 0 {
		if _, err := b.ledger.Settle(ctx, tx, txn.GalleryID, txn.ClientKey, settled); err != nil {
			return err
		}
	}
	if revived > 0 {
		if _, err := b.ledger.RecordPaid(ctx, tx, txn.GalleryID, txn.ClientKey, revived); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) fail(ctx context.Context, tx store.Tx, txn *models.PaymentTransaction, res *ReconcileResult, now time.Time) error {
	for _, id := range txn.EntitlementIDs {
		ent, err := tx.LockEntitlement(ctx, id)
		if err != nil {
			return err
		}
		if ent.Status != models.StatusPending || ent.PaymentRef != txn.ProviderRef {
			continue
		}
		if err := lifecycle.Apply(&ent, lifecycle.EventExpire, now); err != nil {
			return err
		}
		if err := tx.UpdateEntitlement(ctx, ent); err != nil {
			return err
		}
		res.Released++
	}
	if res.Released > 0 {
		if _, err := b.ledger.Release(ctx, tx, txn.GalleryID, txn.ClientKey, res.Released); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) after(ctx context.Context, txn models.PaymentTransaction, res ReconcileResult) {
	kind, streamType := audit.KindPaymentSettled, stream.TypePaymentCompleted
	if res.Status == models.PaymentFailed {
		kind, streamType = audit.KindPaymentFailed, stream.TypePaymentFailed
	}
	detail := map[string]any{
		"provider_ref": txn.ProviderRef,
		"reference":    txn.Reference,
		"amount":       txn.Amount.String(),
		"currency":     txn.Currency,
		"granted":      len(res.Granted),
		"released":     res.Released,
	}
	if len(res.Overpaid) > 0 {
		detail["overpaid_assets"] = res.Overpaid
		b.log.Warn("payment covered assets already entitled",
			zap.String("provider_ref", txn.ProviderRef),
			zap.Strings("asset_ids", res.Overpaid))
	}
	audit.Emit(ctx, b.audit, b.log, audit.Event{Kind: kind, GalleryID: txn.GalleryID, Subject: txn.ClientKey, Detail: detail})
	if b.hub != nil {
		b.hub.Publish(stream.NewEvent(streamType, txn.GalleryID, map[string]any{
			"provider_ref": txn.ProviderRef, "granted": len(res.Granted), "released": res.Released,
		}))
	}
	b.log.Info("payment reconciled",
		zap.String("provider_ref", txn.ProviderRef),
		zap.String("status", string(res.Status)),
		zap.Int("granted", len(res.Granted)),
		zap.Int("released", res.Released))
}
