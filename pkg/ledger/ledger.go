// Package ledger is the source of truth for per (gallery, client) download
// consumption. Every mutation runs inside the caller's transaction with the
// ledger row locked, and limits are checked before anything is written.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"darkroom/pkg/models"
	"darkroom/pkg/store"
)

// Allocation splits a reservation into free slots and pending paid slots.
type Allocation struct {
	Free int
	Paid int
}

// QuotaError reports the limit that rejected a reservation.
type QuotaError struct {
	Limit int
	Used  int
	Scope models.QuotaScope
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s limit %d, used %d", e.Scope, e.Limit, e.Used)
}

func (e *QuotaError) Outcome() models.QuotaExceeded {
	return models.QuotaExceeded{Limit: e.Limit, Used: e.Used, Scope: e.Scope}
}

// AsQuota extracts a QuotaError from err.
func AsQuota(err error) (*QuotaError, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

type Ledger struct {
	now func() time.Time
}

func New() *Ledger {
	return &Ledger{now: time.Now}
}

// WithClock returns a copy of l reading time from now.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	return &Ledger{now: now}
}

// Hold is a locked ledger row. When the gallery has a bounded global cap the
// policy row is locked first and the gallery total is tracked as well.
type Hold struct {
	l           *Ledger
	tx          store.Tx
	policy      models.Policy
	entry       models.LedgerEntry
	globalMax   models.Limit
	galleryUsed int
}

// Acquire locks the rows a reservation needs, in policy then ledger order.
func (l *Ledger) Acquire(ctx context.Context, tx store.Tx, p models.Policy, clientKey string) (*Hold, error) {
	h := &Hold{l: l, tx: tx, policy: p, globalMax: p.GlobalMax}
	if !p.GlobalMax.IsUnlimited() {
		locked, err := tx.LockPolicy(ctx, p.GalleryID)
		if err != nil {
			return nil, fmt.Errorf("lock policy: %w", err)
		}
		h.globalMax = locked.GlobalMax
		used, err := tx.SumGalleryUsage(ctx, p.GalleryID)
		if err != nil {
			return nil, err
		}
		h.galleryUsed = used
	}
	e, err := tx.LockLedger(ctx, p.GalleryID, clientKey)
	if err != nil {
		return nil, err
	}
	h.entry = e
	return h, nil
}

func (h *Hold) Entry() models.LedgerEntry { return h.entry }

// Plan decides how n new slots would split between free and paid under the
// policy mode, and which limit, if any, rejects them. It does not write.
func (h *Hold) Plan(n int) (Allocation, error) {
	if n <= 0 {
		return Allocation{}, fmt.Errorf("reserve count must be positive, got %d", n)
	}
	var alloc Allocation
	switch h.policy.Mode {
	case models.ModeFree:
		if !h.policy.FreeAllowance.Allows(h.entry.FreeConsumed, n) {
			limit, _ := h.policy.FreeAllowance.Max()
			return Allocation{}, &QuotaError{Limit: limit, Used: h.entry.FreeConsumed, Scope: models.ScopeFreeAllowance}
		}
		alloc.Free = n
	case models.ModeFreemium:
		remaining, bounded := h.policy.FreeAllowance.Remaining(h.entry.FreeConsumed)
		if !bounded {
			alloc.Free = n
		} else {
			alloc.Free = min(n, remaining)
			alloc.Paid = n - alloc.Free
		}
	case models.ModePaid:
		alloc.Paid = n
	default:
		return Allocation{}, fmt.Errorf("%w: unknown mode %q", models.ErrInvalidPolicy, h.policy.Mode)
	}
	if !h.policy.PerClientMax.Allows(h.entry.Total(), n) {
		limit, _ := h.policy.PerClientMax.Max()
		return Allocation{}, &QuotaError{Limit: limit, Used: h.entry.Total(), Scope: models.ScopeClient}
	}
	if !h.globalMax.Allows(h.galleryUsed, n) {
		limit, _ := h.globalMax.Max()
		return Allocation{}, &QuotaError{Limit: limit, Used: h.galleryUsed, Scope: models.ScopeGallery}
	}
	return alloc, nil
}

// Reserve checks and then records n slots.
func (h *Hold) Reserve(ctx context.Context, n int) (Allocation, error) {
	alloc, err := h.Plan(n)
	if err != nil {
		return Allocation{}, err
	}
	next := h.entry
	next.FreeConsumed += alloc.Free
	next.PaidPending += alloc.Paid
	next.UpdatedAt = h.l.now()
	if err := h.tx.SaveLedger(ctx, next); err != nil {
		return Allocation{}, err
	}
	h.entry = next
	h.galleryUsed += n
	return alloc, nil
}

// Release drops n pending slots through the held row.
func (h *Hold) Release(ctx context.Context, n int) error {
	next := h.entry
	next.PaidPending = max(0, next.PaidPending-n)
	next.UpdatedAt = h.l.now()
	if err := h.tx.SaveLedger(ctx, next); err != nil {
		return err
	}
	if h.galleryUsed > 0 {
		h.galleryUsed -= h.entry.PaidPending - next.PaidPending
	}
	h.entry = next
	return nil
}

// Reserve is the one-shot form of Acquire followed by Hold.Reserve.
func (l *Ledger) Reserve(ctx context.Context, tx store.Tx, p models.Policy, clientKey string, n int) (Allocation, error) {
	h, err := l.Acquire(ctx, tx, p, clientKey)
	if err != nil {
		return Allocation{}, err
	}
	return h.Reserve(ctx, n)
}

// Settle converts n pending paid slots into consumed paid slots once payment
// completed.
func (l *Ledger) Settle(ctx context.Context, tx store.Tx, galleryID, clientKey string, n int) (models.LedgerEntry, error) {
	return l.mutate(ctx, tx, galleryID, clientKey, func(e *models.LedgerEntry) {
		e.PaidPending = max(0, e.PaidPending-n)
		e.PaidConsumed += n
	})
}

// Release drops n pending paid slots after a payment failed or expired.
func (l *Ledger) Release(ctx context.Context, tx store.Tx, galleryID, clientKey string, n int) (models.LedgerEntry, error) {
	return l.mutate(ctx, tx, galleryID, clientKey, func(e *models.LedgerEntry) {
		e.PaidPending = max(0, e.PaidPending-n)
	})
}

// RecordPaid counts n paid slots that no longer had a pending reservation,
// such as a payment completing after its pending window expired. Caps are
// not applied because the payment was already captured.
func (l *Ledger) RecordPaid(ctx context.Context, tx store.Tx, galleryID, clientKey string, n int) (models.LedgerEntry, error) {
	return l.mutate(ctx, tx, galleryID, clientKey, func(e *models.LedgerEntry) {
		e.PaidConsumed += n
	})
}

func (l *Ledger) RecordDelivery(ctx context.Context, tx store.Tx, galleryID, clientKey string) (models.LedgerEntry, error) {
	return l.mutate(ctx, tx, galleryID, clientKey, func(e *models.LedgerEntry) {
		e.Delivered++
	})
}

func (l *Ledger) mutate(ctx context.Context, tx store.Tx, galleryID, clientKey string, fn func(*models.LedgerEntry)) (models.LedgerEntry, error) {
	e, err := tx.LockLedger(ctx, galleryID, clientKey)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	fn(&e)
	e.UpdatedAt = l.now()
	if err := tx.SaveLedger(ctx, e); err != nil {
		return models.LedgerEntry{}, err
	}
	return e, nil
}

// Usage reads the current counts. A pair with no row reads as all zero.
func (l *Ledger) Usage(ctx context.Context, db store.DB, galleryID, clientKey string) (models.LedgerEntry, error) {
	out := models.LedgerEntry{GalleryID: galleryID, ClientKey: clientKey}
	err := db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		e, ok, err := tx.GetLedger(ctx, galleryID, clientKey)
		if err != nil {
			return err
		}
		if ok {
			out = e
		}
		return nil
	})
	return out, err
}

// GalleryUsage lists every client row of a gallery.
func (l *Ledger) GalleryUsage(ctx context.Context, db store.DB, galleryID string) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	err := db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rows, err := tx.ListLedger(ctx, galleryID)
		out = rows
		return err
	})
	return out, err
}

// Reset zeroes consumed counts for one pair. Pending slots stay because their
// entitlements are still outstanding and are settled or released on their own.
func (l *Ledger) Reset(ctx context.Context, db store.DB, galleryID, clientKey string) (before models.LedgerEntry, err error) {
	err = db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		e, err := tx.LockLedger(ctx, galleryID, clientKey)
		if err != nil {
			return err
		}
		before = e
		e.FreeConsumed = 0
		e.PaidConsumed = 0
		e.UpdatedAt = l.now()
		return tx.SaveLedger(ctx, e)
	})
	return before, err
}
