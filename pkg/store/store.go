package store

import (
	"context"
	"time"

	"darkroom/pkg/models"
)

// DB runs fn inside one storage transaction. Returning an error rolls the
// transaction back. Implementations may retry fn on serialization conflicts,
// so fn must not have side effects outside tx that cannot be repeated.
type DB interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the domain-typed view of a transaction. Lock* methods take a row
// lock held until the transaction ends. Callers lock in this order: policy,
// payment, ledger, entitlement, token.
type Tx interface {
	GetPolicy(ctx context.Context, galleryID string) (models.Policy, bool, error)
	InsertPolicyIfAbsent(ctx context.Context, p models.Policy) error
	UpsertPolicy(ctx context.Context, p models.Policy) error
	LockPolicy(ctx context.Context, galleryID string) (models.Policy, error)

	// SumGalleryUsage totals free, paid and pending slots over every client of
	// the gallery.
	SumGalleryUsage(ctx context.Context, galleryID string) (int, error)
	// LockLedger creates the row when missing and locks it.
	LockLedger(ctx context.Context, galleryID, clientKey string) (models.LedgerEntry, error)
	SaveLedger(ctx context.Context, e models.LedgerEntry) error
	GetLedger(ctx context.Context, galleryID, clientKey string) (models.LedgerEntry, bool, error)
	ListLedger(ctx context.Context, galleryID string) ([]models.LedgerEntry, error)

	FindEntitlement(ctx context.Context, galleryID, clientKey, assetID string, statuses ...models.EntitlementStatus) (models.Entitlement, bool, error)
	LockEntitlement(ctx context.Context, id string) (models.Entitlement, error)
	InsertEntitlement(ctx context.Context, e models.Entitlement) error
	UpdateEntitlement(ctx context.Context, e models.Entitlement) error
	// ListPendingEntitlements returns pending paid entitlements for the pair,
	// restricted to assetIDs when it is non-empty.
	ListPendingEntitlements(ctx context.Context, galleryID, clientKey string, assetIDs []string) ([]models.Entitlement, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Entitlement, error)

	InsertToken(ctx context.Context, t models.DownloadToken) error
	LockToken(ctx context.Context, value string) (models.DownloadToken, error)
	UpdateToken(ctx context.Context, t models.DownloadToken) error
	FindLiveToken(ctx context.Context, entitlementID string, now time.Time) (models.DownloadToken, bool, error)
	DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error)

	InsertPayment(ctx context.Context, p models.PaymentTransaction) error
	LockPayment(ctx context.Context, providerRef string) (models.PaymentTransaction, error)
	UpdatePayment(ctx context.Context, p models.PaymentTransaction) error
	// RecordPaymentEvent reports false when the event id was already seen.
	RecordPaymentEvent(ctx context.Context, eventID, providerRef string, at time.Time) (bool, error)
}
