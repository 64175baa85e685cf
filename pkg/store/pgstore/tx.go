package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"darkroom/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type txn struct {
	tx pgx.Tx
}

const policyColumns = `gallery_id, mode, free_allowance, unit_price::text, currency, per_client_max, global_max, updated_at`

func scanPolicy(row pgx.Row) (models.Policy, error) {
	var (
		p                            models.Policy
		mode, price                  string
		allowance, perClient, global *int
	)
	if err := row.Scan(&p.GalleryID, &mode, &allowance, &price, &p.Currency, &perClient, &global, &p.UpdatedAt); err != nil {
		return models.Policy{}, err
	}
	m, err := models.ParseMode(mode)
	if err != nil {
		return models.Policy{}, err
	}
	unit, err := decimal.NewFromString(price)
	if err != nil {
		return models.Policy{}, fmt.Errorf("parse unit_price %q: %w", price, err)
	}
	p.Mode = m
	p.UnitPrice = unit
	p.FreeAllowance = models.AllowanceFromNullable(allowance)
	p.PerClientMax = models.CapFromNullable(perClient)
	p.GlobalMax = models.CapFromNullable(global)
	return p, nil
}

func (t *txn) GetPolicy(ctx context.Context, galleryID string) (models.Policy, bool, error) {
	p, err := scanPolicy(t.tx.QueryRow(ctx, `SELECT `+policyColumns+` FROM gallery_policies WHERE gallery_id=$1`, galleryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Policy{}, false, nil
	}
	if err != nil {
		return models.Policy{}, false, fmt.Errorf("get policy: %w", err)
	}
	return p, true, nil
}

func (t *txn) InsertPolicyIfAbsent(ctx context.Context, p models.Policy) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO gallery_policies (gallery_id, mode, free_allowance, unit_price, currency, per_client_max, global_max, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, now())
		ON CONFLICT (gallery_id) DO NOTHING`,
		p.GalleryID, string(p.Mode), p.FreeAllowance.Nullable(), p.UnitPrice.String(), p.Currency, p.PerClientMax.Nullable(), p.GlobalMax.Nullable())
	if err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}

func (t *txn) UpsertPolicy(ctx context.Context, p models.Policy) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO gallery_policies (gallery_id, mode, free_allowance, unit_price, currency, per_client_max, global_max, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, now())
		ON CONFLICT (gallery_id) DO UPDATE SET
			mode = EXCLUDED.mode,
			free_allowance = EXCLUDED.free_allowance,
			unit_price = EXCLUDED.unit_price,
			currency = EXCLUDED.currency,
			per_client_max = EXCLUDED.per_client_max,
			global_max = EXCLUDED.global_max,
			updated_at = now()`,
		p.GalleryID, string(p.Mode), p.FreeAllowance.Nullable(), p.UnitPrice.String(), p.Currency, p.PerClientMax.Nullable(), p.GlobalMax.Nullable())
	if err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

func (t *txn) LockPolicy(ctx context.Context, galleryID string) (models.Policy, error) {
	p, err := scanPolicy(t.tx.QueryRow(ctx, `SELECT `+policyColumns+` FROM gallery_policies WHERE gallery_id=$1 FOR UPDATE`, galleryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Policy{}, fmt.Errorf("policy %s: %w", galleryID, models.ErrNotFound)
	}
	if err != nil {
		return models.Policy{}, fmt.Errorf("lock policy: %w", err)
	}
	return p, nil
}

func (t *txn) SumGalleryUsage(ctx context.Context, galleryID string) (int, error) {
	var total int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(free_consumed + paid_consumed + paid_pending), 0)::bigint
		FROM download_ledger WHERE gallery_id=$1`, galleryID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum gallery usage: %w", err)
	}
	return int(total), nil
}

const ledgerColumns = `gallery_id, client_key, free_consumed, paid_consumed, paid_pending, delivered, updated_at`

func scanLedger(row pgx.Row) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.GalleryID, &e.ClientKey, &e.FreeConsumed, &e.PaidConsumed, &e.PaidPending, &e.Delivered, &e.UpdatedAt)
	return e, err
}

func (t *txn) LockLedger(ctx context.Context, galleryID, clientKey string) (models.LedgerEntry, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO download_ledger (gallery_id, client_key) VALUES ($1, $2)
		ON CONFLICT (gallery_id, client_key) DO NOTHING`, galleryID, clientKey); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("ensure ledger row: %w", err)
	}
	e, err := scanLedger(t.tx.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM download_ledger
		WHERE gallery_id=$1 AND client_key=$2 FOR UPDATE`, galleryID, clientKey))
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("lock ledger row: %w", err)
	}
	return e, nil
}

func (t *txn) SaveLedger(ctx context.Context, e models.LedgerEntry) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE download_ledger
		SET free_consumed=$3, paid_consumed=$4, paid_pending=$5, delivered=$6, updated_at=$7
		WHERE gallery_id=$1 AND client_key=$2`,
		e.GalleryID, e.ClientKey, e.FreeConsumed, e.PaidConsumed, e.PaidPending, e.Delivered, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}

func (t *txn) GetLedger(ctx context.Context, galleryID, clientKey string) (models.LedgerEntry, bool, error) {
	e, err := scanLedger(t.tx.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM download_ledger
		WHERE gallery_id=$1 AND client_key=$2`, galleryID, clientKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LedgerEntry{}, false, nil
	}
	if err != nil {
		return models.LedgerEntry{}, false, fmt.Errorf("get ledger: %w", err)
	}
	return e, true, nil
}

func (t *txn) ListLedger(ctx context.Context, galleryID string) ([]models.LedgerEntry, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+ledgerColumns+` FROM download_ledger
		WHERE gallery_id=$1 ORDER BY client_key`, galleryID)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()
	var out []models.LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const entitlementColumns = `id::text, gallery_id, client_key, asset_id, kind, status, COALESCE(payment_ref, ''), created_at, updated_at, expires_at`

func scanEntitlement(row pgx.Row) (models.Entitlement, error) {
	var (
		e            models.Entitlement
		kind, status string
	)
	if err := row.Scan(&e.ID, &e.GalleryID, &e.ClientKey, &e.AssetID, &kind, &status, &e.PaymentRef, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt); err != nil {
		return models.Entitlement{}, err
	}
	e.Kind = models.EntitlementKind(kind)
	e.Status = models.EntitlementStatus(status)
	return e, nil
}

func collectEntitlements(rows pgx.Rows) ([]models.Entitlement, error) {
	defer rows.Close()
	var out []models.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func statusStrings(statuses []models.EntitlementStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func nullableText(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func (t *txn) FindEntitlement(ctx context.Context, galleryID, clientKey, assetID string, statuses ...models.EntitlementStatus) (models.Entitlement, bool, error) {
	e, err := scanEntitlement(t.tx.QueryRow(ctx, `SELECT `+entitlementColumns+` FROM entitlements
		WHERE gallery_id=$1 AND client_key=$2 AND asset_id=$3
		  AND (cardinality($4::text[]) = 0 OR status = ANY($4::text[]))
		ORDER BY created_at DESC LIMIT 1`, galleryID, clientKey, assetID, statusStrings(statuses)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Entitlement{}, false, nil
	}
	if err != nil {
		return models.Entitlement{}, false, fmt.Errorf("find entitlement: %w", err)
	}
	return e, true, nil
}

func (t *txn) LockEntitlement(ctx context.Context, id string) (models.Entitlement, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return models.Entitlement{}, fmt.Errorf("entitlement %s: %w", id, models.ErrNotFound)
	}
	e, err := scanEntitlement(t.tx.QueryRow(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE id=$1 FOR UPDATE`, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Entitlement{}, fmt.Errorf("entitlement %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Entitlement{}, fmt.Errorf("lock entitlement: %w", err)
	}
	return e, nil
}

func (t *txn) InsertEntitlement(ctx context.Context, e models.Entitlement) error {
	uid, err := uuid.Parse(e.ID)
	if err != nil {
		return fmt.Errorf("entitlement id %q: %w", e.ID, err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO entitlements (id, gallery_id, client_key, asset_id, kind, status, payment_ref, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uid, e.GalleryID, e.ClientKey, e.AssetID, string(e.Kind), string(e.Status), nullableText(e.PaymentRef), e.CreatedAt, e.UpdatedAt, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert entitlement: %w", err)
	}
	return nil
}

func (t *txn) UpdateEntitlement(ctx context.Context, e models.Entitlement) error {
	uid, err := uuid.Parse(e.ID)
	if err != nil {
		return fmt.Errorf("entitlement id %q: %w", e.ID, err)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE entitlements SET status=$2, payment_ref=$3, updated_at=$4, expires_at=$5 WHERE id=$1`,
		uid, string(e.Status), nullableText(e.PaymentRef), e.UpdatedAt, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("update entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entitlement %s: %w", e.ID, models.ErrNotFound)
	}
	return nil
}

func (t *txn) ListPendingEntitlements(ctx context.Context, galleryID, clientKey string, assetIDs []string) ([]models.Entitlement, error) {
	if assetIDs == nil {
		assetIDs = []string{}
	}
	rows, err := t.tx.Query(ctx, `SELECT `+entitlementColumns+` FROM entitlements
		WHERE gallery_id=$1 AND client_key=$2 AND status='pending' AND kind='paid'
		  AND (cardinality($3::text[]) = 0 OR asset_id = ANY($3::text[]))
		ORDER BY created_at, asset_id`, galleryID, clientKey, assetIDs)
	if err != nil {
		return nil, fmt.Errorf("list pending entitlements: %w", err)
	}
	return collectEntitlements(rows)
}

func (t *txn) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Entitlement, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+entitlementColumns+` FROM entitlements
		WHERE status='pending' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired pending: %w", err)
	}
	return collectEntitlements(rows)
}

const tokenColumns = `token, gallery_id, client_key, asset_id, entitlement_id::text, expires_at, used, used_at, created_at`

func scanToken(row pgx.Row) (models.DownloadToken, error) {
	var tok models.DownloadToken
	err := row.Scan(&tok.Value, &tok.GalleryID, &tok.ClientKey, &tok.AssetID, &tok.EntitlementID, &tok.ExpiresAt, &tok.Used, &tok.UsedAt, &tok.CreatedAt)
	return tok, err
}

func (t *txn) InsertToken(ctx context.Context, tok models.DownloadToken) error {
	uid, err := uuid.Parse(tok.EntitlementID)
	if err != nil {
		return fmt.Errorf("token entitlement id %q: %w", tok.EntitlementID, err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO download_tokens (token, gallery_id, client_key, asset_id, entitlement_id, expires_at, used, used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tok.Value, tok.GalleryID, tok.ClientKey, tok.AssetID, uid, tok.ExpiresAt, tok.Used, tok.UsedAt, tok.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (t *txn) LockToken(ctx context.Context, value string) (models.DownloadToken, error) {
	tok, err := scanToken(t.tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM download_tokens WHERE token=$1 FOR UPDATE`, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DownloadToken{}, models.ErrTokenNotFound
	}
	if err != nil {
		return models.DownloadToken{}, fmt.Errorf("lock token: %w", err)
	}
	return tok, nil
}

func (t *txn) UpdateToken(ctx context.Context, tok models.DownloadToken) error {
	tag, err := t.tx.Exec(ctx, `UPDATE download_tokens SET used=$2, used_at=$3, expires_at=$4 WHERE token=$1`,
		tok.Value, tok.Used, tok.UsedAt, tok.ExpiresAt)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTokenNotFound
	}
	return nil
}

func (t *txn) FindLiveToken(ctx context.Context, entitlementID string, now time.Time) (models.DownloadToken, bool, error) {
	uid, err := uuid.Parse(entitlementID)
	if err != nil {
		return models.DownloadToken{}, false, nil
	}
	tok, err := scanToken(t.tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM download_tokens
		WHERE entitlement_id=$1 AND used=false AND expires_at > $2
		ORDER BY expires_at DESC LIMIT 1`, uid, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DownloadToken{}, false, nil
	}
	if err != nil {
		return models.DownloadToken{}, false, fmt.Errorf("find live token: %w", err)
	}
	return tok, true, nil
}

func (t *txn) DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM download_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const paymentColumns = `provider_ref, reference::text, gallery_id, client_key, asset_ids, entitlement_ids, amount::text, currency, status, checkout_url, created_at, updated_at, completed_at`

func scanPayment(row pgx.Row) (models.PaymentTransaction, error) {
	var (
		p              models.PaymentTransaction
		amount, status string
	)
	if err := row.Scan(&p.ProviderRef, &p.Reference, &p.GalleryID, &p.ClientKey, &p.AssetIDs, &p.EntitlementIDs, &amount, &p.Currency, &status, &p.CheckoutURL, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt); err != nil {
		return models.PaymentTransaction{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return models.PaymentTransaction{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	p.Amount = d
	p.Status = models.PaymentStatus(status)
	return p, nil
}

func (t *txn) InsertPayment(ctx context.Context, p models.PaymentTransaction) error {
	ref, err := uuid.Parse(p.Reference)
	if err != nil {
		return fmt.Errorf("payment reference %q: %w", p.Reference, err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO payment_transactions (provider_ref, reference, gallery_id, client_key, asset_ids, entitlement_ids, amount, currency, status, checkout_url, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13)`,
		p.ProviderRef, ref, p.GalleryID, p.ClientKey, p.AssetIDs, p.EntitlementIDs, p.Amount.String(), p.Currency, string(p.Status), p.CheckoutURL, p.CreatedAt, p.UpdatedAt, p.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (t *txn) LockPayment(ctx context.Context, providerRef string) (models.PaymentTransaction, error) {
	p, err := scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_transactions WHERE provider_ref=$1 FOR UPDATE`, providerRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PaymentTransaction{}, fmt.Errorf("%s: %w", providerRef, models.ErrUnknownTransaction)
	}
	if err != nil {
		return models.PaymentTransaction{}, fmt.Errorf("lock payment: %w", err)
	}
	return p, nil
}

func (t *txn) UpdatePayment(ctx context.Context, p models.PaymentTransaction) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE payment_transactions SET status=$2, updated_at=$3, completed_at=$4, entitlement_ids=$5
		WHERE provider_ref=$1`, p.ProviderRef, string(p.Status), p.UpdatedAt, p.CompletedAt, p.EntitlementIDs)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", p.ProviderRef, models.ErrUnknownTransaction)
	}
	return nil
}

func (t *txn) RecordPaymentEvent(ctx context.Context, eventID, providerRef string, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO payment_events (event_id, provider_ref, received_at) VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`, eventID, providerRef, at)
	if err != nil {
		return false, fmt.Errorf("record payment event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
