// Package memstore is an in-process store.DB for tests and local development.
// Transactions are serialized by one mutex and work on a copy of the state
// that replaces the live state only on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"darkroom/pkg/models"
	"darkroom/pkg/store"
)

type pairKey struct{ gallery, client string }

type state struct {
	policies     map[string]models.Policy
	ledger       map[pairKey]models.LedgerEntry
	entitlements map[string]models.Entitlement
	tokens       map[string]models.DownloadToken
	payments     map[string]models.PaymentTransaction
	events       map[string]string
}

func newState() *state {
	return &state{
		policies:     map[string]models.Policy{},
		ledger:       map[pairKey]models.LedgerEntry{},
		entitlements: map[string]models.Entitlement{},
		tokens:       map[string]models.DownloadToken{},
		payments:     map[string]models.PaymentTransaction{},
		events:       map[string]string{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.policies {
		c.policies[k] = v
	}
	for k, v := range s.ledger {
		c.ledger[k] = v
	}
	for k, v := range s.entitlements {
		c.entitlements[k] = v
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for k, v := range s.payments {
		v.AssetIDs = append([]string(nil), v.AssetIDs...)
		v.EntitlementIDs = append([]string(nil), v.EntitlementIDs...)
		c.payments[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	return c
}

type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

func New() *Store {
	return &Store{state: newState(), now: time.Now}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(ctx, &txn{st: work, now: s.now}); err != nil {
		return err
	}
	s.state = work
	return nil
}

type txn struct {
	st  *state
	now func() time.Time
}

func (t *txn) GetPolicy(_ context.Context, galleryID string) (models.Policy, bool, error) {
	p, ok := t.st.policies[galleryID]
	return p, ok, nil
}

func (t *txn) InsertPolicyIfAbsent(_ context.Context, p models.Policy) error {
	if _, ok := t.st.policies[p.GalleryID]; ok {
		return nil
	}
	p.Synthesized = false
	p.UpdatedAt = t.now()
	t.st.policies[p.GalleryID] = p
	return nil
}

func (t *txn) UpsertPolicy(_ context.Context, p models.Policy) error {
	p.Synthesized = false
	p.UpdatedAt = t.now()
	t.st.policies[p.GalleryID] = p
	return nil
}

func (t *txn) LockPolicy(_ context.Context, galleryID string) (models.Policy, error) {
	p, ok := t.st.policies[galleryID]
	if !ok {
		return models.Policy{}, fmt.Errorf("policy %s: %w", galleryID, models.ErrNotFound)
	}
	return p, nil
}

func (t *txn) SumGalleryUsage(_ context.Context, galleryID string) (int, error) {
	total := 0
	for k, e := range t.st.ledger {
		if k.gallery == galleryID {
			total += e.Total()
		}
	}
	return total, nil
}

func (t *txn) LockLedger(_ context.Context, galleryID, clientKey string) (models.LedgerEntry, error) {
	k := pairKey{galleryID, clientKey}
	e, ok := t.st.ledger[k]
	if !ok {
		e = models.LedgerEntry{GalleryID: galleryID, ClientKey: clientKey, UpdatedAt: t.now()}
		t.st.ledger[k] = e
	}
	return e, nil
}

func (t *txn) SaveLedger(_ context.Context, e models.LedgerEntry) error {
	k := pairKey{e.GalleryID, e.ClientKey}
	if _, ok := t.st.ledger[k]; !ok {
		return fmt.Errorf("ledger %s/%s: %w", e.GalleryID, e.ClientKey, models.ErrNotFound)
	}
	t.st.ledger[k] = e
	return nil
}

func (t *txn) GetLedger(_ context.Context, galleryID, clientKey string) (models.LedgerEntry, bool, error) {
	e, ok := t.st.ledger[pairKey{galleryID, clientKey}]
	return e, ok, nil
}

func (t *txn) ListLedger(_ context.Context, galleryID string) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	for k, e := range t.st.ledger {
		if k.gallery == galleryID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientKey < out[j].ClientKey })
	return out, nil
}

func hasStatus(s models.EntitlementStatus, statuses []models.EntitlementStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

func (t *txn) FindEntitlement(_ context.Context, galleryID, clientKey, assetID string, statuses ...models.EntitlementStatus) (models.Entitlement, bool, error) {
	var (
		best  models.Entitlement
		found bool
	)
	for _, e := range t.st.entitlements {
		if e.GalleryID != galleryID || e.ClientKey != clientKey || e.AssetID != assetID {
			continue
		}
		if !hasStatus(e.Status, statuses) {
			continue
		}
		if !found || e.CreatedAt.After(best.CreatedAt) {
			best, found = e, true
		}
	}
	return best, found, nil
}

func (t *txn) LockEntitlement(_ context.Context, id string) (models.Entitlement, error) {
	e, ok := t.st.entitlements[id]
	if !ok {
		return models.Entitlement{}, fmt.Errorf("entitlement %s: %w", id, models.ErrNotFound)
	}
	return e, nil
}

func (t *txn) InsertEntitlement(_ context.Context, e models.Entitlement) error {
	if _, ok := t.st.entitlements[e.ID]; ok {
		return fmt.Errorf("entitlement %s already exists", e.ID)
	}
	if e.Status == models.StatusPending || e.Status == models.StatusGranted {
		for _, other := range t.st.entitlements {
			if other.GalleryID == e.GalleryID && other.ClientKey == e.ClientKey && other.AssetID == e.AssetID &&
				(other.Status == models.StatusPending || other.Status == models.StatusGranted) {
				return fmt.Errorf("active entitlement for asset %s already exists", e.AssetID)
			}
		}
	}
	t.st.entitlements[e.ID] = e
	return nil
}

func (t *txn) UpdateEntitlement(_ context.Context, e models.Entitlement) error {
	cur, ok := t.st.entitlements[e.ID]
	if !ok {
		return fmt.Errorf("entitlement %s: %w", e.ID, models.ErrNotFound)
	}
	cur.Status = e.Status
	cur.PaymentRef = e.PaymentRef
	cur.UpdatedAt = e.UpdatedAt
	cur.ExpiresAt = e.ExpiresAt
	t.st.entitlements[e.ID] = cur
	return nil
}

func sortEntitlements(out []models.Entitlement) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].AssetID < out[j].AssetID
	})
}

func (t *txn) ListPendingEntitlements(_ context.Context, galleryID, clientKey string, assetIDs []string) ([]models.Entitlement, error) {
	wanted := map[string]bool{}
	for _, id := range assetIDs {
		wanted[id] = true
	}
	var out []models.Entitlement
	for _, e := range t.st.entitlements {
		if e.GalleryID != galleryID || e.ClientKey != clientKey {
			continue
		}
		if e.Status != models.StatusPending || e.Kind != models.KindPaid {
			continue
		}
		if len(wanted) > 0 && !wanted[e.AssetID] {
			continue
		}
		out = append(out, e)
	}
	sortEntitlements(out)
	return out, nil
}

func (t *txn) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]models.Entitlement, error) {
	var out []models.Entitlement
	for _, e := range t.st.entitlements {
		if e.Status != models.StatusPending || e.ExpiresAt == nil || e.ExpiresAt.After(now) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *txn) InsertToken(_ context.Context, tok models.DownloadToken) error {
	if _, ok := t.st.tokens[tok.Value]; ok {
		return fmt.Errorf("token already exists")
	}
	t.st.tokens[tok.Value] = tok
	return nil
}

func (t *txn) LockToken(_ context.Context, value string) (models.DownloadToken, error) {
	tok, ok := t.st.tokens[value]
	if !ok {
		return models.DownloadToken{}, models.ErrTokenNotFound
	}
	return tok, nil
}

func (t *txn) UpdateToken(_ context.Context, tok models.DownloadToken) error {
	cur, ok := t.st.tokens[tok.Value]
	if !ok {
		return models.ErrTokenNotFound
	}
	cur.Used = tok.Used
	cur.UsedAt = tok.UsedAt
	cur.ExpiresAt = tok.ExpiresAt
	t.st.tokens[tok.Value] = cur
	return nil
}

func (t *txn) FindLiveToken(_ context.Context, entitlementID string, now time.Time) (models.DownloadToken, bool, error) {
	var (
		best  models.DownloadToken
		found bool
	)
	for _, tok := range t.st.tokens {
		if tok.EntitlementID != entitlementID || tok.Used || tok.Expired(now) {
			continue
		}
		if !found || tok.ExpiresAt.After(best.ExpiresAt) {
			best, found = tok, true
		}
	}
	return best, found, nil
}

func (t *txn) DeleteExpiredTokens(_ context.Context, before time.Time) (int, error) {
	n := 0
	for k, tok := range t.st.tokens {
		if tok.ExpiresAt.Before(before) {
			delete(t.st.tokens, k)
			n++
		}
	}
	return n, nil
}

func (t *txn) InsertPayment(_ context.Context, p models.PaymentTransaction) error {
	if _, ok := t.st.payments[p.ProviderRef]; ok {
		return fmt.Errorf("payment %s already exists", p.ProviderRef)
	}
	t.st.payments[p.ProviderRef] = p
	return nil
}

func (t *txn) LockPayment(_ context.Context, providerRef string) (models.PaymentTransaction, error) {
	p, ok := t.st.payments[providerRef]
	if !ok {
		return models.PaymentTransaction{}, fmt.Errorf("%s: %w", providerRef, models.ErrUnknownTransaction)
	}
	return p, nil
}

func (t *txn) UpdatePayment(_ context.Context, p models.PaymentTransaction) error {
	cur, ok := t.st.payments[p.ProviderRef]
	if !ok {
		return fmt.Errorf("%s: %w", p.ProviderRef, models.ErrUnknownTransaction)
	}
	cur.Status = p.Status
	cur.UpdatedAt = p.UpdatedAt
	cur.CompletedAt = p.CompletedAt
	cur.EntitlementIDs = append([]string(nil), p.EntitlementIDs...)
	t.st.payments[p.ProviderRef] = cur
	return nil
}

func (t *txn) RecordPaymentEvent(_ context.Context, eventID, providerRef string, _ time.Time) (bool, error) {
	if _, ok := t.st.events[eventID]; ok {
		return false, nil
	}
	t.st.events[eventID] = providerRef
	return true, nil
}
