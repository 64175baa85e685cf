package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"darkroom/pkg/models"
	"darkroom/pkg/store"
	"darkroom/pkg/store/memstore"

	"github.com/shopspring/decimal"
)

func policyFor(mode models.Mode, allowance, perClient, global models.Limit) models.Policy {
	return models.Policy{
		GalleryID:     "g1",
		Mode:          mode,
		FreeAllowance: allowance,
		UnitPrice:     decimal.NewFromInt(5),
		Currency:      "USD",
		PerClientMax:  perClient,
		GlobalMax:     global,
	}
}

func seed(t *testing.T, db store.DB, p models.Policy, e models.LedgerEntry) {
	t.Helper()
	err := db.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpsertPolicy(ctx, p); err != nil {
			return err
		}
		if e.ClientKey == "" {
			return nil
		}
		if _, err := tx.LockLedger(ctx, e.GalleryID, e.ClientKey); err != nil {
			return err
		}
		return tx.SaveLedger(ctx, e)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestReservePlans(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		policy    models.Policy
		existing  models.LedgerEntry
		n         int
		want      Allocation
		wantScope models.QuotaScope
	}{
		{
			name:   "free_unlimited",
			policy: policyFor(models.ModeFree, models.Unlimited(), models.Unlimited(), models.Unlimited()),
			n:      3,
			want:   Allocation{Free: 3},
		},
		{
			name:      "free_allowance_exhausted",
			policy:    policyFor(models.ModeFree, models.Bounded(2), models.Unlimited(), models.Unlimited()),
			existing:  models.LedgerEntry{FreeConsumed: 2},
			n:         1,
			wantScope: models.ScopeFreeAllowance,
		},
		{
			name:      "free_allowance_zero_is_not_unlimited",
			policy:    policyFor(models.ModeFree, models.Bounded(0), models.Unlimited(), models.Unlimited()),
			n:         1,
			wantScope: models.ScopeFreeAllowance,
		},
		{
			name:     "freemium_splits",
			policy:   policyFor(models.ModeFreemium, models.Bounded(2), models.Unlimited(), models.Unlimited()),
			existing: models.LedgerEntry{FreeConsumed: 1},
			n:        3,
			want:     Allocation{Free: 1, Paid: 2},
		},
		{
			name:     "freemium_free_exhausted",
			policy:   policyFor(models.ModeFreemium, models.Bounded(2), models.Unlimited(), models.Unlimited()),
			existing: models.LedgerEntry{FreeConsumed: 2},
			n:        1,
			want:     Allocation{Paid: 1},
		},
		{
			name:   "paid_all_pending",
			policy: policyFor(models.ModePaid, models.Bounded(0), models.Unlimited(), models.Unlimited()),
			n:      2,
			want:   Allocation{Paid: 2},
		},
		{
			name:      "per_client_cap_counts_pending",
			policy:    policyFor(models.ModePaid, models.Bounded(0), models.Bounded(3), models.Unlimited()),
			existing:  models.LedgerEntry{PaidConsumed: 1, PaidPending: 1},
			n:         2,
			wantScope: models.ScopeClient,
		},
		{
			name:     "per_client_cap_exact_fit",
			policy:   policyFor(models.ModeFreemium, models.Bounded(5), models.Bounded(3), models.Unlimited()),
			existing: models.LedgerEntry{FreeConsumed: 1},
			n:        2,
			want:     Allocation{Free: 2},
		},
		{
			name:      "global_cap",
			policy:    policyFor(models.ModeFree, models.Unlimited(), models.Unlimited(), models.Bounded(2)),
			existing:  models.LedgerEntry{FreeConsumed: 2},
			n:         1,
			wantScope: models.ScopeGallery,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			db := memstore.New()
			existing := tt.existing
			existing.GalleryID, existing.ClientKey = "g1", "ck_a"
			seed(t, db, tt.policy, existing)

			l := New()
			var got Allocation
			err := db.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
				var err error
				got, err = l.Reserve(ctx, tx, tt.policy, "ck_a", tt.n)
				return err
			})
			if tt.wantScope != "" {
				qe, ok := AsQuota(err)
				if !ok {
					t.Fatalf("expected quota error, got %v", err)
				}
				if qe.Scope != tt.wantScope {
					t.Fatalf("expected scope %s, got %s", tt.wantScope, qe.Scope)
				}
				after, _ := l.Usage(context.Background(), db, "g1", "ck_a")
				if after.Total() != existing.Total() {
					t.Fatalf("rejected reservation must not write, total %d -> %d", existing.Total(), after.Total())
				}
				return
			}
			if err != nil {
				t.Fatalf("reserve: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
			after, _ := l.Usage(context.Background(), db, "g1", "ck_a")
			if after.FreeConsumed != existing.FreeConsumed+got.Free || after.PaidPending != existing.PaidPending+got.Paid {
				t.Fatalf("unexpected ledger after reserve: %+v", after)
			}
		})
	}
}

func TestReserveConcurrentSameClient(t *testing.T) {
	t.Parallel()
	db := memstore.New()
	p := policyFor(models.ModeFree, models.Bounded(1), models.Unlimited(), models.Unlimited())
	seed(t, db, p, models.LedgerEntry{})
	l := New()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		granted  int
		rejected int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
				_, err := l.Reserve(ctx, tx, p, "ck_a", 1)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			if _, ok := AsQuota(err); ok {
				rejected++
			} else if err == nil {
				granted++
			}
		}()
	}
	wg.Wait()
	if granted != 1 || rejected != 19 {
		t.Fatalf("expected 1 granted and 19 rejected, got %d/%d", granted, rejected)
	}
}

func TestReserveGlobalCapAcrossClients(t *testing.T) {
	t.Parallel()
	db := memstore.New()
	p := policyFor(models.ModeFree, models.Unlimited(), models.Unlimited(), models.Bounded(5))
	seed(t, db, p, models.LedgerEntry{})
	l := New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := db.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
				_, err := l.Reserve(ctx, tx, p, fmt.Sprintf("ck_%02d", i), 1)
				return err
			})
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if granted != 5 {
		t.Fatalf("expected global cap of 5 grants, got %d", granted)
	}
}

func TestSettleReleaseDeliveryAndReset(t *testing.T) {
	t.Parallel()
	db := memstore.New()
	p := policyFor(models.ModePaid, models.Bounded(0), models.Unlimited(), models.Unlimited())
	seed(t, db, p, models.LedgerEntry{GalleryID: "g1", ClientKey: "ck_a", PaidPending: 3})
	l := New()
	ctx := context.Background()

	err := db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := l.Settle(ctx, tx, "g1", "ck_a", 2); err != nil {
			return err
		}
		if _, err := l.Release(ctx, tx, "g1", "ck_a", 5); err != nil {
			return err
		}
		_, err := l.RecordDelivery(ctx, tx, "g1", "ck_a")
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	e, _ := l.Usage(ctx, db, "g1", "ck_a")
	if e.PaidConsumed != 2 || e.PaidPending != 0 || e.Delivered != 1 {
		t.Fatalf("unexpected entry: %+v", e)
	}

	before, err := l.Reset(ctx, db, "g1", "ck_a")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if before.PaidConsumed != 2 {
		t.Fatalf("expected reset to report previous counts, got %+v", before)
	}
	e, _ = l.Usage(ctx, db, "g1", "ck_a")
	if e.PaidConsumed != 0 || e.FreeConsumed != 0 || e.Delivered != 1 {
		t.Fatalf("unexpected entry after reset: %+v", e)
	}
	rows, _ := l.GalleryUsage(ctx, db, "g1")
	if len(rows) != 1 {
		t.Fatalf("expected one gallery row, got %d", len(rows))
	}
}

func TestUsageOfUnknownPair(t *testing.T) {
	t.Parallel()
	e, err := New().Usage(context.Background(), memstore.New(), "g1", "ck_none")
	if err != nil || e.Total() != 0 || e.ClientKey != "ck_none" {
		t.Fatalf("expected zero usage, got %+v %v", e, err)
	}
}
