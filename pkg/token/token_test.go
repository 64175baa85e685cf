package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"darkroom/pkg/ledger"
	"darkroom/pkg/models"
	"darkroom/pkg/store"
	"darkroom/pkg/store/memstore"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*Service, *memstore.Store, *clock, models.DownloadToken) {
	t.Helper()
	db := memstore.New()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(db, ledger.New().WithClock(clk.Now), Options{TTL: 10 * time.Minute, Now: clk.Now})
	ent := models.Entitlement{
		ID:        "7d1f7a38-8a3e-4e0e-9a55-0c4d7f2b8c11",
		GalleryID: "g1",
		ClientKey: "ck_a",
		AssetID:   "img-001",
		Kind:      models.KindFree,
		Status:    models.StatusGranted,
		CreatedAt: clk.Now(),
	}
	var tok models.DownloadToken
	err := db.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertEntitlement(ctx, ent); err != nil {
			return err
		}
		var err error
		tok, err = svc.Issue(ctx, tx, ent)
		return err
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return svc, db, clk, tok
}

func deliverURL(_ context.Context, tok models.DownloadToken) (string, error) {
	return "https://cdn.example/" + tok.AssetID, nil
}

func TestIssueShape(t *testing.T) {
	t.Parallel()
	_, _, clk, tok := setup(t)
	if !WellFormed(tok.Value) {
		t.Fatalf("issued token is not well formed: %q", tok.Value)
	}
	if !tok.ExpiresAt.Equal(clk.Now().Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", tok.ExpiresAt)
	}
}

func TestIssueRequiresGranted(t *testing.T) {
	t.Parallel()
	svc, db, _, _ := setup(t)
	err := db.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := svc.Issue(ctx, tx, models.Entitlement{ID: "x", Status: models.StatusPending})
		return err
	})
	if err == nil {
		t.Fatal("expected issue for pending entitlement to fail")
	}
}

func TestRedeemIsSingleUse(t *testing.T) {
	t.Parallel()
	svc, db, _, tok := setup(t)
	ctx := context.Background()

	got, err := svc.Redeem(ctx, tok.Value, deliverURL)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if got.Handle != "https://cdn.example/img-001" || got.Entitlement.Status != models.StatusConsumed {
		t.Fatalf("unexpected redemption: %+v", got)
	}
	if _, err := svc.Redeem(ctx, tok.Value, deliverURL); !errors.Is(err, models.ErrTokenAlreadyUsed) {
		t.Fatalf("expected ErrTokenAlreadyUsed on second redeem, got %v", err)
	}
	e, _ := ledger.New().Usage(ctx, db, "g1", "ck_a")
	if e.Delivered != 1 {
		t.Fatalf("expected one delivery recorded, got %d", e.Delivered)
	}
}

func TestRedeemConcurrentOnlyOneWins(t *testing.T) {
	t.Parallel()
	svc, _, _, tok := setup(t)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		used int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Redeem(context.Background(), tok.Value, deliverURL)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, models.ErrTokenAlreadyUsed):
				used++
			}
		}()
	}
	wg.Wait()
	if ok != 1 || used != 9 {
		t.Fatalf("expected 1 success and 9 already-used, got %d/%d", ok, used)
	}
}

func TestRedeemDeliveryFailureKeepsTokenRedeemable(t *testing.T) {
	t.Parallel()
	svc, db, _, tok := setup(t)
	ctx := context.Background()
	_, err := svc.Redeem(ctx, tok.Value, func(context.Context, models.DownloadToken) (string, error) {
		return "", errors.New("object store down")
	})
	if err == nil {
		t.Fatal("expected delivery failure")
	}
	e, _ := ledger.New().Usage(ctx, db, "g1", "ck_a")
	if e.Delivered != 0 {
		t.Fatalf("failed delivery must not be counted, got %d", e.Delivered)
	}
	if _, err := svc.Redeem(ctx, tok.Value, deliverURL); err != nil {
		t.Fatalf("expected token to stay redeemable, got %v", err)
	}
}

func TestRedeemRejections(t *testing.T) {
	t.Parallel()
	svc, _, clk, tok := setup(t)
	ctx := context.Background()
	if _, err := svc.Redeem(ctx, "short", deliverURL); !errors.Is(err, models.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for malformed token, got %v", err)
	}
	unknown := "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	if _, err := svc.Redeem(ctx, unknown, deliverURL); !errors.Is(err, models.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for unknown token, got %v", err)
	}
	clk.Advance(10 * time.Minute)
	if _, err := svc.Redeem(ctx, tok.Value, deliverURL); !errors.Is(err, models.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestFailureReason(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want string
	}{
		{models.ErrTokenNotFound, "not_found"},
		{fmt.Errorf("redeem: %w", models.ErrTokenExpired), "expired"},
		{models.ErrTokenAlreadyUsed, "already_used"},
		{errors.New("boom"), "error"},
	}
	for _, tc := range cases {
		if got := FailureReason(tc.err); got != tc.want {
			t.Fatalf("FailureReason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestLiveOrIssueReusesToken(t *testing.T) {
	t.Parallel()
	svc, db, clk, tok := setup(t)
	ctx := context.Background()
	var again models.DownloadToken
	_ = db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ent, _ := tx.LockEntitlement(ctx, tok.EntitlementID)
		again, _ = svc.LiveOrIssue(ctx, tx, ent)
		return nil
	})
	if again.Value != tok.Value {
		t.Fatal("expected live token to be reused")
	}
	if g := again.Granted(); g.Token != tok.Value || g.AssetID != tok.AssetID || g.EntitlementID != tok.EntitlementID || !g.ExpiresAt.Equal(tok.ExpiresAt) {
		t.Fatalf("granted outcome does not mirror token: %+v", g)
	}
	clk.Advance(11 * time.Minute)
	_ = db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ent, _ := tx.LockEntitlement(ctx, tok.EntitlementID)
		again, _ = svc.LiveOrIssue(ctx, tx, ent)
		return nil
	})
	if again.Value == tok.Value || again.Value == "" {
		t.Fatal("expected a fresh token once the old one expired")
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	svc, _, clk, _ := setup(t)
	clk.Advance(2 * time.Hour)
	n, err := svc.SweepExpired(context.Background(), time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 swept token, got %d %v", n, err)
	}
}
