package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"darkroom/pkg/identity"
	"darkroom/pkg/ledger"
	"darkroom/pkg/models"
	"darkroom/pkg/policy"
	"darkroom/pkg/store"
	"darkroom/pkg/store/memstore"
	"darkroom/pkg/stream"
	"darkroom/pkg/token"

	"github.com/shopspring/decimal"
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

type fixture struct {
	db     *memstore.Store
	clk    *clock
	issuer *Issuer
	ledger *ledger.Ledger
	hub    *stream.Hub
}

func newFixture(t *testing.T, p models.Policy) fixture {
	t.Helper()
	db := memstore.New()
	clk := &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	resolver := policy.NewResolver(db, nil, policy.Options{Currency: "USD"})
	if _, err := resolver.Upsert(context.Background(), p); err != nil {
		t.Fatalf("upsert policy: %v", err)
	}
	l := ledger.New().WithClock(clk.Now)
	tokens := token.NewService(db, l, token.Options{TTL: 15 * time.Minute, Now: clk.Now})
	hub := stream.NewHub()
	issuer := NewIssuer(db, resolver, l, tokens, Options{PendingTTL: 30 * time.Minute, Now: clk.Now, Hub: hub})
	return fixture{db: db, clk: clk, issuer: issuer, ledger: l, hub: hub}
}

func clientKey(t *testing.T, signal string) string {
	t.Helper()
	k, err := identity.Derive("gallery-pass", signal)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return k
}

func freemium(allowance int) models.Policy {
	return models.Policy{
		GalleryID:     "wedding-42",
		Mode:          models.ModeFreemium,
		FreeAllowance: models.Bounded(allowance),
		UnitPrice:     decimal.RequireFromString("4.50"),
		Currency:      "USD",
	}
}

func TestFreemiumFallsThroughToPayment(t *testing.T) {
	t.Parallel()
	f := newFixture(t, freemium(2))
	ck := clientKey(t, "agent-a")
	ctx := context.Background()

	for i, asset := range []string{"img-1", "img-2"} {
		out, err := f.issuer.RequestEntitlement(ctx, "wedding-42", ck, asset)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		g, ok := out.(models.Granted)
		if !ok || g.Token == "" || g.AssetID != asset {
			t.Fatalf("request %d: expected Granted, got %#v", i, out)
		}
	}
	out, err := f.issuer.RequestEntitlement(ctx, "wedding-42", ck, "img-3")
	if err != nil {
		t.Fatalf("third request: %v", err)
	}
	pr, ok := out.(models.PaymentRequired)
	if !ok {
		t.Fatalf("expected PaymentRequired, got %#v", out)
	}
	if !pr.Price.Equal(decimal.RequireFromString("4.50")) || pr.Currency != "USD" {
		t.Fatalf("unexpected price %s %s", pr.Price, pr.Currency)
	}
	e, _ := f.ledger.Usage(ctx, f.db, "wedding-42", ck)
	if e.FreeConsumed != 2 || e.PaidPending != 1 {
		t.Fatalf("unexpected ledger: %+v", e)
	}
}

func TestConcurrentRequestsRespectAllowance(t *testing.T) {
	t.Parallel()
	p := freemium(1)
	p.Mode = models.ModeFree
	p.UnitPrice = decimal.Zero
	f := newFixture(t, p)
	ck := clientKey(t, "agent-a")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		granted  int
		exceeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.issuer.RequestEntitlement(context.Background(), "wedding-42", ck, "img-"+string(rune('a'+i)))
			if err != nil {
				t.Errorf("request: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch out.(type) {
			case models.Granted:
				granted++
			case models.QuotaExceeded:
				exceeded++
			}
		}(i)
	}
	wg.Wait()
	if granted != 1 || exceeded != 19 {
		t.Fatalf("expected 1 granted and 19 quota exceeded, got %d/%d", granted, exceeded)
	}
}

func TestRepeatRequestsDoNotConsumeAgain(t *testing.T) {
	t.Parallel()
	f := newFixture(t, freemium(1))
	ck := clientKey(t, "agent-a")
	ctx := context.Background()

	first, _ := f.issuer.RequestEntitlement(ctx, "wedding-42", ck, "img-1")
	again, _ := f.issuer.RequestEntitlement(ctx, "wedding-42", ck, "img-1")
	if first.(models.Granted).Token != again.(models.Granted).Token {
		t.Fatal("expected the live token to be returned again")
	}
	if _, ok := mustRequest(t, f, ck, "img-2").(models.PaymentRequired); !ok {
		t.Fatal("expected payment for second asset")
	}
	if _, ok := mustRequest(t, f, ck, "img-2").(models.PaymentRequired); !ok {
		t.Fatal("expected pending entitlement to still require payment")
	}
	e, _ := f.ledger.Usage(ctx, f.db, "wedding-42", ck)
	if e.FreeConsumed != 1 || e.PaidPending != 1 {
		t.Fatalf("repeat requests must not reserve again: %+v", e)
	}
}

func mustRequest(t *testing.T, f fixture, ck, asset string) models.Outcome {
	t.Helper()
	out, err := f.issuer.RequestEntitlement(context.Background(), "wedding-42", ck, asset)
	if err != nil {
		t.Fatalf("request %s: %v", asset, err)
	}
	return out
}

func TestQuotaExceededWritesNothing(t *testing.T) {
	t.Parallel()
	p := freemium(0)
	p.PerClientMax = models.Bounded(1)
	f := newFixture(t, p)
	ck := clientKey(t, "agent-a")

	if _, ok := mustRequest(t, f, ck, "img-1").(models.PaymentRequired); !ok {
		t.Fatal("expected payment required")
	}
	out := mustRequest(t, f, ck, "img-2")
	qe, ok := out.(models.QuotaExceeded)
	if !ok || qe.Scope != models.ScopeClient || qe.Limit != 1 || qe.Used != 1 {
		t.Fatalf("expected client quota exceeded, got %#v", out)
	}
	_ = f.db.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if _, found, _ := tx.FindEntitlement(ctx, "wedding-42", ck, "img-2"); found {
			t.Fatal("quota rejection must not write an entitlement")
		}
		return nil
	})
}

func TestInvalidClientKeyRejectedBeforeStorage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, freemium(1))
	if _, err := f.issuer.RequestEntitlement(context.Background(), "wedding-42", "not-a-key", "img-1"); !errors.Is(err, models.ErrInvalidClientKey) {
		t.Fatalf("expected ErrInvalidClientKey, got %v", err)
	}
	if _, err := f.issuer.RequestEntitlement(context.Background(), "wedding-42", clientKey(t, "a"), " "); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestExpiredPendingIsReplacedAndSwept(t *testing.T) {
	t.Parallel()
	p := freemium(0)
	p.Mode = models.ModePaid
	f := newFixture(t, p)
	ck := clientKey(t, "agent-a")
	other := clientKey(t, "agent-b")
	ctx := context.Background()

	mustRequest(t, f, ck, "img-1")
	mustRequest(t, f, other, "img-9")
	f.clk.Advance(31 * time.Minute)

	if _, ok := mustRequest(t, f, ck, "img-1").(models.PaymentRequired); !ok {
		t.Fatal("expected a fresh payment required")
	}
	e, _ := f.ledger.Usage(ctx, f.db, "wedding-42", ck)
	if e.PaidPending != 1 {
		t.Fatalf("expired pending slot must be released before re-reserving, got %+v", e)
	}

	n, err := f.issuer.SweepPending(ctx, f.clk.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the other client's pending entitlement to be swept, got %d", n)
	}
	e, _ = f.ledger.Usage(ctx, f.db, "wedding-42", other)
	if e.PaidPending != 0 {
		t.Fatalf("sweep must release the slot, got %+v", e)
	}
	if n, _ := f.issuer.SweepPending(ctx, f.clk.Now()); n != 0 {
		t.Fatalf("second sweep should find nothing, got %d", n)
	}
}

func TestOutcomesArePublished(t *testing.T) {
	t.Parallel()
	f := newFixture(t, freemium(1))
	sub := f.hub.Subscribe("wedding-42", 4)
	defer f.hub.Unsubscribe(sub)
	mustRequest(t, f, clientKey(t, "a"), "img-1")
	select {
	case evt := <-sub.C:
		if evt.Type != stream.TypeEntitlementGranted {
			t.Fatalf("unexpected event %s", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected granted event")
	}
}
