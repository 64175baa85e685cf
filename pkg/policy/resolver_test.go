package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"darkroom/pkg/models"
	"darkroom/pkg/store"
	"darkroom/pkg/store/memstore"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type failingDB struct{ err error }

func (f failingDB) InTx(context.Context, func(context.Context, store.Tx) error) error { return f.err }

func TestResolveMissingPolicyMaterializesDefault(t *testing.T) {
	t.Parallel()
	db := memstore.New()
	r := NewResolver(db, nil, Options{Currency: "usd"})
	ctx := context.Background()

	p, err := r.Resolve(ctx, "g1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Mode != models.ModeFree || !p.FreeAllowance.IsUnlimited() || !p.UnitPrice.IsZero() || !p.Synthesized {
		t.Fatalf("unexpected default policy: %+v", p)
	}
	if p.Currency != "USD" {
		t.Fatalf("expected USD, got %s", p.Currency)
	}
	_ = db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, ok, _ := tx.GetPolicy(ctx, "g1"); !ok {
			t.Fatal("expected default policy to be materialized")
		}
		return nil
	})
}

func TestResolveInfrastructureErrorIsNotDefaulted(t *testing.T) {
	t.Parallel()
	r := NewResolver(failingDB{err: errors.New("connection reset")}, nil, Options{})
	_, err := r.Resolve(context.Background(), "g1")
	if !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestResolveRejectsEmptyGallery(t *testing.T) {
	t.Parallel()
	r := NewResolver(memstore.New(), nil, Options{})
	if _, err := r.Resolve(context.Background(), " "); !errors.Is(err, models.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}

func TestUpsertNormalizesAndInvalidatesCache(t *testing.T) {
	t.Parallel()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	r := NewResolver(memstore.New(), store.NewRedisCache(client), Options{Currency: "USD", CacheTTL: time.Minute})

	if _, err := r.Resolve(ctx, "g1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !mr.Exists(cachePrefix + "g1") {
		t.Fatal("expected resolved policy to be cached")
	}

	stored, err := r.Upsert(ctx, models.Policy{
		GalleryID:     "g1",
		Mode:          models.ModePaid,
		FreeAllowance: models.Bounded(10),
		UnitPrice:     decimal.RequireFromString("5.00"),
		PerClientMax:  models.Bounded(20),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if n, _ := stored.FreeAllowance.Max(); n != 0 || stored.FreeAllowance.IsUnlimited() {
		t.Fatalf("paid policy must carry a zero free allowance, got %s", stored.FreeAllowance)
	}
	if mr.Exists(cachePrefix + "g1") {
		t.Fatal("expected upsert to invalidate the cache")
	}

	p, err := r.Resolve(ctx, "g1")
	if err != nil {
		t.Fatalf("resolve after upsert: %v", err)
	}
	if p.Mode != models.ModePaid || !p.UnitPrice.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("unexpected policy after upsert: %+v", p)
	}
	if max, ok := p.PerClientMax.Max(); !ok || max != 20 {
		t.Fatalf("expected per-client max 20, got %s", p.PerClientMax)
	}
}

func TestResolveServesCachedSnapshot(t *testing.T) {
	t.Parallel()
	db := memstore.New()
	ctx := context.Background()
	r := NewResolver(db, store.NewMemoryCache(time.Minute), Options{})
	if _, err := r.Resolve(ctx, "g1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_ = db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertPolicy(ctx, models.Policy{GalleryID: "g1", Mode: models.ModePaid, Currency: "USD", UnitPrice: decimal.NewFromInt(1)})
	})
	p, _ := r.Resolve(ctx, "g1")
	if p.Mode != models.ModeFree {
		t.Fatalf("expected cached free snapshot, got %s", p.Mode)
	}
	r.Invalidate(ctx, "g1")
	p, _ = r.Resolve(ctx, "g1")
	if p.Mode != models.ModePaid {
		t.Fatalf("expected fresh paid policy after invalidate, got %s", p.Mode)
	}
}

func TestUpsertValidation(t *testing.T) {
	t.Parallel()
	r := NewResolver(memstore.New(), nil, Options{Currency: "USD"})
	ctx := context.Background()
	cases := map[string]models.Policy{
		"foreign_currency":   {GalleryID: "g", Mode: models.ModePaid, UnitPrice: decimal.NewFromInt(5), Currency: "EUR"},
		"paid_without_price": {GalleryID: "g", Mode: models.ModePaid},
		"negative_price":     {GalleryID: "g", Mode: models.ModeFreemium, UnitPrice: decimal.NewFromInt(-1)},
		"unknown_mode":       {GalleryID: "g", Mode: "gift"},
		"missing_gallery":    {Mode: models.ModeFree},
	}
	for name, p := range cases {
		if _, err := r.Upsert(ctx, p); !errors.Is(err, models.ErrInvalidPolicy) {
			t.Fatalf("%s: expected ErrInvalidPolicy, got %v", name, err)
		}
	}
	free, err := r.Upsert(ctx, models.Policy{GalleryID: "g", Mode: models.ModeFree, UnitPrice: decimal.NewFromInt(9)})
	if err != nil {
		t.Fatalf("free upsert: %v", err)
	}
	if !free.UnitPrice.IsZero() {
		t.Fatalf("free mode price must be normalized to zero, got %s", free.UnitPrice)
	}
}
