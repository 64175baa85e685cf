// Package policy resolves per-gallery download policy snapshots.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"darkroom/pkg/models"
	"darkroom/pkg/store"

	"go.uber.org/zap"
)

const cachePrefix = "darkroom:policy:"

type Options struct {
	Currency string
	CacheTTL time.Duration
	Logger   *zap.Logger
}

type Resolver struct {
	db       store.DB
	cache    store.Cache
	currency string
	ttl      time.Duration
	log      *zap.Logger
}

func NewResolver(db store.DB, cache store.Cache, opts Options) *Resolver {
	r := &Resolver{
		db:       db,
		cache:    cache,
		currency: strings.ToUpper(strings.TrimSpace(opts.Currency)),
		ttl:      opts.CacheTTL,
		log:      opts.Logger,
	}
	if r.currency == "" {
		r.currency = "USD"
	}
	if r.ttl <= 0 {
		r.ttl = 30 * time.Second
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	return r
}

// Resolve returns the policy snapshot for galleryID. A gallery without a
// stored policy gets the default, which is written back if still absent.
// Storage faults are reported as models.ErrUpstreamUnavailable and never
// replaced by the default.
func (r *Resolver) Resolve(ctx context.Context, galleryID string) (models.Policy, error) {
	galleryID = strings.TrimSpace(galleryID)
	if galleryID == "" {
		return models.Policy{}, fmt.Errorf("%w: gallery_id required", models.ErrInvalidPolicy)
	}
	if p, ok := r.fromCache(ctx, galleryID); ok {
		return p, nil
	}
	var resolved models.Policy
	err := r.db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, ok, err := tx.GetPolicy(ctx, galleryID)
		if err != nil {
			return err
		}
		if ok {
			resolved = p
			return nil
		}
		resolved = models.DefaultPolicy(galleryID, r.currency)
		return tx.InsertPolicyIfAbsent(ctx, resolved)
	})
	if err != nil {
		if errors.Is(err, models.ErrUpstreamUnavailable) {
			return models.Policy{}, err
		}
		return models.Policy{}, fmt.Errorf("%w: resolve policy: %w", models.ErrUpstreamUnavailable, err)
	}
	r.toCache(ctx, resolved)
	return resolved, nil
}

// Upsert validates and stores an administrative policy change.
func (r *Resolver) Upsert(ctx context.Context, p models.Policy) (models.Policy, error) {
	if strings.TrimSpace(p.Currency) == "" {
		p.Currency = r.currency
	}
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return models.Policy{}, err
	}
	if p.Currency != r.currency {
		return models.Policy{}, fmt.Errorf("%w: currency %s is not the configured %s", models.ErrInvalidPolicy, p.Currency, r.currency)
	}
	p.Synthesized = false
	var stored models.Policy
	err := r.db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpsertPolicy(ctx, p); err != nil {
			return err
		}
		got, _, err := tx.GetPolicy(ctx, p.GalleryID)
		stored = got
		return err
	})
	if err != nil {
		return models.Policy{}, fmt.Errorf("upsert policy: %w", err)
	}
	r.Invalidate(ctx, p.GalleryID)
	return stored, nil
}

func (r *Resolver) Invalidate(ctx context.Context, galleryID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Del(ctx, cachePrefix+galleryID); err != nil {
		r.log.Warn("policy cache invalidate failed", zap.String("gallery_id", galleryID), zap.Error(err))
	}
}

func (r *Resolver) fromCache(ctx context.Context, galleryID string) (models.Policy, bool) {
	if r.cache == nil {
		return models.Policy{}, false
	}
	raw, err := r.cache.Get(ctx, cachePrefix+galleryID)
	if err != nil {
		if !errors.Is(err, store.ErrCacheMiss) {
			r.log.Warn("policy cache read failed", zap.String("gallery_id", galleryID), zap.Error(err))
		}
		return models.Policy{}, false
	}
	var p models.Policy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		r.log.Warn("policy cache entry corrupt", zap.String("gallery_id", galleryID), zap.Error(err))
		return models.Policy{}, false
	}
	return p, true
}

func (r *Resolver) toCache(ctx context.Context, p models.Policy) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cachePrefix+p.GalleryID, string(raw), r.ttl); err != nil {
		r.log.Warn("policy cache write failed", zap.String("gallery_id", p.GalleryID), zap.Error(err))
	}
}
