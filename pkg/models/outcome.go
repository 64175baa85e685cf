package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the typed result of an entitlement or cart request. Expected
// business results are outcomes, not errors.
type Outcome interface {
	OutcomeKind() string
}

type Granted struct {
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expires_at"`
	EntitlementID string    `json:"entitlement_id"`
	AssetID       string    `json:"asset_id"`
}

// Granted reports a live token as the outcome of a request.
func (t DownloadToken) Granted() Granted {
	return Granted{
		Token:         t.Value,
		ExpiresAt:     t.ExpiresAt,
		EntitlementID: t.EntitlementID,
		AssetID:       t.AssetID,
	}
}

type PaymentRequired struct {
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
	CheckoutRef string          `json:"checkout_ref,omitempty"`
	CheckoutURL string          `json:"checkout_url,omitempty"`
	AssetIDs    []string        `json:"asset_ids"`
}

type QuotaScope string

const (
	ScopeFreeAllowance QuotaScope = "free_allowance"
	ScopeClient        QuotaScope = "client"
	ScopeGallery       QuotaScope = "gallery"
)

type QuotaExceeded struct {
	Limit int        `json:"limit"`
	Used  int        `json:"used"`
	Scope QuotaScope `json:"scope"`
}

type RateLimited struct {
	RetryAfter time.Duration `json:"-"`
	RetryAt    time.Time     `json:"retry_at"`
}

// BatchReserved lists the cart items granted outright and, when present, the
// aggregate payment still owed for the rest.
type BatchReserved struct {
	Granted []Granted        `json:"granted"`
	Pending *PaymentRequired `json:"pending,omitempty"`
}

func (Granted) OutcomeKind() string         { return "granted" }
func (PaymentRequired) OutcomeKind() string { return "payment_required" }
func (QuotaExceeded) OutcomeKind() string   { return "quota_exceeded" }
func (RateLimited) OutcomeKind() string     { return "rate_limited" }
func (BatchReserved) OutcomeKind() string   { return "batch_reserved" }
