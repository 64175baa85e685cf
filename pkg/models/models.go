package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Mode string

const (
	ModeFree     Mode = "free"
	ModeFreemium Mode = "freemium"
	ModePaid     Mode = "paid"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeFree:
		return ModeFree, nil
	case ModeFreemium:
		return ModeFreemium, nil
	case ModePaid:
		return ModePaid, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidPolicy, raw)
	}
}

// Policy is the download policy snapshot for one gallery. Values are immutable
// once resolved for a request.
type Policy struct {
	GalleryID     string          `json:"gallery_id"`
	Mode          Mode            `json:"mode"`
	FreeAllowance Limit           `json:"free_allowance"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Currency      string          `json:"currency"`
	PerClientMax  Limit           `json:"per_client_max"`
	GlobalMax     Limit           `json:"global_max"`
	Synthesized   bool            `json:"synthesized,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DefaultPolicy is used when a gallery has no stored policy.
func DefaultPolicy(galleryID, currency string) Policy {
	return Policy{
		GalleryID:     galleryID,
		Mode:          ModeFree,
		FreeAllowance: Unlimited(),
		UnitPrice:     decimal.Zero,
		Currency:      currency,
		PerClientMax:  Unlimited(),
		GlobalMax:     Unlimited(),
		Synthesized:   true,
	}
}

// Normalize enforces the mode invariants: paid galleries have no free
// allowance and free galleries carry no price.
func (p Policy) Normalize() Policy {
	switch p.Mode {
	case ModePaid:
		p.FreeAllowance = Bounded(0)
	case ModeFree:
		p.UnitPrice = decimal.Zero
	}
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	return p
}

func (p Policy) Validate() error {
	if strings.TrimSpace(p.GalleryID) == "" {
		return fmt.Errorf("%w: gallery_id required", ErrInvalidPolicy)
	}
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return err
	}
	if p.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: unit_price must not be negative", ErrInvalidPolicy)
	}
	if p.Mode != ModeFree && p.UnitPrice.IsZero() {
		return fmt.Errorf("%w: %s galleries need a unit_price", ErrInvalidPolicy, p.Mode)
	}
	if len(p.Currency) != 3 {
		return fmt.Errorf("%w: currency must be an ISO 4217 code", ErrInvalidPolicy)
	}
	return nil
}

// LedgerEntry is the consumption state of one (gallery, client) pair.
type LedgerEntry struct {
	GalleryID    string    `json:"gallery_id"`
	ClientKey    string    `json:"client_key"`
	FreeConsumed int       `json:"free_consumed"`
	PaidConsumed int       `json:"paid_consumed"`
	PaidPending  int       `json:"paid_pending"`
	Delivered    int       `json:"delivered"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Total counts every slot held against the per-client cap.
func (e LedgerEntry) Total() int {
	return e.FreeConsumed + e.PaidConsumed + e.PaidPending
}

type EntitlementKind string

const (
	KindFree EntitlementKind = "free"
	KindPaid EntitlementKind = "paid"
)

type EntitlementStatus string

const (
	StatusPending  EntitlementStatus = "pending"
	StatusGranted  EntitlementStatus = "granted"
	StatusConsumed EntitlementStatus = "consumed"
	StatusExpired  EntitlementStatus = "expired"
)

type Entitlement struct {
	ID         string            `json:"entitlement_id"`
	GalleryID  string            `json:"gallery_id"`
	ClientKey  string            `json:"client_key"`
	AssetID    string            `json:"asset_id"`
	Kind       EntitlementKind   `json:"kind"`
	Status     EntitlementStatus `json:"status"`
	PaymentRef string            `json:"payment_ref,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	// ExpiresAt bounds how long a pending paid entitlement may wait for payment.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type DownloadToken struct {
	Value         string     `json:"-"`
	GalleryID     string     `json:"gallery_id"`
	ClientKey     string     `json:"client_key"`
	AssetID       string     `json:"asset_id"`
	EntitlementID string     `json:"entitlement_id,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Used          bool       `json:"used"`
	UsedAt        *time.Time `json:"used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (t DownloadToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentTransaction is keyed by the processor's transaction id, which doubles
// as the reconciliation idempotency key.
type PaymentTransaction struct {
	ProviderRef    string          `json:"provider_ref"`
	Reference      string          `json:"reference"`
	GalleryID      string          `json:"gallery_id"`
	ClientKey      string          `json:"client_key"`
	AssetIDs       []string        `json:"asset_ids"`
	EntitlementIDs []string        `json:"entitlement_ids"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         PaymentStatus   `json:"status"`
	CheckoutURL    string          `json:"checkout_url"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// PaymentEvent is the processor-neutral shape of a webhook.
type PaymentEvent struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	TransactionID string        `json:"transaction_id"`
	Status        PaymentStatus `json:"status"`
}

type AbuseLevel int

const (
	LevelNormal AbuseLevel = iota
	LevelDeprioritized
	LevelBlocked
)

func (l AbuseLevel) String() string {
	switch l {
	case LevelDeprioritized:
		return "deprioritized"
	case LevelBlocked:
		return "blocked"
	default:
		return "normal"
	}
}

// AbuseRecord is transient per-subject velocity state.
type AbuseRecord struct {
	Subject      string     `json:"subject"`
	Count        int        `json:"count"`
	FirstSeen    time.Time  `json:"first_seen"`
	LastSeen     time.Time  `json:"last_seen"`
	Offenses     int        `json:"offenses"`
	Level        AbuseLevel `json:"level"`
	LastOffense  time.Time  `json:"last_offense"`
	BlockedUntil time.Time  `json:"blocked_until"`
	FlaggedAt    time.Time  `json:"flagged_at"`
}
