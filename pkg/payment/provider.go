// Package payment connects pending paid entitlements to an external payment
// processor: it opens checkouts and reconciles the processor's webhooks into
// granted entitlements and settled ledger slots.
package payment

import (
	"context"
	"strings"

	"darkroom/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// SignatureHeader carries the webhook signature on inbound deliveries.
const SignatureHeader = "Payment-Signature"

type CheckoutRequest struct {
	Reference string
	GalleryID string
	AssetIDs  []string
	Amount    decimal.Decimal
	Currency  string
}

type Checkout struct {
	ProviderRef string
	URL         string
}

// Provider is the payment processor contract. Implementations must be safe
// for concurrent use.
type Provider interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error)
	VerifySignature(payload []byte, signature string) error
	ParseEvent(payload []byte) (models.PaymentEvent, error)
}

var (
	completedTypes = map[string]struct{}{
		"checkout.completed":                       {},
		"checkout.session.completed":               {},
		"checkout.session.async_payment_succeeded": {},
		"payment.completed":                        {},
		"payment.succeeded":                        {},
	}
	failedTypes = map[string]struct{}{
		"checkout.expired":                      {},
		"checkout.session.expired":              {},
		"checkout.session.async_payment_failed": {},
		"payment.failed":                        {},
		"payment.canceled":                      {},
	}
)

// parseEvent reads the processor-neutral fields of a webhook body. The event
// type decides the status when it is known, otherwise data.object.status.
func parseEvent(payload []byte) (models.PaymentEvent, error) {
	if !gjson.ValidBytes(payload) {
		return models.PaymentEvent{}, models.ErrInvalidRequest
	}
	root := gjson.ParseBytes(payload)
	ev := models.PaymentEvent{
		ID:            strings.TrimSpace(root.Get("id").String()),
		Type:          strings.TrimSpace(root.Get("type").String()),
		TransactionID: strings.TrimSpace(root.Get("data.object.id").String()),
	}
	if ev.ID == "" || ev.TransactionID == "" {
		return models.PaymentEvent{}, models.ErrInvalidRequest
	}
	_, done := completedTypes[ev.Type]
	_, failed := failedTypes[ev.Type]
	switch {
	case done:
		ev.Status = models.PaymentCompleted
	case failed:
		ev.Status = models.PaymentFailed
	default:
		switch strings.ToLower(root.Get("data.object.status").String()) {
		case "paid", "complete", "completed", "succeeded":
			ev.Status = models.PaymentCompleted
		case "failed", "canceled", "cancelled", "expired":
			ev.Status = models.PaymentFailed
		default:
			ev.Status = models.PaymentPending
		}
	}
	return ev, nil
}
