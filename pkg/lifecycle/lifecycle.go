// Package lifecycle holds the allowed state transitions for entitlements and
// payment transactions.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"darkroom/pkg/models"
)

var ErrInvalidTransition = errors.New("invalid lifecycle transition")

type Event string

const (
	EventGrant   Event = "GRANT"
	EventConsume Event = "CONSUME"
	EventExpire  Event = "EXPIRE"
	// EventRevive grants an entitlement whose payment completed after the
	// pending window had already expired it.
	EventRevive Event = "REVIVE"
)

func CanTransition(from, to models.EntitlementStatus) bool {
	switch from {
	case models.StatusPending:
		return to == models.StatusGranted || to == models.StatusExpired
	case models.StatusGranted:
		return to == models.StatusConsumed
	case models.StatusExpired:
		return to == models.StatusGranted
	default:
		return false
	}
}

func Transition(from, to models.EntitlementStatus) (models.EntitlementStatus, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}

func Next(from models.EntitlementStatus, event Event) (models.EntitlementStatus, error) {
	switch event {
	case EventGrant:
		if from != models.StatusPending {
			return from, fmt.Errorf("%w: grant from %s", ErrInvalidTransition, from)
		}
		return Transition(from, models.StatusGranted)
	case EventConsume:
		return Transition(from, models.StatusConsumed)
	case EventExpire:
		return Transition(from, models.StatusExpired)
	case EventRevive:
		if from != models.StatusExpired {
			return from, fmt.Errorf("%w: revive from %s", ErrInvalidTransition, from)
		}
		return Transition(from, models.StatusGranted)
	default:
		return from, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, event)
	}
}

// Apply moves e through event and stamps the update time.
func Apply(e *models.Entitlement, event Event, now time.Time) error {
	next, err := Next(e.Status, event)
	if err != nil {
		return err
	}
	e.Status = next
	e.UpdatedAt = now
	if next != models.StatusPending {
		e.ExpiresAt = nil
	}
	return nil
}

// IsActive reports whether the entitlement still holds its ledger slot.
func IsActive(status models.EntitlementStatus) bool {
	return status == models.StatusPending || status == models.StatusGranted
}

func CanSettle(from, to models.PaymentStatus) bool {
	return from == models.PaymentPending && (to == models.PaymentCompleted || to == models.PaymentFailed)
}

func SettlePayment(p *models.PaymentTransaction, to models.PaymentStatus, now time.Time) error {
	if !CanSettle(p.Status, to) {
		return fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, p.Status, to)
	}
	p.Status = to
	p.UpdatedAt = now
	if to == models.PaymentCompleted {
		done := now
		p.CompletedAt = &done
	}
	return nil
}

func IsExpired(now time.Time, expiresAt *time.Time) bool {
	if expiresAt == nil || expiresAt.IsZero() {
		return false
	}
	return !now.UTC().Before(expiresAt.UTC())
}
