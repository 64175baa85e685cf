// Package stream fans engine events out to live subscribers such as the
// studio dashboard websocket.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeEntitlementGranted = "entitlement.granted"
	TypePaymentRequired    = "entitlement.payment_required"
	TypeQuotaExceeded      = "entitlement.quota_exceeded"
	TypeBatchReserved      = "cart.reserved"
	TypeTokenRedeemed      = "token.redeemed"
	TypePaymentCompleted   = "payment.completed"
	TypePaymentFailed      = "payment.failed"
	TypeAbuseEscalated     = "abuse.escalated"
	TypePolicyUpdated      = "policy.updated"
)

type Event struct {
	Type      string          `json:"type"`
	GalleryID string          `json:"gallery_id,omitempty"`
	At        string          `json:"at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, galleryID string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, GalleryID: galleryID, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Subscription receives events for one gallery, or for all galleries when
// the gallery is empty.
type Subscription struct {
	C         chan Event
	galleryID string
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}}
}

func (h *Hub) Subscribe(galleryID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	sub := &Subscription{C: make(chan Event, buffer), galleryID: galleryID}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, exists := h.subs[sub]
	if exists {
		delete(h.subs, sub)
	}
	h.mu.Unlock()
	if exists {
		close(sub.C)
	}
}

// Publish never blocks; slow subscribers lose events.
func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.galleryID != "" && sub.galleryID != evt.GalleryID {
			continue
		}
		select {
		case sub.C <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() int64 { return h.dropped.Load() }
