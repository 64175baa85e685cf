package payment

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"darkroom/pkg/models"

	"github.com/google/uuid"
)

// Sandbox is an in-process provider for local development and tests. It
// records checkouts and can produce signed webhook bodies for them.
type Sandbox struct {
	BaseURL string
	Secret  string
	Now     func() time.Time

	mu        sync.Mutex
	err       error
	checkouts map[string]CheckoutRequest
}

func NewSandbox(baseURL, secret string) *Sandbox {
	if baseURL == "" {
		baseURL = "http://localhost:8080/sandbox"
	}
	return &Sandbox{BaseURL: baseURL, Secret: secret, Now: time.Now, checkouts: map[string]CheckoutRequest{}}
}

// FailWith makes subsequent CreateCheckout calls return err. nil clears it.
func (s *Sandbox) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Sandbox) CreateCheckout(_ context.Context, req CheckoutRequest) (Checkout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Checkout{}, s.err
	}
	ref := "sbx_" + uuid.NewString()
	s.checkouts[ref] = req
	return Checkout{ProviderRef: ref, URL: s.BaseURL + "/checkout/" + ref}, nil
}

func (s *Sandbox) Checkout(ref string) (CheckoutRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.checkouts[ref]
	return req, ok
}

func (s *Sandbox) Checkouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checkouts)
}

func (s *Sandbox) VerifySignature(payload []byte, signature string) error {
	return VerifyHMAC(s.Secret, payload, signature, s.now(), DefaultSignatureTolerance)
}

func (s *Sandbox) ParseEvent(payload []byte) (models.PaymentEvent, error) {
	return parseEvent(payload)
}

// Event builds a signed webhook for ref. eventID may be reused to simulate
// processor redelivery.
func (s *Sandbox) Event(eventID, ref string, status models.PaymentStatus) ([]byte, string) {
	typ := "payment.completed"
	if status == models.PaymentFailed {
		typ = "payment.failed"
	}
	if eventID == "" {
		eventID = "evt_" + uuid.NewString()
	}
	payload, _ := json.Marshal(map[string]any{
		"id":   eventID,
		"type": typ,
		"data": map[string]any{"object": map[string]any{"id": ref, "status": string(status)}},
	})
	return payload, Sign(s.Secret, payload, s.now())
}

func (s *Sandbox) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
