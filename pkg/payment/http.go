package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"darkroom/pkg/httpx"
	"darkroom/pkg/models"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

type HTTPOptions struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Client        *http.Client
	// RatePerSecond throttles outbound checkout calls. Zero disables it.
	RatePerSecond float64
	Burst         int
	Retries       int
	RetryDelay    time.Duration
	Tolerance     time.Duration
	Now           func() time.Time
}

// HTTPProvider talks to a hosted checkout API that answers POST /v1/checkouts
// with {"id": ..., "url": ...} and signs webhooks with Sign.
type HTTPProvider struct {
	opts    HTTPOptions
	limiter *rate.Limiter
}

func NewHTTPProvider(opts HTTPOptions) (*HTTPProvider, error) {
	opts.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if opts.BaseURL == "" {
		return nil, errors.New("payment provider base url required")
	}
	if strings.TrimSpace(opts.WebhookSecret) == "" {
		return nil, errors.New("payment webhook secret required")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &HTTPProvider{opts: opts}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return p, nil
}

func (p *HTTPProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return Checkout{}, fmt.Errorf("%w: checkout throttled: %w", models.ErrUpstreamUnavailable, err)
		}
	}
	body, err := json.Marshal(map[string]any{
		"reference":    req.Reference,
		"amount":       req.Amount.StringFixed(2),
		"amount_minor": req.Amount.Shift(2).IntPart(),
		"currency":     strings.ToLower(req.Currency),
		"quantity":     len(req.AssetIDs),
		"description":  fmt.Sprintf("%d photo download(s)", len(req.AssetIDs)),
		"success_url":  p.opts.SuccessURL,
		"cancel_url":   p.opts.CancelURL,
		"metadata": map[string]string{
			"reference":  req.Reference,
			"gallery_id": req.GalleryID,
		},
	})
	if err != nil {
		return Checkout{}, fmt.Errorf("marshal checkout: %w", err)
	}
	headers := map[string]string{"Idempotency-Key": req.Reference}
	if p.opts.APIKey != "" {
		headers["Authorization"] = "Bearer " + p.opts.APIKey
	}
	status, resp, err := httpx.RequestJSON(ctx, p.opts.Client, http.MethodPost, p.opts.BaseURL+"/v1/checkouts", body, headers, p.opts.Retries, p.opts.RetryDelay)
	if err != nil {
		return Checkout{}, fmt.Errorf("%w: checkout request: %w", models.ErrUpstreamUnavailable, err)
	}
	if status >= 400 {
		msg := gjson.GetBytes(resp, "error.message").String()
		if msg == "" {
			msg = http.StatusText(status)
		}
		return Checkout{}, fmt.Errorf("%w: checkout failed: status=%d message=%s", models.ErrUpstreamUnavailable, status, msg)
	}
	id := gjson.GetBytes(resp, "id").String()
	if id == "" {
		return Checkout{}, fmt.Errorf("%w: checkout response missing id", models.ErrUpstreamUnavailable)
	}
	return Checkout{ProviderRef: id, URL: gjson.GetBytes(resp, "url").String()}, nil
}

func (p *HTTPProvider) VerifySignature(payload []byte, signature string) error {
	return VerifyHMAC(p.opts.WebhookSecret, payload, signature, p.opts.Now(), p.opts.Tolerance)
}

func (p *HTTPProvider) ParseEvent(payload []byte) (models.PaymentEvent, error) {
	return parseEvent(payload)
}
