package main

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"darkroom/pkg/abuse"
	"darkroom/pkg/audit"
	"darkroom/pkg/cart"
	"darkroom/pkg/entitlement"
	"darkroom/pkg/httpx"
	"darkroom/pkg/identity"
	"darkroom/pkg/ledger"
	"darkroom/pkg/metrics"
	"darkroom/pkg/models"
	"darkroom/pkg/objstore"
	"darkroom/pkg/paybus"
	"darkroom/pkg/payment"
	"darkroom/pkg/policy"
	"darkroom/pkg/store"
	"darkroom/pkg/stream"
	"darkroom/pkg/telemetry"
	"darkroom/pkg/token"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	headerClientKey  = "X-Client-Key"
	headerCredential = "X-Gallery-Credential"
	headerSignal     = "X-Client-Signal"
	headerAdminToken = "X-Admin-Token"
)

type Server struct {
	DB        store.DB
	Audit     audit.Sink
	Policies  *policy.Resolver
	Ledger    *ledger.Ledger
	Issuer    *entitlement.Issuer
	Carts     *cart.Manager
	Tokens    *token.Service
	Payments  *payment.Bridge
	Provider  payment.Provider
	Publisher paybus.Publisher
	Signer    *objstore.Signer
	Guard     *abuse.Guard
	Events    *stream.Hub
	Metrics   *metrics.Registry
	Log       *zap.Logger

	AdminToken        string
	HashSalt          []byte
	CORSAllowed       string
	WSAllowedOrigins  []string
	TrustProxyHeaders bool
	MaxRequestBody    int64
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSAllowed))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("darkroom-gateway"))
	r.Use(httpx.LimitBody(s.MaxRequestBody))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
	})

	r.Route("/v1/galleries/{galleryID}", func(r chi.Router) {
		r.Use(s.guardClient)
		r.Post("/entitlements", s.requestEntitlement)
		r.Post("/cart", s.reserveCart)
		r.Post("/checkout", s.createCheckout)
	})
	r.With(s.guardOrigin).Post("/v1/downloads", s.redeemToken)
	r.Post("/v1/payments/webhook", s.paymentWebhook)

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Put("/galleries/{galleryID}/policy", s.upsertPolicy)
		r.Get("/galleries/{galleryID}/policy", s.getPolicy)
		r.Get("/galleries/{galleryID}/usage", s.getUsage)
		r.Post("/galleries/{galleryID}/reset", s.resetUsage)
		r.Get("/audit/{auditID}", s.getAudit)
		r.Get("/stream", s.streamEvents)
		r.Post("/sandbox/payments/{ref}/{status}", s.sandboxSettle)
	})
	r.With(s.requireAdmin).Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// Unwrap lets http.ResponseController and the websocket upgrade reach the
// underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Method + " " + chi.RouteContext(r.Context()).RoutePattern()
		s.Metrics.Observe(route, rec.code, time.Since(start))
	})
}

type ctxKey int

const clientKeyCtx ctxKey = iota

func clientKeyFrom(ctx context.Context) string {
	k, _ := ctx.Value(clientKeyCtx).(string)
	return k
}

// resolveClientKey derives the caller's client key from the gallery
// credential. An originator-supplied key is only accepted when it matches
// that derivation, so keys cannot be minted without gallery access.
func resolveClientKey(r *http.Request) (string, error) {
	signal := r.Header.Get(headerSignal)
	if signal == "" {
		signal = r.UserAgent()
	}
	derived, err := identity.Derive(r.Header.Get(headerCredential), signal)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(r.Header.Get(headerClientKey))
	if key == "" {
		return derived, nil
	}
	if err := identity.Validate(key); err != nil {
		return "", err
	}
	if !identity.Verify(key, r.Header.Get(headerCredential), signal) {
		return "", models.ErrInvalidClientKey
	}
	return key, nil
}

// guardClient applies the abuse guard per origin and per client key, then
// requires a valid client key.
func (s *Server) guardClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, keyErr := resolveClientKey(r)
		subject := abuse.Subject{Origin: httpx.ClientIP(r, s.TrustProxyHeaders), UserAgent: r.UserAgent()}
		if keyErr == nil {
			subject.ClientKey = key
		}
		if !s.admit(w, r, subject) {
			return
		}
		if keyErr != nil {
			s.writeError(w, r, keyErr)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientKeyCtx, key)))
	})
}

func (s *Server) guardOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.admit(w, r, abuse.Subject{Origin: httpx.ClientIP(r, s.TrustProxyHeaders), UserAgent: r.UserAgent()}) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) admit(w http.ResponseWriter, r *http.Request, subject abuse.Subject) bool {
	if s.Guard == nil {
		return true
	}
	v := s.Guard.Check(r.Context(), subject)
	if v.Allowed {
		return true
	}
	writeOutcome(w, v.Outcome())
	return false
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AdminToken == "" {
			httpx.Error(w, http.StatusServiceUnavailable, "admin api disabled")
			return
		}
		got := r.Header.Get(headerAdminToken)
		if got == "" {
			got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.AdminToken)) != 1 {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type outcomeBody struct {
	Outcome string         `json:"outcome"`
	Result  models.Outcome `json:"result"`
}

func writeOutcome(w http.ResponseWriter, out models.Outcome) {
	status := http.StatusOK
	switch o := out.(type) {
	case models.PaymentRequired:
		status = http.StatusPaymentRequired
	case models.QuotaExceeded:
		status = http.StatusForbidden
	case models.RateLimited:
		httpx.SetRetryAfter(w, o.RetryAfter)
		status = http.StatusTooManyRequests
	}
	httpx.WriteJSON(w, status, outcomeBody{Outcome: out.OutcomeKind(), Result: out})
}

// writeError maps engine errors to responses. Anything unclassified is an
// infrastructure fault and gets a generic retryable answer.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, httpx.ErrBodyTooLarge):
		httpx.ErrorCode(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
	case errors.Is(err, models.ErrInvalidClientKey):
		httpx.ErrorCode(w, http.StatusBadRequest, "invalid_client_key", "invalid client key")
	case errors.Is(err, models.ErrEmptyBatch):
		httpx.ErrorCode(w, http.StatusBadRequest, "empty_batch", "no assets requested")
	case errors.Is(err, models.ErrBatchTooLarge):
		httpx.ErrorCode(w, http.StatusBadRequest, "batch_too_large", err.Error())
	case errors.Is(err, models.ErrInvalidPolicy), errors.Is(err, models.ErrInvalidRequest):
		httpx.ErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, models.ErrTokenNotFound):
		httpx.ErrorCode(w, http.StatusNotFound, "token_not_found", "download token not found")
	case errors.Is(err, models.ErrTokenExpired):
		httpx.ErrorCode(w, http.StatusGone, "token_expired", "download token expired")
	case errors.Is(err, models.ErrTokenAlreadyUsed):
		httpx.ErrorCode(w, http.StatusConflict, "token_used", "download token already used")
	case errors.Is(err, models.ErrNoPendingEntitlements):
		httpx.ErrorCode(w, http.StatusConflict, "nothing_to_pay", "no pending entitlements for these assets")
	case errors.Is(err, models.ErrInvalidSignature):
		httpx.ErrorCode(w, http.StatusBadRequest, "invalid_signature", "invalid signature")
	case errors.Is(err, models.ErrUnknownTransaction), errors.Is(err, models.ErrNotFound):
		httpx.ErrorCode(w, http.StatusNotFound, "not_found", "not found")
	default:
		s.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		httpx.ErrorCode(w, http.StatusServiceUnavailable, "unavailable", "try again")
	}
}
