package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"darkroom/pkg/httpx"
	"darkroom/pkg/models"
	"darkroom/pkg/payment"
	"darkroom/pkg/stream"
	"darkroom/pkg/token"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

type entitlementRequest struct {
	AssetID string `json:"asset_id"`
}

type assetsRequest struct {
	AssetIDs []string `json:"asset_ids"`
}

type redeemRequest struct {
	Token string `json:"token"`
}

type redeemResponse struct {
	URL       string `json:"url"`
	GalleryID string `json:"gallery_id"`
	AssetID   string `json:"asset_id"`
}

func (s *Server) requestEntitlement(w http.ResponseWriter, r *http.Request) {
	var req entitlementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, decodeError(err))
		return
	}
	out, err := s.Issuer.RequestEntitlement(r.Context(), chi.URLParam(r, "galleryID"), clientKeyFrom(r.Context()), req.AssetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOutcome(w, out)
}

func (s *Server) reserveCart(w http.ResponseWriter, r *http.Request) {
	var req assetsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, decodeError(err))
		return
	}
	out, err := s.Carts.ReserveBatch(r.Context(), chi.URLParam(r, "galleryID"), clientKeyFrom(r.Context()), req.AssetIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOutcome(w, out)
}

func (s *Server) createCheckout(w http.ResponseWriter, r *http.Request) {
	var req assetsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, decodeError(err))
		return
	}
	out, err := s.Payments.CreateCheckout(r.Context(), chi.URLParam(r, "galleryID"), clientKeyFrom(r.Context()), req.AssetIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, outcomeBody{Outcome: out.OutcomeKind(), Result: out})
}

func (s *Server) redeemToken(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, decodeError(err))
		return
	}
	red, err := s.Tokens.Redeem(r.Context(), strings.TrimSpace(req.Token), s.Signer.Deliver)
	if err != nil {
		s.Metrics.IncRedemption(token.FailureReason(err))
		s.writeError(w, r, err)
		return
	}
	s.Metrics.IncRedemption("ok")
	s.Events.Publish(stream.NewEvent(stream.TypeTokenRedeemed, red.Token.GalleryID, map[string]string{
		"asset_id":       red.Token.AssetID,
		"entitlement_id": red.Token.EntitlementID,
	}))
	httpx.WriteJSON(w, http.StatusOK, redeemResponse{URL: red.Handle, GalleryID: red.Token.GalleryID, AssetID: red.Token.AssetID})
}

// paymentWebhook reconciles inline, or hands the verified delivery to the
// payment bus when one is configured.
func (s *Server) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, decodeError(err))
		return
	}
	signature := r.Header.Get(payment.SignatureHeader)
	if s.Publisher != nil {
		if err := s.Provider.VerifySignature(payload, signature); err != nil {
			s.writeError(w, r, err)
			return
		}
		key := gjson.GetBytes(payload, "data.object.id").String()
		if err := s.Publisher.Publish(r.Context(), key, payload, signature); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: publish payment event: %v", models.ErrUpstreamUnavailable, err))
			return
		}
		httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}
	res, err := s.Payments.Reconcile(r.Context(), payload, signature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func decodeError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.Is(err, httpx.ErrBodyTooLarge) || errors.As(err, &maxErr) {
		return httpx.ErrBodyTooLarge
	}
	return fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
}

func (s *Server) logWarn(msg string, fields ...zap.Field) {
	if s.Log != nil {
		s.Log.Warn(msg, fields...)
	}
}
