package main

import (
	"errors"
	"net/http"
	"strings"

	"darkroom/pkg/audit"
	"darkroom/pkg/httpx"
	"darkroom/pkg/identity"
	"darkroom/pkg/models"
	"darkroom/pkg/payment"
	"darkroom/pkg/stream"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type resetRequest struct {
	ClientKey string `json:"client_key"`
	Reason    string `json:"reason"`
}

func (s *Server) upsertPolicy(w http.ResponseWriter, r *http.Request) {
	var p models.Policy
	if err := httpx.DecodeJSON(r, &p); err != nil {
		s.writeError(w, r, decodeError(err))
		return
	}
	p.GalleryID = chi.URLParam(r, "galleryID")
	stored, err := s.Policies.Upsert(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	audit.Emit(r.Context(), s.Audit, s.Log, audit.Event{
		Kind:      audit.KindPolicyUpdated,
		GalleryID: stored.GalleryID,
		Detail: map[string]any{
			"mode":           stored.Mode,
			"free_allowance": stored.FreeAllowance.String(),
			"unit_price":     stored.UnitPrice.StringFixed(2),
			"per_client_max": stored.PerClientMax.String(),
			"global_max":     stored.GlobalMax.String(),
		},
	})
	s.Events.Publish(stream.NewEvent(stream.TypePolicyUpdated, stored.GalleryID, stored))
	httpx.WriteJSON(w, http.StatusOK, stored)
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.Policies.Resolve(r.Context(), chi.URLParam(r, "galleryID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

// getUsage returns one client's row when client_key is given, otherwise every
// row of the gallery.
func (s *Server) getUsage(w http.ResponseWriter, r *http.Request) {
	galleryID := chi.URLParam(r, "galleryID")
	if key := strings.TrimSpace(r.URL.Query().Get("client_key")); key != "" {
		if err := identity.Validate(key); err != nil {
			s.writeError(w, r, err)
			return
		}
		e, err := s.Ledger.Usage(r.Context(), s.DB, galleryID, key)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, e)
		return
	}
	rows, err := s.Ledger.GalleryUsage(r.Context(), s.DB, galleryID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []models.LedgerEntry{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"gallery_id": galleryID, "clients": rows})
}

func (s *Server) resetUsage(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, decodeError(err))
		return
	}
	if err := identity.Validate(req.ClientKey); err != nil {
		s.writeError(w, r, err)
		return
	}
	galleryID := chi.URLParam(r, "galleryID")
	before, err := s.Ledger.Reset(r.Context(), s.DB, galleryID, req.ClientKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	audit.Emit(r.Context(), s.Audit, s.Log, audit.Event{
		Kind:      audit.KindLedgerReset,
		GalleryID: galleryID,
		Subject:   req.ClientKey,
		Detail: map[string]any{
			"free_consumed": before.FreeConsumed,
			"paid_consumed": before.PaidConsumed,
			"reason":        req.Reason,
		},
	})
	s.Log.Info("ledger reset",
		zap.String("gallery_id", galleryID),
		zap.String("client", audit.HashSubject(req.ClientKey, s.HashSalt)),
	)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"gallery_id": galleryID, "before": before})
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	writer, ok := s.Audit.(*audit.Writer)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "audit store not configured")
		return
	}
	ev, err := writer.Get(r.Context(), chi.URLParam(r, "auditID"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, http.StatusNotFound, "not found")
			return
		}
		if strings.Contains(err.Error(), "audit id") {
			httpx.Error(w, http.StatusBadRequest, "invalid audit id")
			return
		}
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ev)
}

// sandboxSettle completes or fails a sandbox checkout as the processor would,
// through the normal signed webhook path.
func (s *Server) sandboxSettle(w http.ResponseWriter, r *http.Request) {
	sbx, ok := s.Provider.(*payment.Sandbox)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "sandbox provider not active")
		return
	}
	status := models.PaymentStatus(chi.URLParam(r, "status"))
	if status != models.PaymentCompleted && status != models.PaymentFailed {
		httpx.Error(w, http.StatusBadRequest, "status must be completed or failed")
		return
	}
	payload, signature := sbx.Event("", chi.URLParam(r, "ref"), status)
	res, err := s.Payments.Reconcile(r.Context(), payload, signature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}
