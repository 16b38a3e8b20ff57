package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/petralabs/riskgate/internal/approval"
	"github.com/petralabs/riskgate/internal/auth"
	"github.com/petralabs/riskgate/internal/health"
	"github.com/petralabs/riskgate/internal/ledger"
	"github.com/petralabs/riskgate/internal/risk"
	"github.com/petralabs/riskgate/pkg/types"
)

// Handler serves the operator surface: approvals, health, ledger reads and
// chain verification.
type Handler struct {
	Gate    *approval.Gate
	Engine  *risk.Engine
	Monitor *health.Monitor
	Ledger  *ledger.Ledger
	Log     zerolog.Logger
}

// Router mounts the v1 operator API behind bearer auth.
func Router(h *Handler, authenticator auth.Authenticator) http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(authenticator))
		r.Get("/approvals/pending", h.ListPendingApprovals)
		r.Post("/approvals/{id}/decision", h.DecideApproval)
		r.Get("/health", h.Health)
		r.Get("/ledger", h.ReadLedger)
		r.Get("/ledger/verify", h.VerifyLedger)
	})
	return r
}

func (h *Handler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Gate.ListPending(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending, "count": len(pending)})
}

type decisionRequest struct {
	Operator string `json:"operator"`
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
}

func (h *Handler) DecideApproval(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Decision != "approve" && req.Decision != "reject" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "decision must be approve or reject"})
		return
	}

	decided, err := h.Gate.Decide(r.Context(), requestID, req.Decision == "approve", req.Operator, req.Notes)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if decided.Status == approval.StatusApproved {
		h.applyApproved(r.Context(), decided, req.Operator)
	}
	writeJSON(w, http.StatusOK, decided)
}

// applyApproved performs the side effect of an approved governance action
// that the core itself owns. Today that is only the kill-switch reset;
// other approved actions are applied by the proposing pipeline.
func (h *Handler) applyApproved(ctx context.Context, req approval.Request, operator string) {
	if h.Engine == nil || req.Action.Kind != types.ActionRiskLimitChange {
		return
	}
	if change, _ := req.Action.Payload["change"].(string); change != "kill_switch_reset" {
		return
	}
	if err := h.Engine.ResetKillSwitch(ctx, operator); err != nil {
		h.Log.Error().Err(err).Str("request_id", req.ID).Msg("kill switch reset failed")
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	alerts := []types.Alert{}
	if h.Monitor != nil {
		alerts = append(alerts, h.Monitor.Check(r.Context())...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checked_at":  time.Now().UTC().Format(time.RFC3339Nano),
		"kill_switch": h.Engine.KillSwitchEngaged(),
		"trading_day": h.Engine.TradingDay(),
		"alerts":      alerts,
	})
}

func (h *Handler) ReadLedger(w http.ResponseWriter, r *http.Request) {
	from, ok := parseSeq(w, r.URL.Query().Get("from"))
	if !ok {
		return
	}
	to, ok := parseSeq(w, r.URL.Query().Get("to"))
	if !ok {
		return
	}

	entries, err := h.Ledger.Read(from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (h *Handler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	head, headHash := h.Ledger.Head()
	if err := h.Ledger.Verify(0, 0); err != nil {
		var integrity *ledger.IntegrityError
		if errors.As(err, &integrity) {
			writeJSON(w, http.StatusOK, map[string]any{
				"valid":    false,
				"sequence": integrity.Sequence,
				"error":    integrity.Reason,
			})
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"head":      head,
		"head_hash": headHash,
	})
}

func parseSeq(w http.ResponseWriter, raw string) (uint64, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sequence must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, approval.ErrAlreadyDecided):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, types.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		h.Log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
