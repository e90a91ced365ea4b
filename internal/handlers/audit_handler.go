package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/greenfelt/wallet/internal/services"
)

// AuditHandler exposes the replay/verify tooling and the administrative
// reservation expiry. These routes sit behind the admin route group.
type AuditHandler struct {
	audit        *services.AuditService
	reservations *services.ReservationService
	settlement   *services.SettlementService
}

func NewAuditHandler(audit *services.AuditService, reservations *services.ReservationService, settlement *services.SettlementService) *AuditHandler {
	return &AuditHandler{
		audit:        audit,
		reservations: reservations,
		settlement:   settlement,
	}
}

// Replay folds the entry log into balances
// @Summary Replay ledger
// @Description Rebuild balances from the entry log starting after fromSequence
// @Tags audit
// @Produce json
// @Param fromSequence query int false "Resume point, default 0"
// @Success 200 {object} map[string]interface{}
// @Router /admin/audit/replay [get]
func (h *AuditHandler) Replay(w http.ResponseWriter, r *http.Request) {
	fromSequence, _ := strconv.ParseInt(r.URL.Query().Get("fromSequence"), 10, 64)
	balances, lastSequence, err := h.audit.Replay(r.Context(), fromSequence)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"fromSequence": fromSequence,
		"lastSequence": lastSequence,
		"balances":     balances,
	})
}

// Verify checks replayed balances against live balances
// @Summary Verify ledger integrity
// @Description Replay the log and diff against live balances; persists the report
// @Tags audit
// @Produce json
// @Success 200 {object} models.AuditReport
// @Failure 500 {object} services.ErrorResponse
// @Router /admin/audit/verify [post]
func (h *AuditHandler) Verify(w http.ResponseWriter, r *http.Request) {
	report, err := h.audit.Verify(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// Snapshot materializes replayed balances at the current log head
// @Summary Snapshot ledger
// @Tags audit
// @Produce json
// @Success 201 {object} models.LedgerSnapshot
// @Router /admin/audit/snapshot [post]
func (h *AuditHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.audit.SaveSnapshot(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(snapshot)
}

type expireRequest struct {
	Actor string `json:"actor" validate:"required"`
}

// ExpireReservations force-rolls-back stale pending reservations
// @Summary Expire stale reservations
// @Description Roll back pending reservations older than the staleness window; each release is audited with the acting operator
// @Tags audit
// @Accept json
// @Produce json
// @Param expire body expireRequest true "Acting operator"
// @Success 200 {object} map[string]interface{}
// @Router /admin/reservations/expire [post]
func (h *AuditHandler) ExpireReservations(w http.ResponseWriter, r *http.Request) {
	var req expireRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Actor == "" {
		services.SendErrorResponse(w, "actor required", http.StatusBadRequest, nil)
		return
	}

	expired, err := h.reservations.ExpireStale(r.Context(), req.Actor)
	resp := map[string]any{
		"expired": expired,
		"count":   len(expired),
	}
	// A failed hold does not void the rest of the sweep; report both.
	if err != nil {
		resp["errors"] = strings.Split(err.Error(), "\n")
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// PendingDisbursements lists payouts awaiting provider confirmation
// @Summary Pending disbursements
// @Tags audit
// @Produce json
// @Success 200 {array} models.Disbursement
// @Router /admin/disbursements [get]
func (h *AuditHandler) PendingDisbursements(w http.ResponseWriter, r *http.Request) {
	pending, err := h.settlement.Pending(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pending)
}

type completeDisbursementRequest struct {
	ProviderRef string `json:"providerRef" validate:"required"`
}

// CompleteDisbursement records the provider's confirmation
// @Summary Complete disbursement
// @Tags audit
// @Accept json
// @Produce json
// @Param disbursementId path string true "Disbursement id"
// @Param confirmation body completeDisbursementRequest true "Provider confirmation"
// @Success 200 {object} map[string]string
// @Router /admin/disbursements/{disbursementId}/complete [post]
func (h *AuditHandler) CompleteDisbursement(w http.ResponseWriter, r *http.Request) {
	disbursementID := chi.URLParam(r, "disbursementId")
	var req completeDisbursementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProviderRef == "" {
		services.SendErrorResponse(w, "providerRef required", http.StatusBadRequest, nil)
		return
	}

	if err := h.settlement.MarkCompleted(r.Context(), disbursementID, req.ProviderRef); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "completed"})
}
