package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/greenfelt/wallet/internal/services"
)

// WalletHandler exposes the ledger and reservation operations over HTTP.
// Handlers decode, validate, and map service errors to status codes; all
// money logic lives in the services.
type WalletHandler struct {
	ledger       *services.LedgerService
	reservations *services.ReservationService
	rake         *services.RakeResolver
	velocity     *services.VelocityChecker
	settlement   *services.SettlementService
	validator    *services.ValidationHelper
}

func NewWalletHandler(
	ledger *services.LedgerService,
	reservations *services.ReservationService,
	rake *services.RakeResolver,
	velocity *services.VelocityChecker,
	settlement *services.SettlementService,
) *WalletHandler {
	return &WalletHandler{
		ledger:       ledger,
		reservations: reservations,
		rake:         rake,
		velocity:     velocity,
		settlement:   settlement,
		validator:    services.NewValidationHelper(),
	}
}

// decodeJSON reads one JSON object from the body with a 1 MB cap and strict
// field checking.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

// writeServiceError maps the wallet's sentinel errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInsufficientFunds):
		services.SendErrorResponse(w, "Insufficient funds", http.StatusUnprocessableEntity, nil)
	case errors.Is(err, services.ErrReservationMismatch):
		services.SendErrorResponse(w, "Reservation mismatch", http.StatusConflict, nil)
	case errors.Is(err, services.ErrAlreadyResolved):
		services.SendErrorResponse(w, "Reservation already resolved", http.StatusConflict, nil)
	case errors.Is(err, services.ErrReservationNotFound):
		services.SendErrorResponse(w, "Reservation not found", http.StatusNotFound, nil)
	case errors.Is(err, services.ErrVelocityExceeded):
		services.SendErrorResponse(w, "Too many attempts, slow down", http.StatusTooManyRequests, nil)
	case errors.Is(err, services.ErrConflictRetry):
		services.SendErrorResponse(w, "Account busy, retry later", http.StatusServiceUnavailable, nil)
	default:
		log.Printf("[WALLET] internal error: %v", err)
		services.SendErrorResponse(w, "Internal error", http.StatusInternalServerError, nil)
	}
}

func writeResult(w http.ResponseWriter, res *services.OperationResult) {
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success":  true,
		"replayed": res.Replayed,
		"result":   res,
	})
}

type depositRequest struct {
	AccountID      string `json:"accountId" validate:"required"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Ref            string `json:"ref" validate:"required"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required"`
	ToCredit       bool   `json:"toCredit"`
	DeviceID       string `json:"deviceId"`
}

// Deposit credits funds to an account
// @Summary Deposit funds
// @Description Credit external funds to a wallet account
// @Tags wallet
// @Accept json
// @Produce json
// @Param deposit body depositRequest true "Deposit request"
// @Success 201 {object} map[string]interface{}
// @Failure 400 {object} services.ErrorResponse
// @Failure 429 {object} services.ErrorResponse
// @Router /wallet/deposit [post]
func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if err := h.checkVelocity(r, "deposit", req.DeviceID); err != nil {
		writeServiceError(w, err)
		return
	}

	res, err := h.ledger.Deposit(r.Context(), req.AccountID, req.Amount, req.Ref, req.IdempotencyKey, req.ToCredit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeResult(w, res)
}

type withdrawRequest struct {
	AccountID      string `json:"accountId" validate:"required"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Currency       string `json:"currency"`
	Ref            string `json:"ref" validate:"required"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required"`
	DeviceID       string `json:"deviceId"`
}

// Withdraw debits funds from an account
// @Summary Withdraw funds
// @Description Debit real funds and queue a disbursement for the payment provider
// @Tags wallet
// @Accept json
// @Produce json
// @Param withdraw body withdrawRequest true "Withdraw request"
// @Success 201 {object} map[string]interface{}
// @Failure 422 {object} services.ErrorResponse
// @Failure 429 {object} services.ErrorResponse
// @Router /wallet/withdraw [post]
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if err := h.checkVelocity(r, "withdraw", req.DeviceID); err != nil {
		writeServiceError(w, err)
		return
	}

	res, err := h.ledger.Withdraw(r.Context(), req.AccountID, req.Amount, req.Ref, req.IdempotencyKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// Queue payout after the debit commits. Replays already queued theirs.
	if !res.Replayed {
		currency := req.Currency
		if currency == "" {
			currency = "USD"
		}
		if _, err := h.settlement.QueueDisbursement(r.Context(), req.AccountID, req.Amount, currency, req.Ref); err != nil {
			log.Printf("[WALLET] failed to queue disbursement for %s: %v", req.Ref, err)
		}
	}
	writeResult(w, res)
}

type reserveRequest struct {
	AccountID      string `json:"accountId" validate:"required"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Rake           int64  `json:"rake" validate:"gte=0"`
	Ref            string `json:"ref" validate:"required"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required"`
}

// Reserve places a hold on an account's funds
// @Summary Reserve funds
// @Description Hold funds for a hand buy-in pending commit or rollback
// @Tags reservations
// @Accept json
// @Produce json
// @Param reserve body reserveRequest true "Reserve request"
// @Success 201 {object} map[string]interface{}
// @Failure 422 {object} services.ErrorResponse
// @Router /wallet/reserve [post]
func (h *WalletHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	res, err := h.reservations.Reserve(r.Context(), req.AccountID, req.Amount, req.Rake, req.Ref, req.IdempotencyKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeResult(w, res)
}

type commitRequest struct {
	ReservationID  string           `json:"reservationId" validate:"required"`
	Amount         int64            `json:"amount" validate:"required,gt=0"`
	Rake           int64            `json:"rake" validate:"gte=0"`
	Payouts        map[string]int64 `json:"payouts"`
	Ref            string           `json:"ref" validate:"required"`
	IdempotencyKey string           `json:"idempotencyKey" validate:"required"`
}

// Commit settles a pending reservation
// @Summary Commit reservation
// @Description Settle a hold: rake to the rake account, remainder to the payout accounts
// @Tags reservations
// @Accept json
// @Produce json
// @Param commit body commitRequest true "Commit request"
// @Success 201 {object} map[string]interface{}
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /wallet/reserve/commit [post]
func (h *WalletHandler) Commit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	res, err := h.reservations.Commit(r.Context(), req.ReservationID, req.Amount, req.Rake, req.Payouts, req.Ref, req.IdempotencyKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeResult(w, res)
}

type rollbackRequest struct {
	ReservationID  string `json:"reservationId" validate:"required"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Ref            string `json:"ref" validate:"required"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required"`
}

// Rollback releases a pending reservation
// @Summary Rollback reservation
// @Description Return held funds to the owner, e.g. after a cancelled hand
// @Tags reservations
// @Accept json
// @Produce json
// @Param rollback body rollbackRequest true "Rollback request"
// @Success 201 {object} map[string]interface{}
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /wallet/reserve/rollback [post]
func (h *WalletHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	res, err := h.reservations.Rollback(r.Context(), req.ReservationID, req.Amount, req.Ref, req.IdempotencyKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeResult(w, res)
}

// GetReservation returns one reservation
// @Summary Get reservation
// @Tags reservations
// @Produce json
// @Param reservationId path string true "Reservation id"
// @Success 200 {object} models.Reservation
// @Failure 404 {object} services.ErrorResponse
// @Router /wallet/reservations/{reservationId} [get]
func (h *WalletHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	reservationID := chi.URLParam(r, "reservationId")
	rsv, err := h.reservations.Get(r.Context(), reservationID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rsv)
}

// BalanceEnquiry returns live and available balances
// @Summary Balance enquiry
// @Tags wallet
// @Produce json
// @Param accountId query string true "Account id"
// @Success 200 {object} services.BalanceInfo
// @Failure 404 {object} services.ErrorResponse
// @Router /wallet/balance-enquiry [get]
func (h *WalletHandler) BalanceEnquiry(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		services.SendErrorResponse(w, "accountId query parameter required", http.StatusBadRequest, nil)
		return
	}
	info, err := h.ledger.Balance(r.Context(), accountID)
	if err != nil {
		services.SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// ListTransactions returns an account's entries, newest first
// @Summary List transactions
// @Tags wallet
// @Produce json
// @Param accountId query string true "Account id"
// @Param limit query int false "Max entries, default 50"
// @Success 200 {array} models.LedgerEntry
// @Router /wallet/transactions [get]
func (h *WalletHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		services.SendErrorResponse(w, "accountId query parameter required", http.StatusBadRequest, nil)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.ledger.Entries(r.Context(), accountID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// RakeQuote computes the rake owed on a pot
// @Summary Rake quote
// @Description Compute the rake for a pot at a given stake under the active rake table
// @Tags wallet
// @Produce json
// @Param totalPot query int true "Total pot in minor units"
// @Param stake query string true "Stake label, e.g. 1-2"
// @Success 200 {object} map[string]interface{}
// @Router /wallet/rake-quote [get]
func (h *WalletHandler) RakeQuote(w http.ResponseWriter, r *http.Request) {
	totalPot, err := strconv.ParseInt(r.URL.Query().Get("totalPot"), 10, 64)
	if err != nil {
		services.SendErrorResponse(w, "totalPot query parameter required", http.StatusBadRequest, nil)
		return
	}
	stake := r.URL.Query().Get("stake")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"totalPot":     totalPot,
		"stake":        stake,
		"rake":         h.rake.Resolve(totalPot, stake),
		"tableVersion": h.rake.TableVersion(),
	})
}

// checkVelocity throttles by device id and caller IP. RealIP middleware has
// already rewritten RemoteAddr.
func (h *WalletHandler) checkVelocity(r *http.Request, operation, deviceID string) error {
	if err := h.velocity.Check(r.Context(), operation, deviceID); err != nil {
		return err
	}
	return h.velocity.Check(r.Context(), operation, r.RemoteAddr)
}
