/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the loyalty engine via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every rule to loyalty.Engine.

ENDPOINTS:
  Merchant (till / dashboard):
    POST   /api/merchants/{merchantID}/transactions          Record spend/visit
    POST   /api/merchants/{merchantID}/redemptions           Redeem a presented code
    POST   /api/merchants/{merchantID}/reconciliations       Upload settlement CSV (?filename=)
    GET    /api/merchants/{merchantID}/reconciliations       List batches
    GET    /api/merchants/{merchantID}/reconciliations/{batchID}  Batch detail with variance
    PATCH  /api/merchants/{merchantID}/settings              Partial settings update

  Diner (app):
    GET    /api/diners/{dinerID}/balances                    All balance rows
    GET    /api/diners/{dinerID}/transactions                Event history (?merchant_id=)
    GET    /api/diners/{dinerID}/vouchers                    Vouchers (?merchant_id=&status=)
    POST   /api/diners/{dinerID}/vouchers                    Spend credits on a voucher type
    POST   /api/diners/{dinerID}/vouchers/{voucherID}/present  Generate presentation code
    GET    /api/diners/{dinerID}/presentation                Active code, if any
    DELETE /api/diners/{dinerID}                             Delete diner

ARCHITECTURE:
  Handler holds the engine plus the backing store (for scenario seeding and
  health checks). Handlers never touch balances directly.

ERROR HANDLING:
  Engine errors map to status codes by kind:
  - 400: Validation
  - 403: Scope violation (wrong merchant or branch)
  - 404: Not found (includes unknown or superseded codes)
  - 409: Invalid state (already redeemed, expired, code expired)
  - 422: Insufficient credits
  - 500: Anything else (details logged, not returned)

SECURITY NOTE:
  No authentication. Merchant and diner identity come from the URL.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/loyalty-engine/loyalty"
)

// maxSettlementBytes bounds an uploaded settlement export.
const maxSettlementBytes = 10 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the persistence the API needs beyond the engine.
type Backend interface {
	loyalty.Store
	loyalty.Admin
	Reset(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *loyalty.Engine
	Store  Backend
	log    *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(engine *loyalty.Engine, store Backend, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine: engine,
		Store:  store,
		log:    logger.With(slog.String("component", "api")),
	}
}

// =============================================================================
// MERCHANT HANDLERS
// =============================================================================

// RecordTransaction records one spend/visit event for a diner.
func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req RecordTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Engine.RecordTransaction(r.Context(), loyalty.RecordTransactionInput{
		DinerID:    loyalty.DinerID(req.DinerID),
		MerchantID: loyalty.MerchantID(chi.URLParam(r, "merchantID")),
		Amount:     req.Amount,
		BillID:     strings.TrimSpace(req.BillID),
		BranchID:   loyalty.BranchID(req.BranchID),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, TransactionResponse{
		Transaction: toTransactionDTO(res.Transaction),
		Balance:     toBalanceDTO(res.Balance),
		CreditsEarned: CreditsDTO{
			Points: res.CreditsEarned.Points,
			Visits: res.CreditsEarned.Visits,
		},
		Vouchers: toVoucherDTOs(res.Vouchers, h.Engine.Now()),
	})
}

// RedeemCode validates and consumes a presented code at the till.
func (h *Handler) RedeemCode(w http.ResponseWriter, r *http.Request) {
	var req RedeemCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Engine.RedeemByCode(r.Context(), loyalty.RedeemByCodeInput{
		MerchantID: loyalty.MerchantID(chi.URLParam(r, "merchantID")),
		Code:       req.Code,
		BillID:     strings.TrimSpace(req.BillID),
		BranchID:   loyalty.BranchID(req.BranchID),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, RedemptionResponse{
		Message: res.Message,
		Voucher: toVoucherDTO(res.Voucher, h.Engine.Now()),
	})
}

// UploadSettlement matches a settlement CSV (request body) against redemptions.
func (h *Handler) UploadSettlement(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSettlementBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read settlement file", err)
		return
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = "upload.csv"
	}

	res, err := h.Engine.ProcessBatch(r.Context(), loyalty.MerchantID(chi.URLParam(r, "merchantID")), filename, string(body))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	records := make([]RecordDTO, len(res.Records))
	for i, rec := range res.Records {
		records[i] = toRecordDTO(rec)
	}
	writeJSON(w, http.StatusCreated, ReconciliationResponse{
		Batch:   toBatchDTO(res.Batch),
		Summary: res.Summary,
		Records: records,
	})
}

// ListBatches returns the merchant's reconciliation batches, newest first.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.Engine.ListBatches(r.Context(), loyalty.MerchantID(chi.URLParam(r, "merchantID")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBatch returns one batch with enriched records.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Engine.BatchDetail(r.Context(),
		loyalty.MerchantID(chi.URLParam(r, "merchantID")),
		loyalty.BatchID(chi.URLParam(r, "batchID")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	records := make([]RecordDTO, len(detail.Records))
	for i, d := range detail.Records {
		records[i] = toRecordDetailDTO(d)
	}
	writeJSON(w, http.StatusOK, ReconciliationResponse{
		Batch: toBatchDTO(detail.Batch),
		Summary: loyalty.BatchSummary{
			Total:     detail.Batch.TotalRecords,
			Matched:   detail.Batch.MatchedRecords,
			Unmatched: detail.Batch.UnmatchedRecords,
		},
		Records: records,
	})
}

// UpdateSettings applies a partial settings change.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	m, err := h.Engine.UpdateMerchantSettings(r.Context(), loyalty.MerchantID(chi.URLParam(r, "merchantID")), req.patch())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toMerchantDTO(*m))
}

// =============================================================================
// DINER HANDLERS
// =============================================================================

// ListBalances returns all of the diner's balance rows.
func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.Engine.Balances(r.Context(), loyalty.DinerID(chi.URLParam(r, "dinerID")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	dtos := make([]BalanceDTO, len(balances))
	for i, b := range balances {
		dtos[i] = toBalanceDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListTransactions returns the diner's recorded events.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := h.Engine.Transactions(r.Context(),
		loyalty.DinerID(chi.URLParam(r, "dinerID")),
		loyalty.MerchantID(r.URL.Query().Get("merchant_id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	dtos := make([]TransactionDTO, len(txns))
	for i, t := range txns {
		dtos[i] = toTransactionDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListVouchers returns the diner's vouchers. ?status= filters by derived
// status (issued, redeemed, expired).
func (h *Handler) ListVouchers(w http.ResponseWriter, r *http.Request) {
	vouchers, err := h.Engine.Vouchers(r.Context(), loyalty.VoucherFilter{
		DinerID:    loyalty.DinerID(chi.URLParam(r, "dinerID")),
		MerchantID: loyalty.MerchantID(r.URL.Query().Get("merchant_id")),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	now := h.Engine.Now()
	status := loyalty.VoucherStatus(r.URL.Query().Get("status"))
	dtos := make([]VoucherDTO, 0, len(vouchers))
	for _, v := range vouchers {
		if status != "" && v.Status(now) != status {
			continue
		}
		dtos = append(dtos, toVoucherDTO(v, now))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RedeemCredit spends the diner's credits on a voucher type.
func (h *Handler) RedeemCredit(w http.ResponseWriter, r *http.Request) {
	var req RedeemCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	v, err := h.Engine.RedeemCredit(r.Context(), loyalty.RedeemCreditInput{
		DinerID:       loyalty.DinerID(chi.URLParam(r, "dinerID")),
		MerchantID:    loyalty.MerchantID(req.MerchantID),
		VoucherTypeID: loyalty.VoucherTypeID(req.VoucherTypeID),
		BranchID:      loyalty.BranchID(req.BranchID),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toVoucherDTO(*v, h.Engine.Now()))
}

// PresentVoucher generates a short-lived code for one of the diner's vouchers.
func (h *Handler) PresentVoucher(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.PresentVoucher(r.Context(),
		loyalty.DinerID(chi.URLParam(r, "dinerID")),
		loyalty.VoucherID(chi.URLParam(r, "voucherID")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.toPresentationDTO(*p))
}

// GetPresentation returns the diner's active code, or 404 when none.
func (h *Handler) GetPresentation(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.ActivePresentation(r.Context(), loyalty.DinerID(chi.URLParam(r, "dinerID")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "No active presentation code", nil)
		return
	}

	writeJSON(w, http.StatusOK, h.toPresentationDTO(*p))
}

// DeleteDiner removes a diner with their balances and active code.
func (h *Handler) DeleteDiner(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteDiner(r.Context(), loyalty.DinerID(chi.URLParam(r, "dinerID"))); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports whether the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) toPresentationDTO(p loyalty.Presentation) PresentationDTO {
	return PresentationDTO{
		Code:       p.Code,
		VoucherID:  string(p.VoucherID),
		IssuedAt:   formatTime(p.IssuedAt),
		ExpiresAt:  formatTime(p.ExpiresAt),
		TTLSeconds: int(h.Engine.CodeTTL().Seconds()),
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, loyalty.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, loyalty.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, loyalty.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, loyalty.ErrScopeViolation):
		return http.StatusForbidden
	case errors.Is(err, loyalty.ErrInsufficientCredits):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeEngineError writes client errors with their reason and structured
// fields. Internal errors are logged and returned without details.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeError(w, status, "Internal error", nil)
		return
	}

	resp := ErrorResponse{Error: loyalty.Reason(err)}
	var scope *loyalty.ScopeViolationError
	if errors.As(err, &scope) {
		resp.MerchantName = scope.MerchantName
		resp.EligibleBranches = scope.EligibleBranches
	}
	var credits *loyalty.InsufficientCreditsError
	if errors.As(err, &credits) {
		resp.Available = &credits.Available
		resp.Required = &credits.Required
	}
	writeJSON(w, status, resp)
}
