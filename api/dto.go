/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts travel as decimal strings ("120.50"). Request bodies accept either
  a JSON number or a string (shopspring/decimal handles both).

TIMES:
  RFC3339 in UTC.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// REQUESTS
// =============================================================================

// RecordTransactionRequest is one spend/visit event reported by a till.
type RecordTransactionRequest struct {
	DinerID  string          `json:"diner_id"`
	Amount   decimal.Decimal `json:"amount"`
	BillID   string          `json:"bill_id,omitempty"`
	BranchID string          `json:"branch_id,omitempty"`
}

// RedeemCodeRequest is a till submitting a diner's presentation code.
type RedeemCodeRequest struct {
	Code     string `json:"code"`
	BillID   string `json:"bill_id,omitempty"`
	BranchID string `json:"branch_id,omitempty"`
}

// RedeemCreditRequest spends credits on a voucher type.
type RedeemCreditRequest struct {
	MerchantID    string `json:"merchant_id"`
	VoucherTypeID string `json:"voucher_type_id"`
	BranchID      string `json:"branch_id,omitempty"`
}

// UpdateSettingsRequest carries only the fields to change.
type UpdateSettingsRequest struct {
	Currency          *string                  `json:"currency,omitempty"`
	PointsPerCurrency *decimal.Decimal         `json:"points_per_currency,omitempty"`
	PointsThreshold   *int64                   `json:"points_threshold,omitempty"`
	VisitThreshold    *int64                   `json:"visit_threshold,omitempty"`
	LoyaltyScope      *loyalty.LoyaltyScope    `json:"loyalty_scope,omitempty"`
	VoucherScope      *loyalty.RedemptionScope `json:"voucher_scope,omitempty"`
	AutoIssueVouchers *bool                    `json:"auto_issue_vouchers,omitempty"`
}

func (r UpdateSettingsRequest) patch() loyalty.SettingsPatch {
	return loyalty.SettingsPatch{
		Currency:          r.Currency,
		PointsPerCurrency: r.PointsPerCurrency,
		PointsThreshold:   r.PointsThreshold,
		VisitThreshold:    r.VisitThreshold,
		LoyaltyScope:      r.LoyaltyScope,
		VoucherScope:      r.VoucherScope,
		AutoIssueVouchers: r.AutoIssueVouchers,
	}
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error            string   `json:"error"`
	Details          string   `json:"details,omitempty"`
	MerchantName     string   `json:"merchant_name,omitempty"`
	EligibleBranches []string `json:"eligible_branches,omitempty"`
	Available        *int64   `json:"available,omitempty"`
	Required         *int64   `json:"required,omitempty"`
}

// MerchantDTO is a merchant's loyalty configuration.
type MerchantDTO struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Currency          string `json:"currency"`
	PointsPerCurrency string `json:"points_per_currency"`
	PointsThreshold   int64  `json:"points_threshold"`
	VisitThreshold    int64  `json:"visit_threshold"`
	LoyaltyScope      string `json:"loyalty_scope"`
	VoucherScope      string `json:"voucher_scope"`
	AutoIssueVouchers bool   `json:"auto_issue_vouchers"`
	UpdatedAt         string `json:"updated_at,omitempty"`
}

// BalanceDTO is one loyalty balance row.
type BalanceDTO struct {
	DinerID                string `json:"diner_id"`
	MerchantID             string `json:"merchant_id"`
	BranchID               string `json:"branch_id,omitempty"`
	CurrentPoints          int64  `json:"current_points"`
	TotalPointsEarned      int64  `json:"total_points_earned"`
	CurrentVisits          int64  `json:"current_visits"`
	TotalVisits            int64  `json:"total_visits"`
	PointsCredits          int64  `json:"points_credits"`
	VisitCredits           int64  `json:"visit_credits"`
	TotalCreditsEarned     int64  `json:"total_credits_earned"`
	TotalVouchersGenerated int64  `json:"total_vouchers_generated"`
	UpdatedAt              string `json:"updated_at"`
}

// TransactionDTO is a recorded spend/visit event.
type TransactionDTO struct {
	ID           string `json:"id"`
	DinerID      string `json:"diner_id"`
	MerchantID   string `json:"merchant_id"`
	BranchID     string `json:"branch_id,omitempty"`
	Amount       string `json:"amount"`
	PointsEarned int64  `json:"points_earned"`
	BillID       string `json:"bill_id,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// CreditsDTO counts credits per earning mode.
type CreditsDTO struct {
	Points int64 `json:"points"`
	Visits int64 `json:"visits"`
}

// VoucherDTO is an issued voucher with its derived status.
type VoucherDTO struct {
	ID             string  `json:"id"`
	DinerID        string  `json:"diner_id"`
	MerchantID     string  `json:"merchant_id"`
	BranchID       string  `json:"branch_id,omitempty"`
	VoucherTypeID  string  `json:"voucher_type_id"`
	Title          string  `json:"title"`
	Source         string  `json:"source"`
	Status         string  `json:"status"`
	IssuedAt       string  `json:"issued_at"`
	ExpiresAt      string  `json:"expires_at"`
	RedeemedAt     *string `json:"redeemed_at,omitempty"`
	RedeemedBillID string  `json:"redeemed_bill_id,omitempty"`
}

// TransactionResponse is the result of recording an event.
type TransactionResponse struct {
	Transaction   TransactionDTO `json:"transaction"`
	Balance       BalanceDTO     `json:"balance"`
	CreditsEarned CreditsDTO     `json:"credits_earned"`
	Vouchers      []VoucherDTO   `json:"vouchers"`
}

// PresentationDTO is a freshly generated presentation code.
type PresentationDTO struct {
	Code       string `json:"code"`
	VoucherID  string `json:"voucher_id"`
	IssuedAt   string `json:"issued_at"`
	ExpiresAt  string `json:"expires_at"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// RedemptionResponse confirms a successful redemption.
type RedemptionResponse struct {
	Message string     `json:"message"`
	Voucher VoucherDTO `json:"voucher"`
}

// BatchDTO is a reconciliation batch header.
type BatchDTO struct {
	ID               string  `json:"id"`
	MerchantID       string  `json:"merchant_id"`
	Filename         string  `json:"filename"`
	TotalRecords     int     `json:"total_records"`
	MatchedRecords   int     `json:"matched_records"`
	UnmatchedRecords int     `json:"unmatched_records"`
	Status           string  `json:"status"`
	CreatedAt        string  `json:"created_at"`
	CompletedAt      *string `json:"completed_at,omitempty"`
}

// RecordDTO is one settlement row and its match result.
type RecordDTO struct {
	ID               string  `json:"id"`
	BillID           string  `json:"bill_id"`
	CSVAmount        string  `json:"csv_amount,omitempty"`
	CSVDate          string  `json:"csv_date,omitempty"`
	IsMatched        bool    `json:"is_matched"`
	MatchedVoucherID string  `json:"matched_voucher_id,omitempty"`
	VoucherTitle     string  `json:"voucher_title,omitempty"`
	RedeemedAt       *string `json:"redeemed_at,omitempty"`
	RecordedAmount   *string `json:"recorded_amount,omitempty"`
	Variance         *string `json:"variance,omitempty"`
}

// ReconciliationResponse is a processed batch with its records.
type ReconciliationResponse struct {
	Batch   BatchDTO             `json:"batch"`
	Summary loyalty.BatchSummary `json:"summary"`
	Records []RecordDTO          `json:"records"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func decimalPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.StringFixed(2)
	return &s
}

func toMerchantDTO(m loyalty.Merchant) MerchantDTO {
	dto := MerchantDTO{
		ID:                string(m.ID),
		Name:              m.Name,
		Currency:          m.Currency,
		PointsPerCurrency: m.PointsPerCurrency.String(),
		PointsThreshold:   m.PointsThreshold,
		VisitThreshold:    m.VisitThreshold,
		LoyaltyScope:      string(m.LoyaltyScope),
		VoucherScope:      string(m.VoucherScope),
		AutoIssueVouchers: m.AutoIssueVouchers,
	}
	if !m.UpdatedAt.IsZero() {
		dto.UpdatedAt = formatTime(m.UpdatedAt)
	}
	return dto
}

func toBalanceDTO(b loyalty.Balance) BalanceDTO {
	return BalanceDTO{
		DinerID:                string(b.Key.DinerID),
		MerchantID:             string(b.Key.MerchantID),
		BranchID:               string(b.Key.BranchID),
		CurrentPoints:          b.CurrentPoints,
		TotalPointsEarned:      b.TotalPointsEarned,
		CurrentVisits:          b.CurrentVisits,
		TotalVisits:            b.TotalVisits,
		PointsCredits:          b.PointsCredits,
		VisitCredits:           b.VisitCredits,
		TotalCreditsEarned:     b.TotalCreditsEarned,
		TotalVouchersGenerated: b.TotalVouchersGenerated,
		UpdatedAt:              formatTime(b.UpdatedAt),
	}
}

func toTransactionDTO(t loyalty.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:           string(t.ID),
		DinerID:      string(t.DinerID),
		MerchantID:   string(t.MerchantID),
		BranchID:     string(t.BranchID),
		Amount:       t.Amount.StringFixed(2),
		PointsEarned: t.PointsEarned,
		BillID:       t.BillID,
		CreatedAt:    formatTime(t.CreatedAt),
	}
}

func toVoucherDTO(v loyalty.Voucher, now time.Time) VoucherDTO {
	return VoucherDTO{
		ID:             string(v.ID),
		DinerID:        string(v.DinerID),
		MerchantID:     string(v.MerchantID),
		BranchID:       string(v.BranchID),
		VoucherTypeID:  string(v.VoucherTypeID),
		Title:          v.Title,
		Source:         string(v.Source),
		Status:         string(v.Status(now)),
		IssuedAt:       formatTime(v.IssuedAt),
		ExpiresAt:      formatTime(v.ExpiresAt),
		RedeemedAt:     formatTimePtr(v.RedeemedAt),
		RedeemedBillID: v.RedeemedBillID,
	}
}

func toVoucherDTOs(vs []loyalty.Voucher, now time.Time) []VoucherDTO {
	dtos := make([]VoucherDTO, len(vs))
	for i, v := range vs {
		dtos[i] = toVoucherDTO(v, now)
	}
	return dtos
}

func toBatchDTO(b loyalty.ReconciliationBatch) BatchDTO {
	return BatchDTO{
		ID:               string(b.ID),
		MerchantID:       string(b.MerchantID),
		Filename:         b.Filename,
		TotalRecords:     b.TotalRecords,
		MatchedRecords:   b.MatchedRecords,
		UnmatchedRecords: b.UnmatchedRecords,
		Status:           string(b.Status),
		CreatedAt:        formatTime(b.CreatedAt),
		CompletedAt:      formatTimePtr(b.CompletedAt),
	}
}

func toRecordDTO(r loyalty.ReconciliationRecord) RecordDTO {
	return RecordDTO{
		ID:               string(r.ID),
		BillID:           r.BillID,
		CSVAmount:        r.CSVAmount,
		CSVDate:          r.CSVDate,
		IsMatched:        r.IsMatched,
		MatchedVoucherID: string(r.MatchedVoucherID),
	}
}

func toRecordDetailDTO(d loyalty.RecordDetail) RecordDTO {
	dto := toRecordDTO(d.Record)
	dto.VoucherTitle = d.VoucherTitle
	dto.RedeemedAt = formatTimePtr(d.RedeemedAt)
	dto.RecordedAmount = decimalPtr(d.RecordedAmount)
	dto.Variance = decimalPtr(d.Variance)
	return dto
}
