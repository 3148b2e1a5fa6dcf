/*
Package loyalty provides the loyalty ledger and voucher lifecycle engine.

PURPOSE:
  Converts merchant-reported spend/visit events into point and visit balances
  per diner per merchant (optionally per branch), turns accrued credits into
  time-boxed vouchers, issues short-lived presentation codes that staff use to
  redeem a voucher, and reconciles redemptions against a settlement export.

KEY CONCEPTS IN THIS FILE (types.go):
  - Merchant / Branch / Diner: directory entities (read-only to the engine)
  - Balance: the mutable ledger row, one per (diner, merchant, branch-or-none)
  - Transaction: immutable spend/visit event, append-only
  - EarningMode: tagged enum selecting the credit pool a voucher type draws from
  - VoucherType / Voucher: template and concrete diner-owned instance
  - PresentationBinding: the single active code a diner holds
  - ReconciliationBatch / ReconciliationRecord: settlement matching results

LIFECYCLE:
  Voucher: issued -> (code active, transient) -> redeemed (terminal)
                                              -> expired  (terminal, by ExpiresAt)

SEE ALSO:
  - ledger.go: RecordTransaction
  - issuer.go: RedeemCredit and automatic issuance
  - presentation.go / redemption.go: two-stage redemption protocol
  - reconciliation.go: settlement batch matching
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MerchantID string
type BranchID string
type DinerID string
type TransactionID string
type VoucherTypeID string
type VoucherID string
type BatchID string
type RecordID string

// =============================================================================
// SCOPES
// =============================================================================

// LoyaltyScope decides which balance row a transaction lands on.
type LoyaltyScope string

const (
	ScopeOrganization LoyaltyScope = "organization" // one balance per merchant
	ScopeBranch       LoyaltyScope = "branch"       // one balance per branch
)

func (s LoyaltyScope) Valid() bool {
	return s == ScopeOrganization || s == ScopeBranch
}

// RedemptionScope decides where a voucher may be redeemed.
type RedemptionScope string

const (
	RedeemAllBranches      RedemptionScope = "all_branches"
	RedeemSpecificBranches RedemptionScope = "specific_branches"
)

func (s RedemptionScope) Valid() bool {
	return s == RedeemAllBranches || s == RedeemSpecificBranches
}

// =============================================================================
// DIRECTORY - Merchants, branches, diners
// =============================================================================

type Merchant struct {
	ID                MerchantID
	Name              string
	Currency          string
	PointsPerCurrency decimal.Decimal
	PointsThreshold   int64
	VisitThreshold    int64
	LoyaltyScope      LoyaltyScope
	VoucherScope      RedemptionScope
	AutoIssueVouchers bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Thresholds returns the crediting thresholds configured on the merchant.
func (m Merchant) Thresholds() Thresholds {
	return Thresholds{Points: m.PointsThreshold, Visits: m.VisitThreshold}
}

type Branch struct {
	ID         BranchID
	MerchantID MerchantID
	Name       string
	IsDefault  bool
	IsActive   bool
	CreatedAt  time.Time
}

type Diner struct {
	ID        DinerID
	Name      string
	Phone     string
	CreatedAt time.Time
}

// =============================================================================
// EARNING MODE - Tagged enum over the two credit pools
// =============================================================================

// EarningMode names the credit pool a voucher type draws from.
// Each mode maps to exactly one counter on Balance; never branch on titles.
type EarningMode string

const (
	EarnPoints EarningMode = "points"
	EarnVisits EarningMode = "visits"
)

// EarningModes lists every mode in a stable order.
var EarningModes = []EarningMode{EarnPoints, EarnVisits}

func (m EarningMode) Valid() bool {
	return m == EarnPoints || m == EarnVisits
}

// =============================================================================
// BALANCE - Mutable ledger row
// =============================================================================

// BalanceKey identifies a balance row. An empty BranchID means the row is
// organization-wide.
type BalanceKey struct {
	DinerID    DinerID
	MerchantID MerchantID
	BranchID   BranchID
}

type Balance struct {
	Key BalanceKey

	CurrentPoints     int64
	TotalPointsEarned int64
	CurrentVisits     int64
	TotalVisits       int64

	PointsCredits          int64
	VisitCredits           int64
	TotalCreditsEarned     int64
	TotalVouchersGenerated int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewBalance returns an empty row for key.
func NewBalance(key BalanceKey, now time.Time) *Balance {
	return &Balance{Key: key, CreatedAt: now, UpdatedAt: now}
}

// Credits returns the pool balance for mode.
func (b *Balance) Credits(mode EarningMode) int64 {
	switch mode {
	case EarnPoints:
		return b.PointsCredits
	case EarnVisits:
		return b.VisitCredits
	}
	return 0
}

func (b *Balance) addCredits(mode EarningMode, n int64) {
	switch mode {
	case EarnPoints:
		b.PointsCredits += n
	case EarnVisits:
		b.VisitCredits += n
	}
}

// =============================================================================
// TRANSACTION - Immutable spend/visit event
// =============================================================================

type Transaction struct {
	ID           TransactionID
	DinerID      DinerID
	MerchantID   MerchantID
	BranchID     BranchID
	Amount       decimal.Decimal
	PointsEarned int64
	BillID       string
	CreatedAt    time.Time
}

// =============================================================================
// VOUCHERS
// =============================================================================

type VoucherType struct {
	ID               VoucherTypeID
	MerchantID       MerchantID
	Title            string
	Description      string
	EarningMode      EarningMode
	CreditsCost      int64
	ValidityDays     int
	RedemptionScope  RedemptionScope
	EligibleBranches []BranchID
	Active           bool
	CreatedAt        time.Time
}

// Restricted reports whether redemption is limited to EligibleBranches.
// An unset scope falls back to the merchant's default.
func (vt VoucherType) Restricted(merchantDefault RedemptionScope) bool {
	scope := vt.RedemptionScope
	if scope == "" {
		scope = merchantDefault
	}
	return scope == RedeemSpecificBranches && len(vt.EligibleBranches) > 0
}

// AllowsBranch reports whether branch is on the allow-list.
func (vt VoucherType) AllowsBranch(branch BranchID) bool {
	for _, b := range vt.EligibleBranches {
		if b == branch {
			return true
		}
	}
	return false
}

type IssueSource string

const (
	SourceManual IssueSource = "manual" // diner spent credits explicitly
	SourceAuto   IssueSource = "auto"   // issued while recording a transaction
)

type VoucherStatus string

const (
	VoucherIssued   VoucherStatus = "issued"
	VoucherRedeemed VoucherStatus = "redeemed"
	VoucherExpired  VoucherStatus = "expired"
)

type Voucher struct {
	ID            VoucherID
	DinerID       DinerID
	MerchantID    MerchantID
	BranchID      BranchID
	VoucherTypeID VoucherTypeID
	Title         string
	Source        IssueSource
	IssuedAt      time.Time
	ExpiresAt     time.Time

	IsRedeemed       bool
	RedeemedAt       *time.Time
	RedeemedBillID   string
	RedeemedBranchID BranchID
	RedemptionCode   string
}

// Expired reports whether the voucher is past its expiry at now.
func (v Voucher) Expired(now time.Time) bool {
	return now.After(v.ExpiresAt)
}

// Status derives the lifecycle state at now. Redemption wins over expiry.
func (v Voucher) Status(now time.Time) VoucherStatus {
	switch {
	case v.IsRedeemed:
		return VoucherRedeemed
	case v.Expired(now):
		return VoucherExpired
	default:
		return VoucherIssued
	}
}

// Redemption is the compare-and-swap payload written when a voucher is consumed.
type Redemption struct {
	At       time.Time
	BillID   string
	BranchID BranchID
	Code     string
}

// =============================================================================
// PRESENTATION BINDING - Single active code per diner
// =============================================================================

type PresentationBinding struct {
	DinerID   DinerID
	VoucherID VoucherID
	Code      string
	IssuedAt  time.Time
}

// ExpiresAt returns the end of the code's validity window.
func (p PresentationBinding) ExpiresAt(ttl time.Duration) time.Time {
	return p.IssuedAt.Add(ttl)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type BatchStatus string

const (
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
)

type ReconciliationBatch struct {
	ID               BatchID
	MerchantID       MerchantID
	Filename         string
	TotalRecords     int
	MatchedRecords   int
	UnmatchedRecords int
	Status           BatchStatus
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

type ReconciliationRecord struct {
	ID               RecordID
	BatchID          BatchID
	BillID           string
	CSVAmount        string
	CSVDate          string
	IsMatched        bool
	MatchedVoucherID VoucherID
}
