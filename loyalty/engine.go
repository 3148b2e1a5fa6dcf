package loyalty

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultCodeTTL is how long a presentation code stays redeemable.
const DefaultCodeTTL = 15 * time.Minute

// DefaultCodeLength is the number of characters in a presentation code.
const DefaultCodeLength = 8

// DefaultMaxSpend is the largest amount a single transaction may report.
var DefaultMaxSpend = decimal.NewFromInt(1_000_000)

// MaxAutoIssuePerEvent caps vouchers issued automatically by one event.
// Credits left over stay in the pool for RedeemCredit.
const MaxAutoIssuePerEvent = 50

// Persistence is what the engine needs from storage.
type Persistence interface {
	Store
	Admin
}

// Metrics receives engine outcomes. Implementations must be safe for
// concurrent use; see observability.Metrics.
//
//go:generate mockgen -destination=mocks/mock_metrics.go -package=mock_loyalty github.com/warp/loyalty-engine/loyalty Metrics
type Metrics interface {
	TransactionRecorded()
	CreditsEarned(mode EarningMode, n int64)
	VoucherIssued(source IssueSource)
	CodePresented()
	RedemptionAttempt(outcome string)
	ReconciliationRecords(matched, unmatched int)
}

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	CodeTTL    time.Duration
	CodeLength int
	MaxSpend   decimal.Decimal
	Now        func() time.Time
	Logger     *slog.Logger
	Metrics    Metrics
}

// Engine runs the ledger, issuer, presentation, redemption and
// reconciliation operations against a Persistence.
type Engine struct {
	store      Persistence
	codeTTL    time.Duration
	codeLength int
	maxSpend   decimal.Decimal
	now        func() time.Time
	log        *slog.Logger
	metrics    Metrics
}

func NewEngine(store Persistence, opts Options) *Engine {
	e := &Engine{
		store:      store,
		codeTTL:    opts.CodeTTL,
		codeLength: opts.CodeLength,
		maxSpend:   opts.MaxSpend,
		now:        opts.Now,
		log:        opts.Logger,
		metrics:    opts.Metrics,
	}
	if e.codeTTL <= 0 {
		e.codeTTL = DefaultCodeTTL
	}
	if e.codeLength <= 0 {
		e.codeLength = DefaultCodeLength
	}
	if !e.maxSpend.IsPositive() {
		e.maxSpend = DefaultMaxSpend
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = nopMetrics{}
	}
	e.log = e.log.With(slog.String("component", "loyalty"))
	return e
}

// CodeTTL returns the configured presentation code validity window.
func (e *Engine) CodeTTL() time.Duration { return e.codeTTL }

// Now returns the engine clock, used to derive voucher status.
func (e *Engine) Now() time.Time { return e.now() }

// =============================================================================
// READ ACCESSORS
// =============================================================================

// Balances returns every balance row the diner holds.
func (e *Engine) Balances(ctx context.Context, dinerID DinerID) ([]Balance, error) {
	if _, err := requireDiner(ctx, e.store, dinerID); err != nil {
		return nil, err
	}
	return e.store.ListBalances(ctx, dinerID)
}

// Balance returns one balance row, or NotFound when nothing was recorded yet.
func (e *Engine) Balance(ctx context.Context, key BalanceKey) (*Balance, error) {
	b, err := e.store.GetBalance(ctx, key)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, notFound("no balance for diner %s at merchant %s", key.DinerID, key.MerchantID)
	}
	return b, nil
}

// Vouchers lists the diner's vouchers, optionally for one merchant.
func (e *Engine) Vouchers(ctx context.Context, filter VoucherFilter) ([]Voucher, error) {
	if _, err := requireDiner(ctx, e.store, filter.DinerID); err != nil {
		return nil, err
	}
	return e.store.ListVouchers(ctx, filter)
}

// Transactions lists recorded events for a diner, optionally for one merchant.
func (e *Engine) Transactions(ctx context.Context, dinerID DinerID, merchantID MerchantID) ([]Transaction, error) {
	return e.store.ListTransactions(ctx, dinerID, merchantID)
}

// ActivePresentation returns the diner's current binding, if any.
func (e *Engine) ActivePresentation(ctx context.Context, dinerID DinerID) (*Presentation, error) {
	b, err := e.store.GetBinding(ctx, dinerID)
	if err != nil || b == nil {
		return nil, err
	}
	return &Presentation{
		Code:      b.Code,
		VoucherID: b.VoucherID,
		IssuedAt:  b.IssuedAt,
		ExpiresAt: b.ExpiresAt(e.codeTTL),
	}, nil
}

// DeleteDiner removes the diner together with their balances and binding.
func (e *Engine) DeleteDiner(ctx context.Context, dinerID DinerID) error {
	if _, err := requireDiner(ctx, e.store, dinerID); err != nil {
		return err
	}
	if err := e.store.DeleteDiner(ctx, dinerID); err != nil {
		return err
	}
	e.log.Info("diner deleted", slog.String("diner_id", string(dinerID)))
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func requireMerchant(ctx context.Context, d Directory, id MerchantID) (*Merchant, error) {
	m, err := d.GetMerchant(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, notFound("merchant %s not found", id)
	}
	return m, nil
}

func requireDiner(ctx context.Context, d Directory, id DinerID) (*Diner, error) {
	if id == "" {
		return nil, invalid("diner is required")
	}
	diner, err := d.GetDiner(ctx, id)
	if err != nil {
		return nil, err
	}
	if diner == nil {
		return nil, notFound("diner %s not found", id)
	}
	return diner, nil
}

// requireMerchantBranch checks that branch exists and belongs to merchant.
func requireMerchantBranch(ctx context.Context, d Directory, merchant *Merchant, id BranchID) (*Branch, error) {
	branch, err := d.GetBranch(ctx, id)
	if err != nil {
		return nil, err
	}
	if branch == nil || branch.MerchantID != merchant.ID {
		return nil, invalid("branch %s does not belong to %s", id, merchant.Name)
	}
	return branch, nil
}

// scopeBranch applies the merchant's loyalty scope to a supplied branch and
// returns the branch component of the balance key.
func scopeBranch(ctx context.Context, d Directory, merchant *Merchant, id BranchID) (BranchID, error) {
	if id != "" {
		branch, err := requireMerchantBranch(ctx, d, merchant, id)
		if err != nil {
			return "", err
		}
		if merchant.LoyaltyScope == ScopeBranch && !branch.IsActive {
			return "", invalid("branch %s is not active", branch.Name)
		}
	}
	if merchant.LoyaltyScope == ScopeBranch {
		if id == "" {
			return "", invalid("a branch is required: %s tracks loyalty per branch", merchant.Name)
		}
		return id, nil
	}
	return "", nil
}

func newID() string { return uuid.NewString() }

// maskCode keeps presentation codes out of logs.
func maskCode(code string) string {
	if len(code) <= 2 {
		return "**"
	}
	return code[:2] + "******"
}

type nopMetrics struct{}

func (nopMetrics) TransactionRecorded()             {}
func (nopMetrics) CreditsEarned(EarningMode, int64) {}
func (nopMetrics) VoucherIssued(IssueSource)        {}
func (nopMetrics) CodePresented()                   {}
func (nopMetrics) RedemptionAttempt(string)         {}
func (nopMetrics) ReconciliationRecords(int, int)   {}
