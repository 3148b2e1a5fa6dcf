/*
ledger.go - Applies spend/visit events to balance rows

PURPOSE:
  RecordTransaction is the single entry point for merchant-reported events.
  It appends an immutable Transaction, updates exactly one Balance row and,
  when the merchant enables it, issues vouchers from freshly earned credits.

ALGORITHM:
  1. pointsEarned = floor(amount * merchant.PointsPerCurrency); amounts above
     the spend limit or points above MaxEventPoints are rejected
  2. Select the balance row for (diner, merchant, scoped branch), creating it
     lazily on the first event for that key
  3. ApplyEvent: add points, +1 visit, credit both pools by division
  4. Optional auto issuance for every pool that grew, capped per event
  5. Persist transaction, vouchers and balance in one storage transaction

CONCURRENCY:
  The balance is read through Tx.LockBalance, so two events for the same key
  never interleave their read-modify-write. A lost increment here is the
  worst correctness bug the engine can have.

EXAMPLE:
  pointsPerCurrency=1, pointsThreshold=1000, three events of 400:
    after 1: currentPoints=400
    after 2: currentPoints=800
    after 3: currentPoints=200, pointsCredits+1
*/
package loyalty

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
)

// RecordTransactionInput describes one spend/visit event.
type RecordTransactionInput struct {
	DinerID    DinerID
	MerchantID MerchantID
	Amount     decimal.Decimal
	BillID     string   // optional external bill identifier
	BranchID   BranchID // mandatory when the merchant tracks loyalty per branch
}

// TransactionResult is what RecordTransaction committed.
type TransactionResult struct {
	Transaction   Transaction
	Balance       Balance
	CreditsEarned CreditsEarned
	Vouchers      []Voucher // auto-issued, possibly empty
}

// RecordTransaction applies a spend/visit event to the diner's balance.
func (e *Engine) RecordTransaction(ctx context.Context, in RecordTransactionInput) (*TransactionResult, error) {
	if in.Amount.IsNegative() {
		return nil, invalid("amount must not be negative")
	}
	if in.Amount.GreaterThan(e.maxSpend) {
		return nil, invalid("amount %s exceeds the %s limit per transaction", in.Amount, e.maxSpend)
	}

	var result TransactionResult
	err := e.store.WithTx(ctx, func(tx Tx) error {
		merchant, err := requireMerchant(ctx, tx, in.MerchantID)
		if err != nil {
			return err
		}
		if _, err := requireDiner(ctx, tx, in.DinerID); err != nil {
			return err
		}
		scoped, err := scopeBranch(ctx, tx, merchant, in.BranchID)
		if err != nil {
			return err
		}

		now := e.now()
		key := BalanceKey{DinerID: in.DinerID, MerchantID: merchant.ID, BranchID: scoped}
		balance, err := tx.LockBalance(ctx, key)
		if err != nil {
			return err
		}
		if balance == nil {
			balance = NewBalance(key, now)
		}

		points, err := PointsFor(in.Amount, merchant.PointsPerCurrency)
		if err != nil {
			return err
		}
		earned := ApplyEvent(balance, points, merchant.Thresholds())
		balance.UpdatedAt = now

		txn := Transaction{
			ID:           TransactionID(newID()),
			DinerID:      in.DinerID,
			MerchantID:   merchant.ID,
			BranchID:     in.BranchID,
			Amount:       in.Amount,
			PointsEarned: points,
			BillID:       in.BillID,
			CreatedAt:    now,
		}
		if err := tx.AppendTransaction(ctx, txn); err != nil {
			return err
		}

		var vouchers []Voucher
		if merchant.AutoIssueVouchers && earned.Total() > 0 {
			vouchers, err = e.autoIssue(ctx, tx, merchant, balance, earned, in.BranchID)
			if err != nil {
				return err
			}
		}

		if err := tx.SaveBalance(ctx, *balance); err != nil {
			return err
		}

		result = TransactionResult{
			Transaction:   txn,
			Balance:       *balance,
			CreditsEarned: earned,
			Vouchers:      vouchers,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.TransactionRecorded()
	for _, mode := range EarningModes {
		if n := result.CreditsEarned.For(mode); n > 0 {
			e.metrics.CreditsEarned(mode, n)
		}
	}
	for range result.Vouchers {
		e.metrics.VoucherIssued(SourceAuto)
	}

	e.log.Info("transaction recorded",
		slog.String("transaction_id", string(result.Transaction.ID)),
		slog.String("diner_id", string(in.DinerID)),
		slog.String("merchant_id", string(in.MerchantID)),
		slog.Int64("points_earned", result.Transaction.PointsEarned),
		slog.Int64("points_credits_earned", result.CreditsEarned.Points),
		slog.Int64("visit_credits_earned", result.CreditsEarned.Visits),
		slog.Int("vouchers_issued", len(result.Vouchers)),
	)
	return &result, nil
}
