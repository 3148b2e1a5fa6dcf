/*
issuer.go - Converts credits into concrete vouchers

ENTRY POINTS:
  RedeemCredit: the diner explicitly spends credits on a voucher type.
  autoIssue:    called by RecordTransaction inside its storage transaction;
                for every pool that just grew, each active voucher type of
                that earning mode issues vouchers while the pool covers its
                cost. One event can yield zero, one or many vouchers.

ATOMICITY:
  Credit deduction, voucher insertion and TotalVouchersGenerated++ always
  happen in the same Store.WithTx. A failure at any step rolls back all of
  them: there is never a deducted credit without a voucher, or a voucher
  without its deduction.

NUMERICS:
  Pools, thresholds and costs are integers. No fractional credits.
*/
package loyalty

import (
	"context"
	"log/slog"
	"time"
)

// RedeemCreditInput selects the voucher type a diner wants to buy with credits.
type RedeemCreditInput struct {
	DinerID       DinerID
	MerchantID    MerchantID
	VoucherTypeID VoucherTypeID
	BranchID      BranchID
}

// RedeemCredit spends credits from the pool the voucher type's earning mode
// draws from and issues one voucher.
func (e *Engine) RedeemCredit(ctx context.Context, in RedeemCreditInput) (*Voucher, error) {
	var voucher Voucher
	err := e.store.WithTx(ctx, func(tx Tx) error {
		merchant, err := requireMerchant(ctx, tx, in.MerchantID)
		if err != nil {
			return err
		}
		if _, err := requireDiner(ctx, tx, in.DinerID); err != nil {
			return err
		}
		vt, err := tx.GetVoucherType(ctx, in.VoucherTypeID)
		if err != nil {
			return err
		}
		if vt == nil {
			return notFound("voucher type %s not found", in.VoucherTypeID)
		}
		if vt.MerchantID != merchant.ID {
			return invalid("voucher %q is not offered by %s", vt.Title, merchant.Name)
		}
		if !vt.Active {
			return invalid("voucher %q is no longer available", vt.Title)
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
			return &InsufficientCreditsError{Mode: vt.EarningMode, Available: 0, Required: vt.CreditsCost}
		}

		v, err := issue(ctx, tx, balance, *vt, SourceManual, in.BranchID, now)
		if err != nil {
			return err
		}
		balance.UpdatedAt = now
		if err := tx.SaveBalance(ctx, *balance); err != nil {
			return err
		}
		voucher = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.VoucherIssued(SourceManual)
	e.log.Info("voucher issued",
		slog.String("voucher_id", string(voucher.ID)),
		slog.String("diner_id", string(voucher.DinerID)),
		slog.String("merchant_id", string(voucher.MerchantID)),
		slog.String("source", string(SourceManual)),
	)
	return &voucher, nil
}

// autoIssue spends freshly grown pools on the merchant's active voucher types.
// It mutates balance; the caller saves it.
func (e *Engine) autoIssue(ctx context.Context, tx Tx, merchant *Merchant, balance *Balance, earned CreditsEarned, branch BranchID) ([]Voucher, error) {
	now := e.now()
	var issued []Voucher
	for _, mode := range EarningModes {
		if earned.For(mode) == 0 {
			continue
		}
		types, err := tx.ListActiveVoucherTypes(ctx, merchant.ID, mode)
		if err != nil {
			return nil, err
		}
		for _, vt := range types {
			if vt.CreditsCost <= 0 {
				continue
			}
			for balance.Credits(mode) >= vt.CreditsCost && len(issued) < MaxAutoIssuePerEvent {
				v, err := issue(ctx, tx, balance, vt, SourceAuto, branch, now)
				if err != nil {
					return nil, err
				}
				issued = append(issued, v)
			}
		}
	}
	return issued, nil
}

// issue deducts vt's cost from balance and inserts the voucher.
func issue(ctx context.Context, tx Tx, balance *Balance, vt VoucherType, source IssueSource, branch BranchID, now time.Time) (Voucher, error) {
	mode := vt.EarningMode
	if !mode.Valid() {
		return Voucher{}, invalid("voucher %q has unknown earning mode %q", vt.Title, mode)
	}
	if vt.CreditsCost <= 0 {
		return Voucher{}, invalid("voucher %q has no credit cost", vt.Title)
	}
	if available := balance.Credits(mode); available < vt.CreditsCost {
		return Voucher{}, &InsufficientCreditsError{Mode: mode, Available: available, Required: vt.CreditsCost}
	}

	balance.addCredits(mode, -vt.CreditsCost)
	balance.TotalVouchersGenerated++

	if branch == "" {
		branch = balance.Key.BranchID
	}
	v := Voucher{
		ID:            VoucherID(newID()),
		DinerID:       balance.Key.DinerID,
		MerchantID:    balance.Key.MerchantID,
		BranchID:      branch,
		VoucherTypeID: vt.ID,
		Title:         vt.Title,
		Source:        source,
		IssuedAt:      now,
		ExpiresAt:     now.AddDate(0, 0, vt.ValidityDays),
	}
	if err := tx.InsertVoucher(ctx, v); err != nil {
		return Voucher{}, err
	}
	return v, nil
}
