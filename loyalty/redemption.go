/*
redemption.go - Stage two: staff consume a presented code

VALIDATION ORDER (each step is a distinct failure):
  1. Code resolves to an active binding        else NotFound (present again)
  2. Binding younger than the code TTL         else InvalidState "code expired"
                                                    and the binding is cleared
  3. Voucher belongs to the redeeming merchant else ScopeViolation naming the owner
  4. Supplied branch is on the type allow-list else ScopeViolation listing branches
  5. Voucher not redeemed and not expired      else InvalidState
  6. Compare-and-swap isRedeemed false -> true, then clear the binding

DOUBLE REDEMPTION:
  Step 6 only succeeds for the first caller that observes isRedeemed=false.
  A later caller finds the binding gone; the consumed code is still stored
  on the voucher, so step 1 reports "already redeemed" rather than asking
  for a new code. Repeating a successful redemption is therefore stable.
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// RedeemByCodeInput is what the merchant's staff submit at the counter.
type RedeemByCodeInput struct {
	MerchantID MerchantID
	Code       string
	BillID     string   // optional, used by reconciliation
	BranchID   BranchID // optional
}

// RedemptionResult is returned on success.
type RedemptionResult struct {
	Voucher Voucher
	Message string
}

// Outcome labels reported to Metrics.RedemptionAttempt.
const (
	OutcomeSuccess         = "success"
	OutcomeNotFound        = "not_found"
	OutcomeCodeExpired     = "code_expired"
	OutcomeScopeViolation  = "scope_violation"
	OutcomeAlreadyRedeemed = "already_redeemed"
	OutcomeExpired         = "expired"
	OutcomeInvalid         = "invalid"
	OutcomeError           = "error"
)

// RedeemByCode validates a presented code and marks its voucher redeemed
// exactly once.
func (e *Engine) RedeemByCode(ctx context.Context, in RedeemByCodeInput) (*RedemptionResult, error) {
	code := NormalizeCode(in.Code)
	if code == "" {
		e.metrics.RedemptionAttempt(OutcomeInvalid)
		return nil, invalid("a redemption code is required")
	}

	var (
		voucher Voucher
		diner   DinerID
		// failure is returned after commit so the expired binding is cleared
		// even though the redemption itself fails.
		failure error
	)
	err := e.store.WithTx(ctx, func(tx Tx) error {
		merchant, err := requireMerchant(ctx, tx, in.MerchantID)
		if err != nil {
			return err
		}
		if in.BranchID != "" {
			if _, err := requireMerchantBranch(ctx, tx, merchant, in.BranchID); err != nil {
				return err
			}
		}

		// 1. Resolve the binding.
		binding, err := tx.FindBindingByCode(ctx, code)
		if err != nil {
			return err
		}
		if binding == nil {
			used, err := tx.FindVoucherByRedemptionCode(ctx, code)
			if err != nil {
				return err
			}
			if used != nil && used.MerchantID == merchant.ID {
				return invalidState(ReasonAlreadyRedeemed)
			}
			return notFound(ReasonPresentAgain)
		}
		diner = binding.DinerID

		// 2. Code TTL, independent of voucher expiry.
		now := e.now()
		if now.After(binding.ExpiresAt(e.codeTTL)) {
			if _, err := tx.ClearBinding(ctx, binding.DinerID, binding.Code); err != nil {
				return err
			}
			failure = invalidState(ReasonCodeExpired)
			return nil
		}

		// 3. Merchant ownership.
		v, err := tx.GetVoucher(ctx, binding.VoucherID)
		if err != nil {
			return err
		}
		if v == nil {
			return notFound(ReasonPresentAgain)
		}
		if v.MerchantID != merchant.ID {
			owner, err := tx.GetMerchant(ctx, v.MerchantID)
			if err != nil {
				return err
			}
			name := string(v.MerchantID)
			if owner != nil {
				name = owner.Name
			}
			return wrongMerchant(name)
		}

		// 4. Branch allow-list.
		if in.BranchID != "" {
			vt, err := tx.GetVoucherType(ctx, v.VoucherTypeID)
			if err != nil {
				return err
			}
			if vt != nil && vt.Restricted(merchant.VoucherScope) && !vt.AllowsBranch(in.BranchID) {
				names, err := branchNames(ctx, tx, vt.EligibleBranches)
				if err != nil {
					return err
				}
				return ineligibleBranch(names)
			}
		}

		// 5. Voucher state.
		if v.IsRedeemed {
			return invalidState(ReasonAlreadyRedeemed)
		}
		if v.Expired(now) {
			return invalidState(ReasonExpired)
		}

		// 6. Consume.
		redemption := Redemption{At: now, BillID: in.BillID, BranchID: in.BranchID, Code: code}
		ok, err := tx.MarkVoucherRedeemed(ctx, v.ID, redemption)
		if err != nil {
			return err
		}
		if !ok {
			return invalidState(ReasonAlreadyRedeemed)
		}
		if _, err := tx.ClearBinding(ctx, binding.DinerID, code); err != nil {
			return err
		}

		v.IsRedeemed = true
		v.RedeemedAt = &redemption.At
		v.RedeemedBillID = in.BillID
		v.RedeemedBranchID = in.BranchID
		v.RedemptionCode = code
		voucher = *v
		return nil
	})
	if err == nil {
		err = failure
	}

	e.metrics.RedemptionAttempt(redemptionOutcome(err))
	if err != nil {
		e.log.Info("redemption rejected",
			slog.String("merchant_id", string(in.MerchantID)),
			slog.String("code", maskCode(code)),
			slog.String("reason", Reason(err)),
		)
		return nil, err
	}

	e.log.Info("voucher redeemed",
		slog.String("voucher_id", string(voucher.ID)),
		slog.String("diner_id", string(diner)),
		slog.String("merchant_id", string(in.MerchantID)),
		slog.String("bill_id", in.BillID),
	)
	return &RedemptionResult{
		Voucher: voucher,
		Message: fmt.Sprintf("Voucher %q redeemed successfully", voucher.Title),
	}, nil
}

// branchNames resolves branch ids to display names, keeping the id when a
// branch no longer exists.
func branchNames(ctx context.Context, d Directory, ids []BranchID) ([]string, error) {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		b, err := d.GetBranch(ctx, id)
		if err != nil {
			return nil, err
		}
		if b == nil {
			names = append(names, string(id))
			continue
		}
		names = append(names, b.Name)
	}
	return names, nil
}

func redemptionOutcome(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	switch Reason(err) {
	case ReasonCodeExpired:
		return OutcomeCodeExpired
	case ReasonAlreadyRedeemed:
		return OutcomeAlreadyRedeemed
	case ReasonExpired:
		return OutcomeExpired
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrScopeViolation):
		return OutcomeScopeViolation
	case errors.Is(err, ErrValidation):
		return OutcomeInvalid
	}
	return OutcomeError
}
