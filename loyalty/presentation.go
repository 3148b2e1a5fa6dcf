/*
presentation.go - Stage one of the two-stage redemption protocol

PURPOSE:
  The diner picks a voucher and the engine hands back a short-lived code to
  show staff. The code is what crosses the counter; the voucher id never
  does.

SINGLE ACTIVE CODE:
  A diner holds at most one binding. Presenting again, for the same or a
  different voucher, replaces it and the previous code stops working.

CODE FORMAT:
  DefaultCodeLength characters from an alphabet without 0/O and 1/I, so a
  code read aloud or typed by staff is unambiguous. Codes come from
  crypto/rand and are unique among active bindings and consumed codes.
*/
package loyalty

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"
)

// CodeAlphabet is the set of characters presentation codes are drawn from.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const maxCodeAttempts = 8

// Presentation is the code a diner shows at the counter.
type Presentation struct {
	Code      string
	VoucherID VoucherID
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// PresentVoucher binds a fresh code to the diner's voucher, replacing any
// code the diner held before.
func (e *Engine) PresentVoucher(ctx context.Context, dinerID DinerID, voucherID VoucherID) (*Presentation, error) {
	var binding PresentationBinding
	err := e.store.WithTx(ctx, func(tx Tx) error {
		if _, err := requireDiner(ctx, tx, dinerID); err != nil {
			return err
		}
		v, err := tx.GetVoucher(ctx, voucherID)
		if err != nil {
			return err
		}
		if v == nil || v.DinerID != dinerID {
			return notFound("voucher %s not found", voucherID)
		}

		now := e.now()
		if v.IsRedeemed {
			return invalidState(ReasonAlreadyRedeemed)
		}
		if v.Expired(now) {
			return invalidState(ReasonExpired)
		}

		code, err := e.uniqueCode(ctx, tx)
		if err != nil {
			return err
		}
		binding = PresentationBinding{
			DinerID:   dinerID,
			VoucherID: v.ID,
			Code:      code,
			IssuedAt:  now,
		}
		return tx.SetBinding(ctx, binding)
	})
	if err != nil {
		return nil, err
	}

	e.metrics.CodePresented()
	e.log.Info("voucher presented",
		slog.String("diner_id", string(dinerID)),
		slog.String("voucher_id", string(voucherID)),
		slog.String("code", maskCode(binding.Code)),
	)
	return &Presentation{
		Code:      binding.Code,
		VoucherID: binding.VoucherID,
		IssuedAt:  binding.IssuedAt,
		ExpiresAt: binding.ExpiresAt(e.codeTTL),
	}, nil
}

// uniqueCode draws codes until one is free among active bindings and
// consumed redemption codes.
func (e *Engine) uniqueCode(ctx context.Context, tx Tx) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := NewCode(e.codeLength)
		if err != nil {
			return "", err
		}
		b, err := tx.FindBindingByCode(ctx, code)
		if err != nil {
			return "", err
		}
		if b != nil {
			continue
		}
		v, err := tx.FindVoucherByRedemptionCode(ctx, code)
		if err != nil {
			return "", err
		}
		if v == nil {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique presentation code after %d attempts", maxCodeAttempts)
}

// NewCode returns n random characters from CodeAlphabet.
func NewCode(n int) (string, error) {
	max := big.NewInt(int64(len(CodeAlphabet)))
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		sb.WriteByte(CodeAlphabet[idx.Int64()])
	}
	return sb.String(), nil
}

// NormalizeCode uppercases a staff-entered code and drops spaces and dashes.
func NormalizeCode(code string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == ' ' || r == '-' || r == '\t':
			return -1
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		}
		return r
	}, strings.TrimSpace(code))
}
