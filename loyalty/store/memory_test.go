package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

var now = time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	// GIVEN: An empty store
	ctx := context.Background()
	mem := store.NewMemory()
	key := loyalty.BalanceKey{DinerID: "d-1", MerchantID: "m-1"}
	boom := errors.New("boom")

	// WHEN: A transaction writes and then fails
	err := mem.WithTx(ctx, func(tx loyalty.Tx) error {
		b := loyalty.NewBalance(key, now)
		b.PointsCredits = 3
		require.NoError(t, tx.SaveBalance(ctx, *b))
		require.NoError(t, tx.InsertVoucher(ctx, loyalty.Voucher{ID: "v-1", DinerID: "d-1", MerchantID: "m-1"}))
		require.NoError(t, tx.AppendRecords(ctx, []loyalty.ReconciliationRecord{{ID: "r-1", BatchID: "batch-1"}}))
		return boom
	})

	// THEN: Nothing is visible
	assert.ErrorIs(t, err, boom)
	b, err := mem.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, b)
	v, err := mem.GetVoucher(ctx, "v-1")
	require.NoError(t, err)
	assert.Nil(t, v)
	records, err := mem.ListRecords(ctx, "batch-1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMemory_MarkVoucherRedeemedIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.InsertVoucher(ctx, loyalty.Voucher{ID: "v-1", MerchantID: "m-1"})
	}))

	var first, second bool
	require.NoError(t, mem.WithTx(ctx, func(tx loyalty.Tx) error {
		var err error
		first, err = tx.MarkVoucherRedeemed(ctx, "v-1", loyalty.Redemption{At: now, BillID: "B-1", Code: "ABCD2345"})
		if err != nil {
			return err
		}
		second, err = tx.MarkVoucherRedeemed(ctx, "v-1", loyalty.Redemption{At: now, BillID: "B-2", Code: "ZZZZ9999"})
		return err
	}))

	assert.True(t, first)
	assert.False(t, second)

	v, err := mem.GetVoucher(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, "B-1", v.RedeemedBillID)
	assert.Equal(t, "ABCD2345", v.RedemptionCode)
}

func TestMemory_ClearBindingOnlyForMatchingCode(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	binding := loyalty.PresentationBinding{DinerID: "d-1", VoucherID: "v-1", Code: "NEWCODE2", IssuedAt: now}

	require.NoError(t, mem.WithTx(ctx, func(tx loyalty.Tx) error {
		require.NoError(t, tx.SetBinding(ctx, binding))

		cleared, err := tx.ClearBinding(ctx, "d-1", "OLDCODE2")
		require.NoError(t, err)
		assert.False(t, cleared, "stale code must not clear a newer binding")

		found, err := tx.FindBindingByCode(ctx, "NEWCODE2")
		require.NoError(t, err)
		assert.Equal(t, &binding, found)
		return nil
	}))

	got, err := mem.GetBinding(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, &binding, got)
}

func TestMemory_ListActiveVoucherTypesOrderedByTitle(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	for _, vt := range []loyalty.VoucherType{
		{ID: "vt-3", MerchantID: "m-1", Title: "Zest", EarningMode: loyalty.EarnPoints, Active: true},
		{ID: "vt-1", MerchantID: "m-1", Title: "Apple", EarningMode: loyalty.EarnPoints, Active: true},
		{ID: "vt-2", MerchantID: "m-1", Title: "Mango", EarningMode: loyalty.EarnPoints},
		{ID: "vt-4", MerchantID: "m-1", Title: "Beans", EarningMode: loyalty.EarnVisits, Active: true},
		{ID: "vt-5", MerchantID: "m-2", Title: "Other", EarningMode: loyalty.EarnPoints, Active: true},
	} {
		require.NoError(t, mem.SaveVoucherType(ctx, vt))
	}

	types, err := mem.ListActiveVoucherTypes(ctx, "m-1", loyalty.EarnPoints)
	require.NoError(t, err)

	require.Len(t, types, 2)
	assert.Equal(t, "Apple", types[0].Title)
	assert.Equal(t, "Zest", types[1].Title)
}

func TestMemory_FindVoucherByBillOnlyRedeemed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	redeemedAt := now
	require.NoError(t, mem.WithTx(ctx, func(tx loyalty.Tx) error {
		require.NoError(t, tx.InsertVoucher(ctx, loyalty.Voucher{ID: "v-open", MerchantID: "m-1"}))
		return tx.InsertVoucher(ctx, loyalty.Voucher{
			ID: "v-used", MerchantID: "m-1", IsRedeemed: true, RedeemedAt: &redeemedAt, RedeemedBillID: "INV-1",
		})
	}))

	require.NoError(t, mem.WithTx(ctx, func(tx loyalty.Tx) error {
		v, err := tx.FindVoucherByBill(ctx, "m-1", "INV-1")
		require.NoError(t, err)
		require.NotNil(t, v)
		assert.Equal(t, loyalty.VoucherID("v-used"), v.ID)

		none, err := tx.FindVoucherByBill(ctx, "m-2", "INV-1")
		require.NoError(t, err)
		assert.Nil(t, none)
		return nil
	}))
}
