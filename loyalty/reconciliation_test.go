package loyalty_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
)

// redeemWithBill presents and redeems a fresh dessert voucher quoting billID.
func (f *fixture) redeemWithBill(t *testing.T, diner loyalty.DinerID, billID string) loyalty.Voucher {
	t.Helper()
	v := f.voucherFor(t, diner, bistro, dessert, "1000")
	p, err := f.engine.PresentVoucher(f.ctx, diner, v.ID)
	require.NoError(t, err)
	res, err := f.engine.RedeemByCode(f.ctx, loyalty.RedeemByCodeInput{MerchantID: bistro, Code: p.Code, BillID: billID})
	require.NoError(t, err)
	return res.Voucher
}

func TestProcessBatch_Summary(t *testing.T) {
	// GIVEN: Three redeemed vouchers quoting bills INV-1..3
	f := newFixture(t)
	for _, bill := range []string{"INV-1", "INV-2", "INV-3"} {
		f.redeemWithBill(t, alice, bill)
	}
	csvText := strings.Join([]string{
		"invoice_id,amount,date",
		"INV-1,120.00,2025-03-01",
		"INV-2,80.00,2025-03-01",
		"INV-3,55.50,2025-03-02",
		"INV-9,10.00,2025-03-02",
		"INV-10,12.00,2025-03-03",
	}, "\n")

	// WHEN: The settlement export is processed
	res, err := f.engine.ProcessBatch(f.ctx, bistro, "march.csv", csvText)
	require.NoError(t, err)

	// THEN: 5 records, 3 matched, 2 unmatched, batch completed
	assert.Equal(t, loyalty.BatchSummary{Total: 5, Matched: 3, Unmatched: 2}, res.Summary)
	assert.Equal(t, loyalty.BatchCompleted, res.Batch.Status)
	assert.NotNil(t, res.Batch.CompletedAt)
	assert.Equal(t, 5, res.Batch.TotalRecords)
	assert.Equal(t, 3, res.Batch.MatchedRecords)
	assert.Equal(t, 2, res.Batch.UnmatchedRecords)
	require.Len(t, res.Records, 5)
	assert.True(t, res.Records[0].IsMatched)
	assert.NotEmpty(t, res.Records[0].MatchedVoucherID)
	assert.False(t, res.Records[3].IsMatched)
	assert.Equal(t, "10.00", res.Records[3].CSVAmount)

	batches, err := f.engine.ListBatches(f.ctx, bistro)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, res.Batch.ID, batches[0].ID)
}

func TestProcessBatch_OnlyMatchesOwnMerchant(t *testing.T) {
	f := newFixture(t)
	f.redeemWithBill(t, alice, "INV-1")

	res, err := f.engine.ProcessBatch(f.ctx, grill, "grill.csv", "bill_id\nINV-1\n")
	require.NoError(t, err)

	assert.Equal(t, loyalty.BatchSummary{Total: 1, Matched: 0, Unmatched: 1}, res.Summary)
}

func TestProcessBatch_MissingBillColumn(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.ProcessBatch(f.ctx, bistro, "bad.csv", "amount,date\n10,2025-01-01\n")

	assert.ErrorIs(t, err, loyalty.ErrValidation)
	batches, err := f.engine.ListBatches(f.ctx, bistro)
	require.NoError(t, err)
	assert.Empty(t, batches, "nothing persisted for an unparseable file")
}

func TestBatchDetail_Variance(t *testing.T) {
	// GIVEN: A transaction of 100.00 and a redemption both quoting INV-7
	f := newFixture(t)
	_, err := f.engine.RecordTransaction(f.ctx, loyalty.RecordTransactionInput{
		DinerID: bob, MerchantID: bistro, Amount: amount("100.00"), BillID: "INV-7",
	})
	require.NoError(t, err)
	v := f.redeemWithBill(t, alice, "INV-7")

	// WHEN: The export reports R105.00 for that bill
	res, err := f.engine.ProcessBatch(f.ctx, bistro, "x.csv", "Invoice Number,Total\nINV-7,\"R105.00\"\nINV-8,\"R1,000.00\"\n")
	require.NoError(t, err)

	detail, err := f.engine.BatchDetail(f.ctx, bistro, res.Batch.ID)
	require.NoError(t, err)
	require.Len(t, detail.Records, 2)

	// THEN: variance = 105.00 - 100.00
	d := detail.Records[0]
	assert.Equal(t, "Free Dessert", d.VoucherTitle)
	assert.Equal(t, v.ID, d.Record.MatchedVoucherID)
	require.NotNil(t, d.RedeemedAt)
	require.NotNil(t, d.Variance)
	assert.True(t, d.Variance.Equal(amount("5.00")), "got %s", d.Variance)
	assert.True(t, d.RecordedAmount.Equal(amount("100")))

	// No transaction for INV-8: no variance.
	assert.Nil(t, detail.Records[1].Variance)
	assert.Empty(t, detail.Records[1].VoucherTitle)
}

func TestBatchDetail_OtherMerchantNotFound(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.ProcessBatch(f.ctx, bistro, "x.csv", "ref\nA\n")
	require.NoError(t, err)

	_, err = f.engine.BatchDetail(f.ctx, grill, res.Batch.ID)

	assert.True(t, loyalty.IsNotFound(err))
}
