package loyalty_test

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
)

func ptr[T any](v T) *T { return &v }

func TestSettingsPatch_Apply(t *testing.T) {
	base := loyalty.Merchant{
		ID:                bistro,
		Currency:          "ZAR",
		PointsPerCurrency: decimal.NewFromInt(1),
		PointsThreshold:   1000,
		VisitThreshold:    5,
		LoyaltyScope:      loyalty.ScopeOrganization,
		VoucherScope:      loyalty.RedeemAllBranches,
	}

	tests := []struct {
		name    string
		patch   loyalty.SettingsPatch
		check   func(t *testing.T, m loyalty.Merchant)
		wantErr bool
	}{
		{
			name:  "empty patch changes nothing",
			patch: loyalty.SettingsPatch{},
			check: func(t *testing.T, m loyalty.Merchant) { assert.Equal(t, base, m) },
		},
		{
			name:  "rate and thresholds",
			patch: loyalty.SettingsPatch{PointsPerCurrency: ptr(decimal.RequireFromString("0.5")), PointsThreshold: ptr(int64(200)), VisitThreshold: ptr(int64(0))},
			check: func(t *testing.T, m loyalty.Merchant) {
				assert.Equal(t, "0.5", m.PointsPerCurrency.String())
				assert.Equal(t, int64(200), m.PointsThreshold)
				assert.Equal(t, int64(0), m.VisitThreshold)
			},
		},
		{
			name:  "currency is upper-cased",
			patch: loyalty.SettingsPatch{Currency: ptr(" usd ")},
			check: func(t *testing.T, m loyalty.Merchant) { assert.Equal(t, "USD", m.Currency) },
		},
		{
			name:  "scopes and auto issue",
			patch: loyalty.SettingsPatch{LoyaltyScope: ptr(loyalty.ScopeBranch), VoucherScope: ptr(loyalty.RedeemSpecificBranches), AutoIssueVouchers: ptr(true)},
			check: func(t *testing.T, m loyalty.Merchant) {
				assert.Equal(t, loyalty.ScopeBranch, m.LoyaltyScope)
				assert.Equal(t, loyalty.RedeemSpecificBranches, m.VoucherScope)
				assert.True(t, m.AutoIssueVouchers)
			},
		},
		{name: "negative rate", patch: loyalty.SettingsPatch{PointsPerCurrency: ptr(decimal.NewFromInt(-1))}, wantErr: true},
		{name: "negative threshold", patch: loyalty.SettingsPatch{PointsThreshold: ptr(int64(-5))}, wantErr: true},
		{name: "unknown scope", patch: loyalty.SettingsPatch{LoyaltyScope: ptr(loyalty.LoyaltyScope("galaxy"))}, wantErr: true},
		{name: "unknown voucher scope", patch: loyalty.SettingsPatch{VoucherScope: ptr(loyalty.RedemptionScope("nowhere"))}, wantErr: true},
		{name: "blank currency", patch: loyalty.SettingsPatch{Currency: ptr("  ")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := tt.patch.Apply(base)
			if tt.wantErr {
				assert.ErrorIs(t, err, loyalty.ErrValidation)
				return
			}
			require.NoError(t, err)
			tt.check(t, m)
		})
	}
}

func TestUpdateMerchantSettings_ConcurrentPatchesAllLand(t *testing.T) {
	// GIVEN: Four patches, each touching a different field
	f := newFixture(t)
	patches := []loyalty.SettingsPatch{
		{PointsThreshold: ptr(int64(500))},
		{VisitThreshold: ptr(int64(9))},
		{AutoIssueVouchers: ptr(true)},
		{Currency: ptr("usd")},
	}

	// WHEN: They arrive at the same time
	var wg sync.WaitGroup
	for _, p := range patches {
		wg.Add(1)
		go func(p loyalty.SettingsPatch) {
			defer wg.Done()
			_, err := f.engine.UpdateMerchantSettings(f.ctx, bistro, p)
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()

	// THEN: None of them overwrote another
	m, err := f.store.GetMerchant(f.ctx, bistro)
	require.NoError(t, err)
	assert.Equal(t, int64(500), m.PointsThreshold)
	assert.Equal(t, int64(9), m.VisitThreshold)
	assert.True(t, m.AutoIssueVouchers)
	assert.Equal(t, "USD", m.Currency)
}

func TestUpdateMerchantSettings_ScopeChangeKeepsOldRows(t *testing.T) {
	// GIVEN: Alice has an organization-wide balance
	f := newFixture(t)
	f.spend(t, alice, bistro, "300")

	// WHEN: The merchant switches to per-branch loyalty and Alice visits Sea Point
	updated, err := f.engine.UpdateMerchantSettings(f.ctx, bistro, loyalty.SettingsPatch{LoyaltyScope: ptr(loyalty.ScopeBranch)})
	require.NoError(t, err)
	assert.Equal(t, t0, updated.UpdatedAt)

	_, err = f.engine.RecordTransaction(f.ctx, loyalty.RecordTransactionInput{
		DinerID: alice, MerchantID: bistro, Amount: amount("50"), BranchID: seaPoint,
	})
	require.NoError(t, err)

	// THEN: The old row is untouched and a new branch row exists
	balances, err := f.engine.Balances(f.ctx, alice)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, loyalty.BranchID(""), balances[0].Key.BranchID)
	assert.Equal(t, int64(300), balances[0].CurrentPoints)
	assert.Equal(t, seaPoint, balances[1].Key.BranchID)
	assert.Equal(t, int64(50), balances[1].CurrentPoints)
}

func TestUpdateMerchantSettings_UnknownMerchant(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.UpdateMerchantSettings(f.ctx, "m-nope", loyalty.SettingsPatch{})
	assert.True(t, loyalty.IsNotFound(err))
}
