/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Merchants, branches and voucher types are created
	- Transactions go through the engine
	- Balances and vouchers match expected values

These tests run against SQLite so they double as store integration tests.
*/
package api

import (
	"context"
	"testing"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/store/sqlite"
)

func setupTestHandler(t *testing.T) *Handler {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return NewHandler(loyalty.NewEngine(store, loyalty.Options{}), store, nil)
}

func TestScenario_BistroBasics(t *testing.T) {
	// GIVEN: Bistro basics scenario
	// WHEN: Loading the scenario
	// THEN: Thandi holds 2 points credits and 1 visit credit in one org-wide row

	handler := setupTestHandler(t)
	ctx := context.Background()

	if err := handler.loadBistroBasics(ctx); err != nil {
		t.Fatalf("Failed to load bistro-basics scenario: %v", err)
	}

	balances, err := handler.Engine.Balances(ctx, "diner-thandi")
	if err != nil {
		t.Fatalf("Failed to list balances: %v", err)
	}
	if len(balances) != 1 {
		t.Fatalf("Expected 1 balance row, got %d", len(balances))
	}
	b := balances[0]
	if b.Key.BranchID != "" {
		t.Errorf("Expected org-wide row, got branch %q", b.Key.BranchID)
	}
	if b.PointsCredits != 2 {
		t.Errorf("Expected 2 points credits, got %d", b.PointsCredits)
	}
	if b.VisitCredits != 1 {
		t.Errorf("Expected 1 visit credit, got %d", b.VisitCredits)
	}
	if b.CurrentPoints != 255 {
		t.Errorf("Expected 255 current points, got %d", b.CurrentPoints)
	}
}

func TestScenario_BranchLoyalty(t *testing.T) {
	// GIVEN: Branch loyalty scenario with auto issue
	// WHEN: Loading the scenario
	// THEN: Separate rows per branch, Sea Point crossed the threshold twice

	handler := setupTestHandler(t)
	ctx := context.Background()

	if err := handler.loadBranchLoyalty(ctx); err != nil {
		t.Fatalf("Failed to load branch-loyalty scenario: %v", err)
	}

	balances, err := handler.Engine.Balances(ctx, "diner-thandi")
	if err != nil {
		t.Fatalf("Failed to list balances: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("Expected 2 balance rows, got %d", len(balances))
	}
	byBranch := map[loyalty.BranchID]loyalty.Balance{}
	for _, b := range balances {
		byBranch[b.Key.BranchID] = b
	}
	sea := byBranch["bistro-sea-point"]
	if sea.TotalVouchersGenerated != 2 {
		t.Errorf("Expected 2 vouchers at Sea Point, got %d", sea.TotalVouchersGenerated)
	}
	if sea.PointsCredits != 0 {
		t.Errorf("Expected auto issue to consume credits, got %d", sea.PointsCredits)
	}
	if gardens := byBranch["bistro-gardens"]; gardens.CurrentPoints != 450 {
		t.Errorf("Expected 450 points at Gardens, got %d", gardens.CurrentPoints)
	}

	vouchers, err := handler.Engine.Vouchers(ctx, loyalty.VoucherFilter{DinerID: "diner-thandi"})
	if err != nil {
		t.Fatalf("Failed to list vouchers: %v", err)
	}
	if len(vouchers) != 2 {
		t.Fatalf("Expected 2 vouchers, got %d", len(vouchers))
	}
	for _, v := range vouchers {
		if v.Source != loyalty.SourceAuto {
			t.Errorf("Expected auto source, got %s", v.Source)
		}
		if v.BranchID != "bistro-sea-point" {
			t.Errorf("Expected voucher bound to Sea Point, got %q", v.BranchID)
		}
	}
}

func TestScenario_SettlementDay(t *testing.T) {
	// GIVEN: Settlement day scenario
	// WHEN: Uploading an export with the three bills plus one unknown
	// THEN: 3 matched, 1 unmatched

	handler := setupTestHandler(t)
	ctx := context.Background()

	if err := handler.loadSettlementDay(ctx); err != nil {
		t.Fatalf("Failed to load settlement-day scenario: %v", err)
	}

	res, err := handler.Engine.ProcessBatch(ctx, "bistro-bay", "day.csv",
		"bill_id,amount\nSD-101,1000.00\nSD-102,1000.00\nSD-103,990.00\nSD-999,10.00\n")
	if err != nil {
		t.Fatalf("Failed to process batch: %v", err)
	}
	want := loyalty.BatchSummary{Total: 4, Matched: 3, Unmatched: 1}
	if res.Summary != want {
		t.Errorf("Expected %+v, got %+v", want, res.Summary)
	}

	detail, err := handler.Engine.BatchDetail(ctx, "bistro-bay", res.Batch.ID)
	if err != nil {
		t.Fatalf("Failed to load batch detail: %v", err)
	}
	variance := detail.Records[2].Variance
	if variance == nil || variance.String() != "-10" {
		t.Errorf("Expected variance -10 on SD-103, got %v", variance)
	}
}

func TestScenario_ReloadResets(t *testing.T) {
	handler := setupTestHandler(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := handler.Store.Reset(ctx); err != nil {
			t.Fatalf("Failed to reset: %v", err)
		}
		if err := handler.loadBistroBasics(ctx); err != nil {
			t.Fatalf("Load %d failed: %v", i+1, err)
		}
	}

	txns, err := handler.Engine.Transactions(ctx, "diner-thandi", "bistro-bay")
	if err != nil {
		t.Fatalf("Failed to list transactions: %v", err)
	}
	if len(txns) != 5 {
		t.Errorf("Expected 5 transactions after reload, got %d", len(txns))
	}
}
