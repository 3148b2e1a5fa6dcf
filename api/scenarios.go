/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic data
	for demos. Each scenario creates merchants, branches, voucher types and
	diners, then drives the engine (never the tables) to build balances and
	vouchers.

AVAILABLE SCENARIOS:

	bistro-basics:   Organization-wide points and visits, manual redemption
	branch-loyalty:  Per-branch balances, auto issue, branch-restricted voucher
	settlement-day:  Redeemed vouchers quoting bill numbers, ready to reconcile

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Seed merchants, branches, voucher types and diners (Admin)
 3. Record transactions through the engine
 4. Optionally present and redeem vouchers

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "branch-loyalty"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "bistro-basics",
		Name:        "Bistro Basics",
		Description: "One balance per merchant, points and visit pools, credits ready to spend",
	},
	{
		ID:          "branch-loyalty",
		Name:        "Branch Loyalty",
		Description: "Per-branch balances with auto-issued vouchers and a branch-restricted reward",
	},
	{
		ID:          "settlement-day",
		Name:        "Settlement Day",
		Description: "Vouchers redeemed against bill numbers, ready for a settlement upload",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	load, ok := map[string]func(context.Context) error{
		"bistro-basics":  h.loadBistroBasics,
		"branch-loyalty": h.loadBranchLoyalty,
		"settlement-day": h.loadSettlementDay,
	}[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// seedBistro creates Bistro Bay with two branches, three voucher types and
// two diners.
func (h *Handler) seedBistro(ctx context.Context, scope loyalty.LoyaltyScope, autoIssue bool) error {
	if err := h.Store.SaveMerchant(ctx, loyalty.Merchant{
		ID:                "bistro-bay",
		Name:              "Bistro Bay",
		Currency:          "ZAR",
		PointsPerCurrency: decimal.NewFromInt(1),
		PointsThreshold:   1000,
		VisitThreshold:    5,
		LoyaltyScope:      scope,
		VoucherScope:      loyalty.RedeemAllBranches,
		AutoIssueVouchers: autoIssue,
	}); err != nil {
		return err
	}
	for _, b := range []loyalty.Branch{
		{ID: "bistro-sea-point", MerchantID: "bistro-bay", Name: "Sea Point", IsDefault: true, IsActive: true},
		{ID: "bistro-gardens", MerchantID: "bistro-bay", Name: "Gardens", IsActive: true},
	} {
		if err := h.Store.SaveBranch(ctx, b); err != nil {
			return err
		}
	}
	for _, vt := range []loyalty.VoucherType{
		{ID: "free-dessert", MerchantID: "bistro-bay", Title: "Free Dessert", Description: "Any dessert on the menu", EarningMode: loyalty.EarnPoints, CreditsCost: 1, ValidityDays: 30, Active: true},
		{ID: "free-coffee", MerchantID: "bistro-bay", Title: "Free Coffee", Description: "Any hot drink", EarningMode: loyalty.EarnVisits, CreditsCost: 1, ValidityDays: 14, Active: true},
		{
			ID: "wine-pairing", MerchantID: "bistro-bay", Title: "Wine Pairing", Description: "Sommelier's pick with your main",
			EarningMode: loyalty.EarnPoints, CreditsCost: 2, ValidityDays: 60, Active: true,
			RedemptionScope: loyalty.RedeemSpecificBranches, EligibleBranches: []loyalty.BranchID{"bistro-sea-point"},
		},
	} {
		if err := h.Store.SaveVoucherType(ctx, vt); err != nil {
			return err
		}
	}
	for _, d := range []loyalty.Diner{
		{ID: "diner-thandi", Name: "Thandi", Phone: "+27821110001"},
		{ID: "diner-pieter", Name: "Pieter", Phone: "+27821110002"},
	} {
		if err := h.Store.SaveDiner(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) spend(ctx context.Context, diner loyalty.DinerID, branch loyalty.BranchID, amount, bill string) (*loyalty.TransactionResult, error) {
	return h.Engine.RecordTransaction(ctx, loyalty.RecordTransactionInput{
		DinerID:    diner,
		MerchantID: "bistro-bay",
		Amount:     decimal.RequireFromString(amount),
		BillID:     bill,
		BranchID:   branch,
	})
}

// loadBistroBasics: Thandi has 2 points credits and 1 visit credit to spend.
func (h *Handler) loadBistroBasics(ctx context.Context) error {
	if err := h.seedBistro(ctx, loyalty.ScopeOrganization, false); err != nil {
		return err
	}
	for i, amount := range []string{"450.00", "620.50", "380.00", "710.00", "95.00"} {
		if _, err := h.spend(ctx, "diner-thandi", "", amount, fmt.Sprintf("BB-%03d", i+1)); err != nil {
			return err
		}
	}
	_, err := h.spend(ctx, "diner-pieter", "", "210.00", "BB-006")
	return err
}

// loadBranchLoyalty: balances per branch, vouchers issued automatically.
func (h *Handler) loadBranchLoyalty(ctx context.Context) error {
	if err := h.seedBistro(ctx, loyalty.ScopeBranch, true); err != nil {
		return err
	}
	events := []struct {
		branch loyalty.BranchID
		amount string
	}{
		{"bistro-sea-point", "800.00"},
		{"bistro-sea-point", "450.00"},
		{"bistro-gardens", "300.00"},
		{"bistro-sea-point", "1200.00"},
		{"bistro-gardens", "150.00"},
	}
	for i, e := range events {
		if _, err := h.spend(ctx, "diner-thandi", e.branch, e.amount, fmt.Sprintf("BL-%03d", i+1)); err != nil {
			return err
		}
	}
	return nil
}

// loadSettlementDay: three vouchers redeemed on bills SD-101..103.
func (h *Handler) loadSettlementDay(ctx context.Context) error {
	if err := h.seedBistro(ctx, loyalty.ScopeOrganization, false); err != nil {
		return err
	}
	for i, diner := range []loyalty.DinerID{"diner-thandi", "diner-pieter", "diner-thandi"} {
		bill := fmt.Sprintf("SD-%d", 101+i)
		if _, err := h.spend(ctx, diner, "bistro-sea-point", "1000.00", bill); err != nil {
			return err
		}
		v, err := h.Engine.RedeemCredit(ctx, loyalty.RedeemCreditInput{
			DinerID: diner, MerchantID: "bistro-bay", VoucherTypeID: "free-dessert",
		})
		if err != nil {
			return err
		}
		p, err := h.Engine.PresentVoucher(ctx, diner, v.ID)
		if err != nil {
			return err
		}
		if _, err := h.Engine.RedeemByCode(ctx, loyalty.RedeemByCodeInput{
			MerchantID: "bistro-bay", Code: p.Code, BillID: bill, BranchID: "bistro-sea-point",
		}); err != nil {
			return err
		}
	}
	return nil
}
