/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Transaction recording and balance reads
- Present -> redeem round trip and error status mapping
- Settlement upload and batch detail
- Settings patch, rate limiting, health and metrics
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
	"github.com/warp/loyalty-engine/observability"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	t       *testing.T
	handler *Handler
	router  http.Handler
	clock   *testClock
}

func newTestServer(t *testing.T, opts RouterOptions) *testServer {
	t.Helper()
	mem := store.NewMemory()
	clock := &testClock{now: time.Date(2025, time.May, 2, 19, 0, 0, 0, time.UTC)}
	engine := loyalty.NewEngine(mem, loyalty.Options{Now: clock.Now})
	h := NewHandler(engine, mem, nil)
	require.NoError(t, h.seedBistro(context.Background(), loyalty.ScopeOrganization, false))
	return &testServer{t: t, handler: h, router: NewRouter(h, opts), clock: clock}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(s.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// earnDessert spends enough for one points credit and buys a dessert voucher.
func (s *testServer) earnDessert(diner string) VoucherDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/merchants/bistro-bay/transactions",
		map[string]any{"diner_id": diner, "amount": "1000.00"})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/diners/"+diner+"/vouchers",
		RedeemCreditRequest{MerchantID: "bistro-bay", VoucherTypeID: "free-dessert"})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[VoucherDTO](s.t, rec)
}

func TestRecordTransaction_UpdatesBalance(t *testing.T) {
	// GIVEN: A diner with no history
	s := newTestServer(t, RouterOptions{})

	// WHEN: Two events of 600 are recorded
	var last TransactionResponse
	for _, bill := range []string{"B-1", "B-2"} {
		rec := s.do(http.MethodPost, "/api/merchants/bistro-bay/transactions",
			map[string]any{"diner_id": "diner-thandi", "amount": 600, "bill_id": bill})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		last = decode[TransactionResponse](t, rec)
	}

	// THEN: The second crosses 1000 and earns one points credit
	assert.Equal(t, int64(1), last.CreditsEarned.Points)
	assert.Equal(t, int64(200), last.Balance.CurrentPoints)
	assert.Equal(t, "600.00", last.Transaction.Amount)
	assert.Empty(t, last.Vouchers)

	rec := s.do(http.MethodGet, "/api/diners/diner-thandi/balances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balances := decode[[]BalanceDTO](t, rec)
	require.Len(t, balances, 1)
	assert.Equal(t, int64(1), balances[0].PointsCredits)
	assert.Equal(t, int64(2), balances[0].TotalVisits)

	rec = s.do(http.MethodGet, "/api/diners/diner-thandi/transactions?merchant_id=bistro-bay", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]TransactionDTO](t, rec), 2)
}

func TestRecordTransaction_Errors(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"malformed body", "/api/merchants/bistro-bay/transactions", "{", http.StatusBadRequest},
		{"negative amount", "/api/merchants/bistro-bay/transactions", map[string]any{"diner_id": "diner-thandi", "amount": "-5"}, http.StatusBadRequest},
		{"unknown diner", "/api/merchants/bistro-bay/transactions", map[string]any{"diner_id": "nobody", "amount": "5"}, http.StatusNotFound},
		{"unknown merchant", "/api/merchants/nowhere/transactions", map[string]any{"diner_id": "diner-thandi", "amount": "5"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestRedeemCredit_InsufficientCredits(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	rec := s.do(http.MethodPost, "/api/diners/diner-thandi/vouchers",
		RedeemCreditRequest{MerchantID: "bistro-bay", VoucherTypeID: "wine-pairing"})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	require.NotNil(t, resp.Available)
	require.NotNil(t, resp.Required)
	assert.Equal(t, int64(0), *resp.Available)
	assert.Equal(t, int64(2), *resp.Required)
}

func TestPresentAndRedeem_RoundTrip(t *testing.T) {
	// GIVEN: Thandi holds a dessert voucher
	s := newTestServer(t, RouterOptions{})
	v := s.earnDessert("diner-thandi")
	assert.Equal(t, "issued", v.Status)

	// WHEN: She presents it and the till redeems the code
	rec := s.do(http.MethodPost, "/api/diners/diner-thandi/vouchers/"+v.ID+"/present", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[PresentationDTO](t, rec)
	assert.Len(t, p.Code, loyalty.DefaultCodeLength)
	assert.Equal(t, 900, p.TTLSeconds)

	rec = s.do(http.MethodGet, "/api/diners/diner-thandi/presentation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, p.Code, decode[PresentationDTO](t, rec).Code)

	rec = s.do(http.MethodPost, "/api/merchants/bistro-bay/redemptions",
		RedeemCodeRequest{Code: strings.ToLower(p.Code), BillID: "INV-42"})

	// THEN: Success, and a replay is rejected as already redeemed
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[RedemptionResponse](t, rec)
	assert.Equal(t, "redeemed", resp.Voucher.Status)
	assert.Equal(t, "INV-42", resp.Voucher.RedeemedBillID)
	assert.Contains(t, resp.Message, "Free Dessert")

	rec = s.do(http.MethodPost, "/api/merchants/bistro-bay/redemptions", RedeemCodeRequest{Code: p.Code})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, loyalty.ReasonAlreadyRedeemed, decode[ErrorResponse](t, rec).Error)

	rec = s.do(http.MethodGet, "/api/diners/diner-thandi/presentation", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/diners/diner-thandi/vouchers?status=redeemed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]VoucherDTO](t, rec), 1)
	rec = s.do(http.MethodGet, "/api/diners/diner-thandi/vouchers?status=issued", nil)
	assert.Empty(t, decode[[]VoucherDTO](t, rec))
}

func TestRedeemCode_StatusMapping(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	require.NoError(t, s.handler.Store.SaveMerchant(context.Background(), loyalty.Merchant{
		ID: "other", Name: "Harbour Grill", LoyaltyScope: loyalty.ScopeOrganization, VoucherScope: loyalty.RedeemAllBranches,
	}))
	v := s.earnDessert("diner-thandi")
	rec := s.do(http.MethodPost, "/api/diners/diner-thandi/vouchers/"+v.ID+"/present", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	code := decode[PresentationDTO](t, rec).Code

	// Wrong merchant: 403 naming the owner
	rec = s.do(http.MethodPost, "/api/merchants/other/redemptions", RedeemCodeRequest{Code: code})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Bistro Bay", decode[ErrorResponse](t, rec).MerchantName)

	// Unknown code: 404
	rec = s.do(http.MethodPost, "/api/merchants/bistro-bay/redemptions", RedeemCodeRequest{Code: "ZZZZ2222"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Empty code: 400
	rec = s.do(http.MethodPost, "/api/merchants/bistro-bay/redemptions", RedeemCodeRequest{Code: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Past TTL: 409 code expired
	s.clock.Advance(16 * time.Minute)
	rec = s.do(http.MethodPost, "/api/merchants/bistro-bay/redemptions", RedeemCodeRequest{Code: code})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, loyalty.ReasonCodeExpired, decode[ErrorResponse](t, rec).Error)
}

func TestRedeemCode_IneligibleBranch(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	for _, bill := range []string{"W-1", "W-2"} {
		rec := s.do(http.MethodPost, "/api/merchants/bistro-bay/transactions",
			map[string]any{"diner_id": "diner-pieter", "amount": "1000", "bill_id": bill})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := s.do(http.MethodPost, "/api/diners/diner-pieter/vouchers",
		RedeemCreditRequest{MerchantID: "bistro-bay", VoucherTypeID: "wine-pairing"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	v := decode[VoucherDTO](t, rec)

	rec = s.do(http.MethodPost, "/api/diners/diner-pieter/vouchers/"+v.ID+"/present", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	code := decode[PresentationDTO](t, rec).Code

	rec = s.do(http.MethodPost, "/api/merchants/bistro-bay/redemptions",
		RedeemCodeRequest{Code: code, BranchID: "bistro-gardens"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, []string{"Sea Point"}, decode[ErrorResponse](t, rec).EligibleBranches)
}

func TestUploadSettlement_AndDetail(t *testing.T) {
	// GIVEN: A voucher redeemed on bill INV-7 and a recorded spend on INV-7
	s := newTestServer(t, RouterOptions{})
	rec := s.do(http.MethodPost, "/api/merchants/bistro-bay/transactions",
		map[string]any{"diner_id": "diner-pieter", "amount": "250.00", "bill_id": "INV-7"})
	require.Equal(t, http.StatusCreated, rec.Code)
	v := s.earnDessert("diner-thandi")
	rec = s.do(http.MethodPost, "/api/diners/diner-thandi/vouchers/"+v.ID+"/present", nil)
	code := decode[PresentationDTO](t, rec).Code
	rec = s.do(http.MethodPost, "/api/merchants/bistro-bay/redemptions", RedeemCodeRequest{Code: code, BillID: "INV-7"})
	require.Equal(t, http.StatusOK, rec.Code)

	// WHEN: The settlement export is uploaded
	rec = s.do(http.MethodPost, "/api/merchants/bistro-bay/reconciliations?filename=may.csv",
		"Receipt No,Bill Total\nINV-7,R260.00\nINV-8,R99.00\n")

	// THEN: One match, one miss, and the detail carries the variance
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[ReconciliationResponse](t, rec)
	assert.Equal(t, loyalty.BatchSummary{Total: 2, Matched: 1, Unmatched: 1}, res.Summary)
	assert.Equal(t, "may.csv", res.Batch.Filename)
	assert.Equal(t, "completed", res.Batch.Status)

	rec = s.do(http.MethodGet, "/api/merchants/bistro-bay/reconciliations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]BatchDTO](t, rec), 1)

	rec = s.do(http.MethodGet, "/api/merchants/bistro-bay/reconciliations/"+res.Batch.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[ReconciliationResponse](t, rec)
	require.Len(t, detail.Records, 2)
	assert.Equal(t, "Free Dessert", detail.Records[0].VoucherTitle)
	require.NotNil(t, detail.Records[0].Variance)
	assert.Equal(t, "10.00", *detail.Records[0].Variance)
	assert.Equal(t, "250.00", *detail.Records[0].RecordedAmount)

	rec = s.do(http.MethodPost, "/api/merchants/bistro-bay/reconciliations", "amount\n1\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateSettings(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	rec := s.do(http.MethodPatch, "/api/merchants/bistro-bay/settings",
		map[string]any{"points_threshold": 500, "auto_issue_vouchers": true, "loyalty_scope": "branch"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m := decode[MerchantDTO](t, rec)
	assert.Equal(t, int64(500), m.PointsThreshold)
	assert.Equal(t, int64(5), m.VisitThreshold, "untouched field kept")
	assert.True(t, m.AutoIssueVouchers)
	assert.Equal(t, "branch", m.LoyaltyScope)

	rec = s.do(http.MethodPatch, "/api/merchants/bistro-bay/settings", map[string]any{"loyalty_scope": "planet"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteDiner(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	s.earnDessert("diner-thandi")

	rec := s.do(http.MethodDelete, "/api/diners/diner-thandi", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/api/diners/diner-thandi/vouchers", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit_PresentAndRedeem(t *testing.T) {
	s := newTestServer(t, RouterOptions{RateLimit: RateLimit{RequestsPerMinute: 1, Burst: 2}})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := s.do(http.MethodPost, "/api/merchants/bistro-bay/redemptions", RedeemCodeRequest{Code: "ZZZZ2222"})
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)

	// Unlimited routes are unaffected
	rec := s.do(http.MethodGet, "/api/diners/diner-thandi/balances", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, RouterOptions{Metrics: observability.New("apitest")})

	rec := s.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `apitest_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
}

func TestScenarioEndpoints(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	rec := s.do(http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))

	rec = s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "bistro-basics"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "bistro-basics", decode[ScenarioDTO](t, rec).ID)

	rec = s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
