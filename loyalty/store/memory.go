// Package store provides in-memory loyalty.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps behind one RWMutex. WithTx holds the write
// lock for the whole callback, which serializes writers the same way a
// single-writer database would.
type Memory struct {
	mu sync.RWMutex
	s  *state
}

var (
	_ loyalty.Store = (*Memory)(nil)
	_ loyalty.Admin = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

// WithTx executes fn within a transaction.
// Simulated with a snapshot + restore on error.
func (m *Memory) WithTx(_ context.Context, fn func(loyalty.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.s.clone()
	if err := fn(m.s); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

// =============================================================================
// READ ACCESSORS - Take the read lock and delegate to state
// =============================================================================

func (m *Memory) GetMerchant(ctx context.Context, id loyalty.MerchantID) (*loyalty.Merchant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetMerchant(ctx, id)
}

func (m *Memory) GetBranch(ctx context.Context, id loyalty.BranchID) (*loyalty.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetBranch(ctx, id)
}

func (m *Memory) ListBranches(ctx context.Context, merchantID loyalty.MerchantID) ([]loyalty.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListBranches(ctx, merchantID)
}

func (m *Memory) GetDiner(ctx context.Context, id loyalty.DinerID) (*loyalty.Diner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetDiner(ctx, id)
}

func (m *Memory) GetVoucherType(ctx context.Context, id loyalty.VoucherTypeID) (*loyalty.VoucherType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetVoucherType(ctx, id)
}

func (m *Memory) ListActiveVoucherTypes(ctx context.Context, merchantID loyalty.MerchantID, mode loyalty.EarningMode) ([]loyalty.VoucherType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListActiveVoucherTypes(ctx, merchantID, mode)
}

func (m *Memory) GetBalance(_ context.Context, key loyalty.BalanceKey) (*loyalty.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.s.balances[key]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *Memory) ListBalances(_ context.Context, dinerID loyalty.DinerID) ([]loyalty.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []loyalty.Balance
	for k, b := range m.s.balances {
		if k.DinerID == dinerID {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Key, result[j].Key
		if a.MerchantID != b.MerchantID {
			return a.MerchantID < b.MerchantID
		}
		return a.BranchID < b.BranchID
	})
	return result, nil
}

func (m *Memory) GetVoucher(ctx context.Context, id loyalty.VoucherID) (*loyalty.Voucher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetVoucher(ctx, id)
}

func (m *Memory) ListVouchers(_ context.Context, filter loyalty.VoucherFilter) ([]loyalty.Voucher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []loyalty.Voucher
	for _, v := range m.s.vouchers {
		if v.DinerID != filter.DinerID {
			continue
		}
		if filter.MerchantID != "" && v.MerchantID != filter.MerchantID {
			continue
		}
		result = append(result, copyVoucher(v))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].IssuedAt.Equal(result[j].IssuedAt) {
			return result[i].IssuedAt.Before(result[j].IssuedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) ListTransactions(_ context.Context, dinerID loyalty.DinerID, merchantID loyalty.MerchantID) ([]loyalty.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []loyalty.Transaction
	for _, t := range m.s.transactions {
		if t.DinerID != dinerID {
			continue
		}
		if merchantID != "" && t.MerchantID != merchantID {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

// FindTransactionByBill returns the most recent transaction carrying billID.
func (m *Memory) FindTransactionByBill(_ context.Context, merchantID loyalty.MerchantID, billID string) (*loyalty.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.s.transactions) - 1; i >= 0; i-- {
		t := m.s.transactions[i]
		if t.MerchantID == merchantID && t.BillID == billID {
			return &t, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetBinding(ctx context.Context, dinerID loyalty.DinerID) (*loyalty.PresentationBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetBinding(ctx, dinerID)
}

func (m *Memory) GetBatch(_ context.Context, id loyalty.BatchID) (*loyalty.ReconciliationBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.s.batches[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

// ListBatches returns the merchant's batches, newest first.
func (m *Memory) ListBatches(_ context.Context, merchantID loyalty.MerchantID) ([]loyalty.ReconciliationBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []loyalty.ReconciliationBatch
	for _, b := range m.s.batches {
		if b.MerchantID == merchantID {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

func (m *Memory) ListRecords(_ context.Context, batchID loyalty.BatchID) ([]loyalty.ReconciliationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.s.records[batchID]
	result := make([]loyalty.ReconciliationRecord, len(records))
	copy(result, records)
	return result, nil
}

// =============================================================================
// ADMIN - Directory and catalog writes
// =============================================================================

func (m *Memory) SaveMerchant(_ context.Context, merchant loyalty.Merchant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.merchants[merchant.ID] = merchant
	return nil
}

func (m *Memory) SaveBranch(_ context.Context, b loyalty.Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.branches[b.ID] = b
	return nil
}

func (m *Memory) SaveDiner(_ context.Context, d loyalty.Diner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.diners[d.ID] = d
	return nil
}

func (m *Memory) SaveVoucherType(_ context.Context, vt loyalty.VoucherType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vt.EligibleBranches = append([]loyalty.BranchID(nil), vt.EligibleBranches...)
	m.s.voucherTypes[vt.ID] = vt
	return nil
}

// DeleteDiner removes the diner, their balances and their binding.
// Vouchers and transactions stay for reconciliation history.
func (m *Memory) DeleteDiner(_ context.Context, id loyalty.DinerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.s.diners, id)
	delete(m.s.bindings, id)
	for k := range m.s.balances {
		if k.DinerID == id {
			delete(m.s.balances, k)
		}
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = newState()
	return nil
}

func (m *Memory) Ping(_ context.Context) error { return nil }

// =============================================================================
// STATE - Unlocked tables, also the transactional view
// =============================================================================

type state struct {
	merchants    map[loyalty.MerchantID]loyalty.Merchant
	branches     map[loyalty.BranchID]loyalty.Branch
	diners       map[loyalty.DinerID]loyalty.Diner
	voucherTypes map[loyalty.VoucherTypeID]loyalty.VoucherType
	balances     map[loyalty.BalanceKey]loyalty.Balance
	transactions []loyalty.Transaction
	vouchers     map[loyalty.VoucherID]loyalty.Voucher
	bindings     map[loyalty.DinerID]loyalty.PresentationBinding
	batches      map[loyalty.BatchID]loyalty.ReconciliationBatch
	records      map[loyalty.BatchID][]loyalty.ReconciliationRecord
}

var _ loyalty.Tx = (*state)(nil)

func newState() *state {
	return &state{
		merchants:    make(map[loyalty.MerchantID]loyalty.Merchant),
		branches:     make(map[loyalty.BranchID]loyalty.Branch),
		diners:       make(map[loyalty.DinerID]loyalty.Diner),
		voucherTypes: make(map[loyalty.VoucherTypeID]loyalty.VoucherType),
		balances:     make(map[loyalty.BalanceKey]loyalty.Balance),
		vouchers:     make(map[loyalty.VoucherID]loyalty.Voucher),
		bindings:     make(map[loyalty.DinerID]loyalty.PresentationBinding),
		batches:      make(map[loyalty.BatchID]loyalty.ReconciliationBatch),
		records:      make(map[loyalty.BatchID][]loyalty.ReconciliationRecord),
	}
}

// clone copies every table. Slices shared with the clone (eligible branches,
// records) are never mutated in place.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.merchants {
		c.merchants[k] = v
	}
	for k, v := range s.branches {
		c.branches[k] = v
	}
	for k, v := range s.diners {
		c.diners[k] = v
	}
	for k, v := range s.voucherTypes {
		c.voucherTypes[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	c.transactions = append([]loyalty.Transaction(nil), s.transactions...)
	for k, v := range s.vouchers {
		c.vouchers[k] = v
	}
	for k, v := range s.bindings {
		c.bindings[k] = v
	}
	for k, v := range s.batches {
		c.batches[k] = v
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	return c
}

func (s *state) GetMerchant(_ context.Context, id loyalty.MerchantID) (*loyalty.Merchant, error) {
	m, ok := s.merchants[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *state) GetBranch(_ context.Context, id loyalty.BranchID) (*loyalty.Branch, error) {
	b, ok := s.branches[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *state) ListBranches(_ context.Context, merchantID loyalty.MerchantID) ([]loyalty.Branch, error) {
	var result []loyalty.Branch
	for _, b := range s.branches {
		if b.MerchantID == merchantID {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *state) GetDiner(_ context.Context, id loyalty.DinerID) (*loyalty.Diner, error) {
	d, ok := s.diners[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *state) GetVoucherType(_ context.Context, id loyalty.VoucherTypeID) (*loyalty.VoucherType, error) {
	vt, ok := s.voucherTypes[id]
	if !ok {
		return nil, nil
	}
	vt.EligibleBranches = append([]loyalty.BranchID(nil), vt.EligibleBranches...)
	return &vt, nil
}

func (s *state) ListActiveVoucherTypes(_ context.Context, merchantID loyalty.MerchantID, mode loyalty.EarningMode) ([]loyalty.VoucherType, error) {
	var result []loyalty.VoucherType
	for _, vt := range s.voucherTypes {
		if vt.MerchantID == merchantID && vt.EarningMode == mode && vt.Active {
			result = append(result, vt)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Title != result[j].Title {
			return result[i].Title < result[j].Title
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *state) SaveMerchant(_ context.Context, m loyalty.Merchant) error {
	s.merchants[m.ID] = m
	return nil
}

func (s *state) LockBalance(_ context.Context, key loyalty.BalanceKey) (*loyalty.Balance, error) {
	b, ok := s.balances[key]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *state) SaveBalance(_ context.Context, b loyalty.Balance) error {
	s.balances[b.Key] = b
	return nil
}

func (s *state) AppendTransaction(_ context.Context, t loyalty.Transaction) error {
	s.transactions = append(s.transactions, t)
	return nil
}

func (s *state) InsertVoucher(_ context.Context, v loyalty.Voucher) error {
	s.vouchers[v.ID] = v
	return nil
}

func (s *state) GetVoucher(_ context.Context, id loyalty.VoucherID) (*loyalty.Voucher, error) {
	v, ok := s.vouchers[id]
	if !ok {
		return nil, nil
	}
	v = copyVoucher(v)
	return &v, nil
}

func (s *state) MarkVoucherRedeemed(_ context.Context, id loyalty.VoucherID, r loyalty.Redemption) (bool, error) {
	v, ok := s.vouchers[id]
	if !ok || v.IsRedeemed {
		return false, nil
	}
	at := r.At
	v.IsRedeemed = true
	v.RedeemedAt = &at
	v.RedeemedBillID = r.BillID
	v.RedeemedBranchID = r.BranchID
	v.RedemptionCode = r.Code
	s.vouchers[id] = v
	return true, nil
}

func (s *state) FindVoucherByRedemptionCode(_ context.Context, code string) (*loyalty.Voucher, error) {
	for _, v := range s.vouchers {
		if v.RedemptionCode == code {
			v = copyVoucher(v)
			return &v, nil
		}
	}
	return nil, nil
}

// FindVoucherByBill returns the most recently redeemed voucher quoting billID.
func (s *state) FindVoucherByBill(_ context.Context, merchantID loyalty.MerchantID, billID string) (*loyalty.Voucher, error) {
	var found *loyalty.Voucher
	for _, v := range s.vouchers {
		if v.MerchantID != merchantID || !v.IsRedeemed || v.RedeemedBillID != billID {
			continue
		}
		if found == nil || v.RedeemedAt.After(*found.RedeemedAt) {
			c := copyVoucher(v)
			found = &c
		}
	}
	return found, nil
}

func (s *state) GetBinding(_ context.Context, dinerID loyalty.DinerID) (*loyalty.PresentationBinding, error) {
	b, ok := s.bindings[dinerID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *state) FindBindingByCode(_ context.Context, code string) (*loyalty.PresentationBinding, error) {
	for _, b := range s.bindings {
		if b.Code == code {
			return &b, nil
		}
	}
	return nil, nil
}

func (s *state) SetBinding(_ context.Context, b loyalty.PresentationBinding) error {
	s.bindings[b.DinerID] = b
	return nil
}

func (s *state) ClearBinding(_ context.Context, dinerID loyalty.DinerID, code string) (bool, error) {
	b, ok := s.bindings[dinerID]
	if !ok || b.Code != code {
		return false, nil
	}
	delete(s.bindings, dinerID)
	return true, nil
}

func (s *state) SaveBatch(_ context.Context, b loyalty.ReconciliationBatch) error {
	s.batches[b.ID] = b
	return nil
}

func (s *state) AppendRecords(_ context.Context, records []loyalty.ReconciliationRecord) error {
	// Appending past a clone's length never changes what the clone sees.
	for _, r := range records {
		s.records[r.BatchID] = append(s.records[r.BatchID], r)
	}
	return nil
}

func copyVoucher(v loyalty.Voucher) loyalty.Voucher {
	if v.RedeemedAt != nil {
		at := *v.RedeemedAt
		v.RedeemedAt = &at
	}
	return v
}
