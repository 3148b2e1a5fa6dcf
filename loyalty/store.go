/*
store.go - Persistence contracts consumed by the engine

PURPOSE:
  The engine relies entirely on the persistence layer for atomicity. These
  interfaces name exactly what it needs: read-only directory and catalog
  lookups, a transactional write surface, and read accessors for callers.

KEY INTERFACES:
  Directory: merchant, branch and diner lookups (read-only)
  Catalog:   voucher type lookups (read-only)
  Tx:        everything that runs inside one storage transaction
  Store:     WithTx plus non-transactional read accessors
  Admin:     seeding writes used by scenarios and tests (not engine logic)

MISSING ROWS:
  Getters return (nil, nil) when a row does not exist. The engine turns that
  into a typed NotFound error with a specific message.

ATOMICITY CONTRACT:
  WithTx(fn) commits if fn returns nil and rolls back otherwise. Concurrent
  WithTx calls that touch the same balance row must be serialized (row lock or
  a single writer). MarkVoucherRedeemed and ClearBinding are compare-and-swap:
  they report false when the expected state no longer holds.

IMPLEMENTATIONS:
  - loyalty/store/memory.go: in-memory, mutex + snapshot rollback
  - store/sqlite/sqlite.go: SQLite, IMMEDIATE transactions
*/
package loyalty

import "context"

// Directory is the read-only merchant/branch/diner lookup.
type Directory interface {
	GetMerchant(ctx context.Context, id MerchantID) (*Merchant, error)
	GetBranch(ctx context.Context, id BranchID) (*Branch, error)
	ListBranches(ctx context.Context, merchantID MerchantID) ([]Branch, error)
	GetDiner(ctx context.Context, id DinerID) (*Diner, error)
}

// Catalog is the read-only voucher type lookup.
type Catalog interface {
	GetVoucherType(ctx context.Context, id VoucherTypeID) (*VoucherType, error)

	// ListActiveVoucherTypes returns active types for the merchant and mode,
	// ordered by title then id.
	ListActiveVoucherTypes(ctx context.Context, merchantID MerchantID, mode EarningMode) ([]VoucherType, error)
}

// Tx is the write surface available inside Store.WithTx.
type Tx interface {
	Directory
	Catalog

	// SaveMerchant writes merchant settings read earlier in the same
	// transaction.
	SaveMerchant(ctx context.Context, m Merchant) error

	// LockBalance loads the row for key and holds it for the rest of the
	// transaction. Returns nil when the row does not exist yet.
	LockBalance(ctx context.Context, key BalanceKey) (*Balance, error)
	SaveBalance(ctx context.Context, b Balance) error

	AppendTransaction(ctx context.Context, t Transaction) error

	InsertVoucher(ctx context.Context, v Voucher) error
	GetVoucher(ctx context.Context, id VoucherID) (*Voucher, error)

	// MarkVoucherRedeemed flips IsRedeemed from false to true. Returns false
	// when the voucher was already redeemed (or does not exist).
	MarkVoucherRedeemed(ctx context.Context, id VoucherID, r Redemption) (bool, error)

	// FindVoucherByRedemptionCode returns the voucher consumed with code.
	FindVoucherByRedemptionCode(ctx context.Context, code string) (*Voucher, error)

	// FindVoucherByBill returns the redeemed voucher for (merchant, billID).
	FindVoucherByBill(ctx context.Context, merchantID MerchantID, billID string) (*Voucher, error)

	GetBinding(ctx context.Context, dinerID DinerID) (*PresentationBinding, error)
	FindBindingByCode(ctx context.Context, code string) (*PresentationBinding, error)

	// SetBinding replaces any binding the diner holds.
	SetBinding(ctx context.Context, b PresentationBinding) error

	// ClearBinding removes the diner's binding only if it still holds code.
	ClearBinding(ctx context.Context, dinerID DinerID, code string) (bool, error)

	SaveBatch(ctx context.Context, b ReconciliationBatch) error
	AppendRecords(ctx context.Context, records []ReconciliationRecord) error
}

// VoucherFilter narrows Store.ListVouchers.
type VoucherFilter struct {
	DinerID    DinerID
	MerchantID MerchantID // optional
}

// Store is the full persistence contract.
type Store interface {
	Directory
	Catalog

	// WithTx runs fn in one storage transaction.
	WithTx(ctx context.Context, fn func(Tx) error) error

	GetBalance(ctx context.Context, key BalanceKey) (*Balance, error)
	ListBalances(ctx context.Context, dinerID DinerID) ([]Balance, error)
	GetVoucher(ctx context.Context, id VoucherID) (*Voucher, error)
	ListVouchers(ctx context.Context, filter VoucherFilter) ([]Voucher, error)
	ListTransactions(ctx context.Context, dinerID DinerID, merchantID MerchantID) ([]Transaction, error)
	FindTransactionByBill(ctx context.Context, merchantID MerchantID, billID string) (*Transaction, error)
	GetBinding(ctx context.Context, dinerID DinerID) (*PresentationBinding, error)

	GetBatch(ctx context.Context, id BatchID) (*ReconciliationBatch, error)
	ListBatches(ctx context.Context, merchantID MerchantID) ([]ReconciliationBatch, error)
	ListRecords(ctx context.Context, batchID BatchID) ([]ReconciliationRecord, error)
}

// Admin holds the directory and catalog writes. Admin CRUD is a collaborator
// concern; the engine only uses DeleteDiner.
type Admin interface {
	SaveMerchant(ctx context.Context, m Merchant) error
	SaveBranch(ctx context.Context, b Branch) error
	SaveDiner(ctx context.Context, d Diner) error
	SaveVoucherType(ctx context.Context, vt VoucherType) error

	// DeleteDiner removes the diner, their balances and their binding.
	DeleteDiner(ctx context.Context, id DinerID) error
}
