/*
Package sqlite provides a SQLite-backed implementation of loyalty.Store.

PURPOSE:
  Durable persistence for the loyalty engine. Implements loyalty.Store,
  loyalty.Tx (inside WithTx) and loyalty.Admin on one database file.

KEY TABLES:
  merchants, branches, diners:  directory (admin writes only)
  voucher_types:                catalog, eligible branches as JSON
  balances:                     one row per (diner, merchant, branch-or-'')
  transactions:                 append-only spend/visit events
  vouchers:                     issued vouchers, redemption columns
  presentation_bindings:        at most one active code per diner
  reconciliation_batches/records: settlement matching results

ATOMICITY:
  WithTx opens an IMMEDIATE transaction (_txlock=immediate), so the write
  lock is taken at BEGIN and two balance read-modify-writes never interleave.
  The store mutex additionally serializes writers inside this process.

  Redemption is a compare-and-swap:
    UPDATE vouchers SET is_redeemed = 1, ... WHERE id = ? AND is_redeemed = 0
  and the caller checks RowsAffected.

TIMESTAMPS:
  Stored as fixed-width UTC text (nanosecond precision) so lexical order is
  chronological order.

WAL MODE:
  Opened with WAL so readers don't block the single writer.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := loyalty.NewEngine(store, loyalty.Options{})

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements loyalty.Store and loyalty.Admin using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ loyalty.Store = (*Store)(nil)
	_ loyalty.Admin = (*Store)(nil)
	_ loyalty.Tx    = (*txStore)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection (health endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS merchants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		points_per_currency TEXT NOT NULL DEFAULT '1',
		points_threshold INTEGER NOT NULL DEFAULT 0,
		visit_threshold INTEGER NOT NULL DEFAULT 0,
		loyalty_scope TEXT NOT NULL DEFAULT 'organization',
		voucher_scope TEXT NOT NULL DEFAULT 'all_branches',
		auto_issue_vouchers INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS branches (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL REFERENCES merchants(id),
		name TEXT NOT NULL,
		is_default INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_branches_merchant
		ON branches(merchant_id);

	CREATE TABLE IF NOT EXISTS diners (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS voucher_types (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL REFERENCES merchants(id),
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		earning_mode TEXT NOT NULL,
		credits_cost INTEGER NOT NULL,
		validity_days INTEGER NOT NULL,
		redemption_scope TEXT NOT NULL DEFAULT '',
		eligible_branches_json TEXT NOT NULL DEFAULT '[]',
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	-- Auto issuance hot path
	CREATE INDEX IF NOT EXISTS idx_voucher_types_merchant_mode
		ON voucher_types(merchant_id, earning_mode, active);

	-- branch_id is '' for organization-wide rows so the key stays unique
	CREATE TABLE IF NOT EXISTS balances (
		diner_id TEXT NOT NULL REFERENCES diners(id) ON DELETE CASCADE,
		merchant_id TEXT NOT NULL,
		branch_id TEXT NOT NULL DEFAULT '',
		current_points INTEGER NOT NULL DEFAULT 0,
		total_points_earned INTEGER NOT NULL DEFAULT 0,
		current_visits INTEGER NOT NULL DEFAULT 0,
		total_visits INTEGER NOT NULL DEFAULT 0,
		points_credits INTEGER NOT NULL DEFAULT 0,
		visit_credits INTEGER NOT NULL DEFAULT 0,
		total_credits_earned INTEGER NOT NULL DEFAULT 0,
		total_vouchers_generated INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (diner_id, merchant_id, branch_id)
	);

	-- Transactions (append-only)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		diner_id TEXT NOT NULL,
		merchant_id TEXT NOT NULL,
		branch_id TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		points_earned INTEGER NOT NULL,
		bill_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_diner
		ON transactions(diner_id, merchant_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_bill
		ON transactions(merchant_id, bill_id) WHERE bill_id != '';

	CREATE TABLE IF NOT EXISTS vouchers (
		id TEXT PRIMARY KEY,
		diner_id TEXT NOT NULL,
		merchant_id TEXT NOT NULL,
		branch_id TEXT NOT NULL DEFAULT '',
		voucher_type_id TEXT NOT NULL,
		title TEXT NOT NULL,
		source TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		is_redeemed INTEGER NOT NULL DEFAULT 0,
		redeemed_at TEXT,
		redeemed_bill_id TEXT NOT NULL DEFAULT '',
		redeemed_branch_id TEXT NOT NULL DEFAULT '',
		redemption_code TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_vouchers_diner
		ON vouchers(diner_id, merchant_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_vouchers_redemption_code
		ON vouchers(redemption_code) WHERE redemption_code IS NOT NULL;
	-- Reconciliation lookups
	CREATE INDEX IF NOT EXISTS idx_vouchers_redeemed_bill
		ON vouchers(merchant_id, redeemed_bill_id) WHERE is_redeemed = 1;

	-- One active code per diner; codes unique across diners
	CREATE TABLE IF NOT EXISTS presentation_bindings (
		diner_id TEXT PRIMARY KEY REFERENCES diners(id) ON DELETE CASCADE,
		voucher_id TEXT NOT NULL,
		code TEXT NOT NULL UNIQUE,
		issued_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reconciliation_batches (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		filename TEXT NOT NULL DEFAULT '',
		total_records INTEGER NOT NULL DEFAULT 0,
		matched_records INTEGER NOT NULL DEFAULT 0,
		unmatched_records INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_batches_merchant
		ON reconciliation_batches(merchant_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS reconciliation_records (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL REFERENCES reconciliation_batches(id),
		bill_id TEXT NOT NULL DEFAULT '',
		csv_amount TEXT NOT NULL DEFAULT '',
		csv_date TEXT NOT NULL DEFAULT '',
		is_matched INTEGER NOT NULL DEFAULT 0,
		matched_voucher_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_records_batch
		ON reconciliation_records(batch_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within one IMMEDIATE database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore is the loyalty.Tx view. It must only touch tx: the store may have
// a single connection, which the transaction already holds.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetMerchant(ctx context.Context, id loyalty.MerchantID) (*loyalty.Merchant, error) {
	return getMerchant(ctx, ts.tx, id)
}

func (ts *txStore) GetBranch(ctx context.Context, id loyalty.BranchID) (*loyalty.Branch, error) {
	return getBranch(ctx, ts.tx, id)
}

func (ts *txStore) ListBranches(ctx context.Context, merchantID loyalty.MerchantID) ([]loyalty.Branch, error) {
	return listBranches(ctx, ts.tx, merchantID)
}

func (ts *txStore) GetDiner(ctx context.Context, id loyalty.DinerID) (*loyalty.Diner, error) {
	return getDiner(ctx, ts.tx, id)
}

func (ts *txStore) GetVoucherType(ctx context.Context, id loyalty.VoucherTypeID) (*loyalty.VoucherType, error) {
	return getVoucherType(ctx, ts.tx, id)
}

func (ts *txStore) ListActiveVoucherTypes(ctx context.Context, merchantID loyalty.MerchantID, mode loyalty.EarningMode) ([]loyalty.VoucherType, error) {
	return listActiveVoucherTypes(ctx, ts.tx, merchantID, mode)
}

func (ts *txStore) SaveMerchant(ctx context.Context, m loyalty.Merchant) error {
	return saveMerchant(ctx, ts.tx, m)
}

// LockBalance relies on the IMMEDIATE transaction already holding the write lock.
func (ts *txStore) LockBalance(ctx context.Context, key loyalty.BalanceKey) (*loyalty.Balance, error) {
	return getBalance(ctx, ts.tx, key)
}

func (ts *txStore) SaveBalance(ctx context.Context, b loyalty.Balance) error {
	query := `
		INSERT INTO balances
		(diner_id, merchant_id, branch_id, current_points, total_points_earned, current_visits,
		 total_visits, points_credits, visit_credits, total_credits_earned, total_vouchers_generated,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(diner_id, merchant_id, branch_id) DO UPDATE SET
			current_points = excluded.current_points,
			total_points_earned = excluded.total_points_earned,
			current_visits = excluded.current_visits,
			total_visits = excluded.total_visits,
			points_credits = excluded.points_credits,
			visit_credits = excluded.visit_credits,
			total_credits_earned = excluded.total_credits_earned,
			total_vouchers_generated = excluded.total_vouchers_generated,
			updated_at = excluded.updated_at
	`
	_, err := ts.tx.ExecContext(ctx, query,
		b.Key.DinerID, b.Key.MerchantID, b.Key.BranchID,
		b.CurrentPoints, b.TotalPointsEarned, b.CurrentVisits, b.TotalVisits,
		b.PointsCredits, b.VisitCredits, b.TotalCreditsEarned, b.TotalVouchersGenerated,
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

func (ts *txStore) AppendTransaction(ctx context.Context, t loyalty.Transaction) error {
	query := `
		INSERT INTO transactions
		(id, diner_id, merchant_id, branch_id, amount, points_earned, bill_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ts.tx.ExecContext(ctx, query,
		t.ID, t.DinerID, t.MerchantID, t.BranchID,
		t.Amount.String(), t.PointsEarned, t.BillID, formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (ts *txStore) InsertVoucher(ctx context.Context, v loyalty.Voucher) error {
	query := `
		INSERT INTO vouchers
		(id, diner_id, merchant_id, branch_id, voucher_type_id, title, source, issued_at, expires_at,
		 is_redeemed, redeemed_at, redeemed_bill_id, redeemed_branch_id, redemption_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ts.tx.ExecContext(ctx, query,
		v.ID, v.DinerID, v.MerchantID, v.BranchID, v.VoucherTypeID, v.Title, v.Source,
		formatTime(v.IssuedAt), formatTime(v.ExpiresAt),
		v.IsRedeemed, nullTime(v.RedeemedAt), v.RedeemedBillID, v.RedeemedBranchID, nullString(v.RedemptionCode),
	)
	if err != nil {
		return fmt.Errorf("failed to insert voucher: %w", err)
	}
	return nil
}

func (ts *txStore) GetVoucher(ctx context.Context, id loyalty.VoucherID) (*loyalty.Voucher, error) {
	return getVoucher(ctx, ts.tx, "id = ?", id)
}

// MarkVoucherRedeemed flips is_redeemed only when it is still 0.
func (ts *txStore) MarkVoucherRedeemed(ctx context.Context, id loyalty.VoucherID, r loyalty.Redemption) (bool, error) {
	query := `
		UPDATE vouchers
		SET is_redeemed = 1, redeemed_at = ?, redeemed_bill_id = ?, redeemed_branch_id = ?, redemption_code = ?
		WHERE id = ? AND is_redeemed = 0
	`
	res, err := ts.tx.ExecContext(ctx, query,
		formatTime(r.At), r.BillID, r.BranchID, nullString(r.Code), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to redeem voucher: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (ts *txStore) FindVoucherByRedemptionCode(ctx context.Context, code string) (*loyalty.Voucher, error) {
	return getVoucher(ctx, ts.tx, "redemption_code = ?", code)
}

// FindVoucherByBill returns the most recently redeemed voucher quoting billID.
func (ts *txStore) FindVoucherByBill(ctx context.Context, merchantID loyalty.MerchantID, billID string) (*loyalty.Voucher, error) {
	return getVoucher(ctx, ts.tx,
		"merchant_id = ? AND is_redeemed = 1 AND redeemed_bill_id = ? ORDER BY redeemed_at DESC LIMIT 1",
		merchantID, billID)
}

func (ts *txStore) GetBinding(ctx context.Context, dinerID loyalty.DinerID) (*loyalty.PresentationBinding, error) {
	return getBinding(ctx, ts.tx, "diner_id = ?", dinerID)
}

func (ts *txStore) FindBindingByCode(ctx context.Context, code string) (*loyalty.PresentationBinding, error) {
	return getBinding(ctx, ts.tx, "code = ?", code)
}

func (ts *txStore) SetBinding(ctx context.Context, b loyalty.PresentationBinding) error {
	query := `
		INSERT INTO presentation_bindings (diner_id, voucher_id, code, issued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(diner_id) DO UPDATE SET
			voucher_id = excluded.voucher_id,
			code = excluded.code,
			issued_at = excluded.issued_at
	`
	_, err := ts.tx.ExecContext(ctx, query, b.DinerID, b.VoucherID, b.Code, formatTime(b.IssuedAt))
	if err != nil {
		return fmt.Errorf("failed to save presentation binding: %w", err)
	}
	return nil
}

// ClearBinding deletes the diner's binding only if it still holds code.
func (ts *txStore) ClearBinding(ctx context.Context, dinerID loyalty.DinerID, code string) (bool, error) {
	res, err := ts.tx.ExecContext(ctx,
		"DELETE FROM presentation_bindings WHERE diner_id = ? AND code = ?", dinerID, code)
	if err != nil {
		return false, fmt.Errorf("failed to clear presentation binding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (ts *txStore) SaveBatch(ctx context.Context, b loyalty.ReconciliationBatch) error {
	query := `
		INSERT INTO reconciliation_batches
		(id, merchant_id, filename, total_records, matched_records, unmatched_records, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			total_records = excluded.total_records,
			matched_records = excluded.matched_records,
			unmatched_records = excluded.unmatched_records,
			status = excluded.status,
			completed_at = excluded.completed_at
	`
	_, err := ts.tx.ExecContext(ctx, query,
		b.ID, b.MerchantID, b.Filename, b.TotalRecords, b.MatchedRecords, b.UnmatchedRecords,
		b.Status, formatTime(b.CreatedAt), nullTime(b.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation batch: %w", err)
	}
	return nil
}

func (ts *txStore) AppendRecords(ctx context.Context, records []loyalty.ReconciliationRecord) error {
	stmt, err := ts.tx.PrepareContext(ctx, `
		INSERT INTO reconciliation_records
		(id, batch_id, bill_id, csv_amount, csv_date, is_matched, matched_voucher_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare record insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.BatchID, r.BillID, r.CSVAmount, r.CSVDate, r.IsMatched, r.MatchedVoucherID,
		); err != nil {
			return fmt.Errorf("failed to append reconciliation record: %w", err)
		}
	}
	return nil
}

// =============================================================================
// READ ACCESSORS (loyalty.Store interface)
// =============================================================================

func (s *Store) GetMerchant(ctx context.Context, id loyalty.MerchantID) (*loyalty.Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getMerchant(ctx, s.db, id)
}

func (s *Store) GetBranch(ctx context.Context, id loyalty.BranchID) (*loyalty.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBranch(ctx, s.db, id)
}

func (s *Store) ListBranches(ctx context.Context, merchantID loyalty.MerchantID) ([]loyalty.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBranches(ctx, s.db, merchantID)
}

func (s *Store) GetDiner(ctx context.Context, id loyalty.DinerID) (*loyalty.Diner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDiner(ctx, s.db, id)
}

func (s *Store) GetVoucherType(ctx context.Context, id loyalty.VoucherTypeID) (*loyalty.VoucherType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getVoucherType(ctx, s.db, id)
}

func (s *Store) ListActiveVoucherTypes(ctx context.Context, merchantID loyalty.MerchantID, mode loyalty.EarningMode) ([]loyalty.VoucherType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listActiveVoucherTypes(ctx, s.db, merchantID, mode)
}

func (s *Store) GetBalance(ctx context.Context, key loyalty.BalanceKey) (*loyalty.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBalance(ctx, s.db, key)
}

func (s *Store) ListBalances(ctx context.Context, dinerID loyalty.DinerID) ([]loyalty.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+balanceColumns+" FROM balances WHERE diner_id = ? ORDER BY merchant_id, branch_id", dinerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances []loyalty.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, *b)
	}
	return balances, rows.Err()
}

func (s *Store) GetVoucher(ctx context.Context, id loyalty.VoucherID) (*loyalty.Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getVoucher(ctx, s.db, "id = ?", id)
}

func (s *Store) ListVouchers(ctx context.Context, filter loyalty.VoucherFilter) ([]loyalty.Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := "diner_id = ?"
	args := []any{filter.DinerID}
	if filter.MerchantID != "" {
		where += " AND merchant_id = ?"
		args = append(args, filter.MerchantID)
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+voucherColumns+" FROM vouchers WHERE "+where+" ORDER BY issued_at, id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vouchers: %w", err)
	}
	defer rows.Close()

	var vouchers []loyalty.Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		vouchers = append(vouchers, *v)
	}
	return vouchers, rows.Err()
}

func (s *Store) ListTransactions(ctx context.Context, dinerID loyalty.DinerID, merchantID loyalty.MerchantID) ([]loyalty.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := "diner_id = ?"
	args := []any{dinerID}
	if merchantID != "" {
		where += " AND merchant_id = ?"
		args = append(args, merchantID)
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE "+where+" ORDER BY created_at, rowid", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []loyalty.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

// FindTransactionByBill returns the most recent transaction carrying billID.
func (s *Store) FindTransactionByBill(ctx context.Context, merchantID loyalty.MerchantID, billID string) (*loyalty.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE merchant_id = ? AND bill_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1",
		merchantID, billID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *Store) GetBinding(ctx context.Context, dinerID loyalty.DinerID) (*loyalty.PresentationBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBinding(ctx, s.db, "diner_id = ?", dinerID)
}

func (s *Store) GetBatch(ctx context.Context, id loyalty.BatchID) (*loyalty.ReconciliationBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, err := scanBatch(s.db.QueryRowContext(ctx,
		"SELECT "+batchColumns+" FROM reconciliation_batches WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// ListBatches returns the merchant's batches, newest first.
func (s *Store) ListBatches(ctx context.Context, merchantID loyalty.MerchantID) ([]loyalty.ReconciliationBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+batchColumns+" FROM reconciliation_batches WHERE merchant_id = ? ORDER BY created_at DESC, id DESC",
		merchantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation batches: %w", err)
	}
	defer rows.Close()

	var batches []loyalty.ReconciliationBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

func (s *Store) ListRecords(ctx context.Context, batchID loyalty.BatchID) ([]loyalty.ReconciliationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, bill_id, csv_amount, csv_date, is_matched, matched_voucher_id
		FROM reconciliation_records
		WHERE batch_id = ?
		ORDER BY rowid
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation records: %w", err)
	}
	defer rows.Close()

	var records []loyalty.ReconciliationRecord
	for rows.Next() {
		var r loyalty.ReconciliationRecord
		if err := rows.Scan(&r.ID, &r.BatchID, &r.BillID, &r.CSVAmount, &r.CSVDate, &r.IsMatched, &r.MatchedVoucherID); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// =============================================================================
// ADMIN (loyalty.Admin interface)
// =============================================================================

func (s *Store) SaveMerchant(ctx context.Context, m loyalty.Merchant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveMerchant(ctx, s.db, m)
}

func saveMerchant(ctx context.Context, q querier, m loyalty.Merchant) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	query := `
		INSERT INTO merchants
		(id, name, currency, points_per_currency, points_threshold, visit_threshold,
		 loyalty_scope, voucher_scope, auto_issue_vouchers, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			currency = excluded.currency,
			points_per_currency = excluded.points_per_currency,
			points_threshold = excluded.points_threshold,
			visit_threshold = excluded.visit_threshold,
			loyalty_scope = excluded.loyalty_scope,
			voucher_scope = excluded.voucher_scope,
			auto_issue_vouchers = excluded.auto_issue_vouchers,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query,
		m.ID, m.Name, m.Currency, m.PointsPerCurrency.String(), m.PointsThreshold, m.VisitThreshold,
		m.LoyaltyScope, m.VoucherScope, m.AutoIssueVouchers, formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save merchant: %w", err)
	}
	return nil
}

func (s *Store) SaveBranch(ctx context.Context, b loyalty.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT OR REPLACE INTO branches (id, merchant_id, name, is_default, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, b.ID, b.MerchantID, b.Name, b.IsDefault, b.IsActive, formatTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save branch: %w", err)
	}
	return nil
}

func (s *Store) SaveDiner(ctx context.Context, d loyalty.Diner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO diners (id, name, phone, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, phone = excluded.phone
	`
	_, err := s.db.ExecContext(ctx, query, d.ID, d.Name, d.Phone, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save diner: %w", err)
	}
	return nil
}

func (s *Store) SaveVoucherType(ctx context.Context, vt loyalty.VoucherType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vt.CreatedAt.IsZero() {
		vt.CreatedAt = time.Now().UTC()
	}
	eligible := vt.EligibleBranches
	if eligible == nil {
		eligible = []loyalty.BranchID{}
	}
	eligibleJSON, err := json.Marshal(eligible)
	if err != nil {
		return fmt.Errorf("failed to encode eligible branches: %w", err)
	}
	query := `
		INSERT OR REPLACE INTO voucher_types
		(id, merchant_id, title, description, earning_mode, credits_cost, validity_days,
		 redemption_scope, eligible_branches_json, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		vt.ID, vt.MerchantID, vt.Title, vt.Description, vt.EarningMode, vt.CreditsCost, vt.ValidityDays,
		vt.RedemptionScope, string(eligibleJSON), vt.Active, formatTime(vt.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save voucher type: %w", err)
	}
	return nil
}

// DeleteDiner removes the diner; balances and binding cascade. Vouchers and
// transactions stay for reconciliation history.
func (s *Store) DeleteDiner(ctx context.Context, id loyalty.DinerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM presentation_bindings WHERE diner_id = ?",
		"DELETE FROM balances WHERE diner_id = ?",
		"DELETE FROM diners WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete diner: %w", err)
		}
	}
	return tx.Commit()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"reconciliation_records", "reconciliation_batches", "presentation_bindings",
		"vouchers", "transactions", "balances", "voucher_types", "branches", "diners", "merchants",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// QUERIES - Shared by Store (on *sql.DB) and txStore (on *sql.Tx)
// =============================================================================

const (
	balanceColumns = `diner_id, merchant_id, branch_id, current_points, total_points_earned, current_visits,
		total_visits, points_credits, visit_credits, total_credits_earned, total_vouchers_generated,
		created_at, updated_at`
	transactionColumns = `id, diner_id, merchant_id, branch_id, amount, points_earned, bill_id, created_at`
	voucherColumns     = `id, diner_id, merchant_id, branch_id, voucher_type_id, title, source, issued_at, expires_at,
		is_redeemed, redeemed_at, redeemed_bill_id, redeemed_branch_id, redemption_code`
	voucherTypeColumns = `id, merchant_id, title, description, earning_mode, credits_cost, validity_days,
		redemption_scope, eligible_branches_json, active, created_at`
	batchColumns = `id, merchant_id, filename, total_records, matched_records, unmatched_records, status,
		created_at, completed_at`
)

func getMerchant(ctx context.Context, q querier, id loyalty.MerchantID) (*loyalty.Merchant, error) {
	var (
		m                    loyalty.Merchant
		rate                 string
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, name, currency, points_per_currency, points_threshold, visit_threshold,
		       loyalty_scope, voucher_scope, auto_issue_vouchers, created_at, updated_at
		FROM merchants WHERE id = ?
	`, id).Scan(
		&m.ID, &m.Name, &m.Currency, &rate, &m.PointsThreshold, &m.VisitThreshold,
		&m.LoyaltyScope, &m.VoucherScope, &m.AutoIssueVouchers, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get merchant: %w", err)
	}
	if m.PointsPerCurrency, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("merchant %s has invalid points rate %q: %w", id, rate, err)
	}
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func getBranch(ctx context.Context, q querier, id loyalty.BranchID) (*loyalty.Branch, error) {
	b, err := scanBranch(q.QueryRowContext(ctx,
		"SELECT id, merchant_id, name, is_default, is_active, created_at FROM branches WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func listBranches(ctx context.Context, q querier, merchantID loyalty.MerchantID) ([]loyalty.Branch, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, merchant_id, name, is_default, is_active, created_at FROM branches WHERE merchant_id = ? ORDER BY name, id",
		merchantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query branches: %w", err)
	}
	defer rows.Close()

	var branches []loyalty.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, *b)
	}
	return branches, rows.Err()
}

func scanBranch(row scanner) (*loyalty.Branch, error) {
	var (
		b         loyalty.Branch
		createdAt string
	)
	if err := row.Scan(&b.ID, &b.MerchantID, &b.Name, &b.IsDefault, &b.IsActive, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan branch: %w", err)
	}
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

func getDiner(ctx context.Context, q querier, id loyalty.DinerID) (*loyalty.Diner, error) {
	var (
		d         loyalty.Diner
		createdAt string
	)
	err := q.QueryRowContext(ctx, "SELECT id, name, phone, created_at FROM diners WHERE id = ?", id).
		Scan(&d.ID, &d.Name, &d.Phone, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get diner: %w", err)
	}
	d.CreatedAt = parseTime(createdAt)
	return &d, nil
}

func getVoucherType(ctx context.Context, q querier, id loyalty.VoucherTypeID) (*loyalty.VoucherType, error) {
	types, err := queryVoucherTypes(ctx, q, "WHERE id = ?", id)
	if err != nil || len(types) == 0 {
		return nil, err
	}
	return &types[0], nil
}

func listActiveVoucherTypes(ctx context.Context, q querier, merchantID loyalty.MerchantID, mode loyalty.EarningMode) ([]loyalty.VoucherType, error) {
	return queryVoucherTypes(ctx, q,
		"WHERE merchant_id = ? AND earning_mode = ? AND active = 1 ORDER BY title, id", merchantID, mode)
}

func queryVoucherTypes(ctx context.Context, q querier, clause string, args ...any) ([]loyalty.VoucherType, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+voucherTypeColumns+" FROM voucher_types "+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query voucher types: %w", err)
	}
	defer rows.Close()

	var types []loyalty.VoucherType
	for rows.Next() {
		var (
			vt           loyalty.VoucherType
			eligibleJSON string
			createdAt    string
		)
		if err := rows.Scan(
			&vt.ID, &vt.MerchantID, &vt.Title, &vt.Description, &vt.EarningMode, &vt.CreditsCost,
			&vt.ValidityDays, &vt.RedemptionScope, &eligibleJSON, &vt.Active, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan voucher type: %w", err)
		}
		if err := json.Unmarshal([]byte(eligibleJSON), &vt.EligibleBranches); err != nil {
			return nil, fmt.Errorf("voucher type %s has invalid eligible branches: %w", vt.ID, err)
		}
		if len(vt.EligibleBranches) == 0 {
			vt.EligibleBranches = nil
		}
		vt.CreatedAt = parseTime(createdAt)
		types = append(types, vt)
	}
	return types, rows.Err()
}

func getBalance(ctx context.Context, q querier, key loyalty.BalanceKey) (*loyalty.Balance, error) {
	b, err := scanBalance(q.QueryRowContext(ctx,
		"SELECT "+balanceColumns+" FROM balances WHERE diner_id = ? AND merchant_id = ? AND branch_id = ?",
		key.DinerID, key.MerchantID, key.BranchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func scanBalance(row scanner) (*loyalty.Balance, error) {
	var (
		b                    loyalty.Balance
		createdAt, updatedAt string
	)
	err := row.Scan(
		&b.Key.DinerID, &b.Key.MerchantID, &b.Key.BranchID,
		&b.CurrentPoints, &b.TotalPointsEarned, &b.CurrentVisits, &b.TotalVisits,
		&b.PointsCredits, &b.VisitCredits, &b.TotalCreditsEarned, &b.TotalVouchersGenerated,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan balance: %w", err)
	}
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

func scanTransaction(row scanner) (*loyalty.Transaction, error) {
	var (
		t         loyalty.Transaction
		amount    string
		createdAt string
	)
	err := row.Scan(&t.ID, &t.DinerID, &t.MerchantID, &t.BranchID, &amount, &t.PointsEarned, &t.BillID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("transaction %s has invalid amount %q: %w", t.ID, amount, err)
	}
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// getVoucher loads the first voucher matching where.
func getVoucher(ctx context.Context, q querier, where string, args ...any) (*loyalty.Voucher, error) {
	v, err := scanVoucher(q.QueryRowContext(ctx, "SELECT "+voucherColumns+" FROM vouchers WHERE "+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func scanVoucher(row scanner) (*loyalty.Voucher, error) {
	var (
		v                   loyalty.Voucher
		issuedAt, expiresAt string
		redeemedAt          sql.NullString
		code                sql.NullString
	)
	err := row.Scan(
		&v.ID, &v.DinerID, &v.MerchantID, &v.BranchID, &v.VoucherTypeID, &v.Title, &v.Source,
		&issuedAt, &expiresAt, &v.IsRedeemed, &redeemedAt, &v.RedeemedBillID, &v.RedeemedBranchID, &code,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan voucher: %w", err)
	}
	v.IssuedAt = parseTime(issuedAt)
	v.ExpiresAt = parseTime(expiresAt)
	if redeemedAt.Valid {
		t := parseTime(redeemedAt.String)
		v.RedeemedAt = &t
	}
	v.RedemptionCode = code.String
	return &v, nil
}

func getBinding(ctx context.Context, q querier, where string, arg any) (*loyalty.PresentationBinding, error) {
	var (
		b        loyalty.PresentationBinding
		issuedAt string
	)
	err := q.QueryRowContext(ctx,
		"SELECT diner_id, voucher_id, code, issued_at FROM presentation_bindings WHERE "+where, arg).
		Scan(&b.DinerID, &b.VoucherID, &b.Code, &issuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presentation binding: %w", err)
	}
	b.IssuedAt = parseTime(issuedAt)
	return &b, nil
}

func scanBatch(row scanner) (*loyalty.ReconciliationBatch, error) {
	var (
		b           loyalty.ReconciliationBatch
		createdAt   string
		completedAt sql.NullString
	)
	err := row.Scan(
		&b.ID, &b.MerchantID, &b.Filename, &b.TotalRecords, &b.MatchedRecords, &b.UnmatchedRecords,
		&b.Status, &createdAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan reconciliation batch: %w", err)
	}
	b.CreatedAt = parseTime(createdAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		b.CompletedAt = &t
	}
	return &b, nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// IsUniqueConstraintError reports whether err is a UNIQUE violation.
func IsUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
