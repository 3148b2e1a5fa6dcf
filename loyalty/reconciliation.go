/*
reconciliation.go - Matches a settlement export against redemptions

PURPOSE:
  A merchant uploads the bill list from their POS. Every row whose bill id
  was quoted on a redeemed voucher at this merchant counts as matched.

PERSISTENCE:
  Three writes, not one storage transaction:
    1. batch saved as processing
    2. all records appended
    3. batch saved as completed with totals
  An interrupted run leaves a processing batch behind; callers treat a batch
  that never completed as failed.

DETAIL VIEW:
  BatchDetail is a read-side projection. It adds the matched voucher's title
  and redemption time and, when a transaction carries the same bill id, the
  variance csvAmount - recordedAmount.
*/
package loyalty

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BatchSummary counts matched and unmatched rows.
type BatchSummary struct {
	Total     int `json:"total"`
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
}

// BatchResult is returned by ProcessBatch.
type BatchResult struct {
	Batch   ReconciliationBatch
	Records []ReconciliationRecord
	Summary BatchSummary
}

// RecordDetail enriches one record for display.
type RecordDetail struct {
	Record         ReconciliationRecord
	VoucherTitle   string
	RedeemedAt     *time.Time
	CSVAmount      *decimal.Decimal
	RecordedAmount *decimal.Decimal
	Variance       *decimal.Decimal
}

// BatchDetail is a batch with its enriched records.
type BatchDetail struct {
	Batch   ReconciliationBatch
	Records []RecordDetail
}

// ProcessBatch parses csvText and matches every row against the merchant's
// redeemed vouchers.
func (e *Engine) ProcessBatch(ctx context.Context, merchantID MerchantID, filename, csvText string) (*BatchResult, error) {
	merchant, err := requireMerchant(ctx, e.store, merchantID)
	if err != nil {
		return nil, err
	}
	rows, err := ParseSettlement(strings.NewReader(csvText))
	if err != nil {
		return nil, err
	}

	batch := ReconciliationBatch{
		ID:         BatchID(newID()),
		MerchantID: merchant.ID,
		Filename:   filename,
		Status:     BatchProcessing,
		CreatedAt:  e.now(),
	}
	if err := e.store.WithTx(ctx, func(tx Tx) error {
		return tx.SaveBatch(ctx, batch)
	}); err != nil {
		return nil, err
	}

	records := make([]ReconciliationRecord, 0, len(rows))
	var summary BatchSummary
	err = e.store.WithTx(ctx, func(tx Tx) error {
		for _, row := range rows {
			rec := ReconciliationRecord{
				ID:        RecordID(newID()),
				BatchID:   batch.ID,
				BillID:    row.BillID,
				CSVAmount: row.Amount,
				CSVDate:   row.Date,
			}
			if row.BillID != "" {
				v, err := tx.FindVoucherByBill(ctx, merchant.ID, row.BillID)
				if err != nil {
					return err
				}
				if v != nil {
					rec.IsMatched = true
					rec.MatchedVoucherID = v.ID
				}
			}
			if rec.IsMatched {
				summary.Matched++
			}
			records = append(records, rec)
		}
		return tx.AppendRecords(ctx, records)
	})
	if err != nil {
		return nil, err
	}
	summary.Total = len(records)
	summary.Unmatched = summary.Total - summary.Matched

	completed := e.now()
	batch.TotalRecords = summary.Total
	batch.MatchedRecords = summary.Matched
	batch.UnmatchedRecords = summary.Unmatched
	batch.Status = BatchCompleted
	batch.CompletedAt = &completed
	if err := e.store.WithTx(ctx, func(tx Tx) error {
		return tx.SaveBatch(ctx, batch)
	}); err != nil {
		return nil, err
	}

	e.metrics.ReconciliationRecords(summary.Matched, summary.Unmatched)
	e.log.Info("reconciliation batch completed",
		slog.String("batch_id", string(batch.ID)),
		slog.String("merchant_id", string(merchant.ID)),
		slog.String("filename", filename),
		slog.Int("total", summary.Total),
		slog.Int("matched", summary.Matched),
	)
	return &BatchResult{Batch: batch, Records: records, Summary: summary}, nil
}

// ListBatches returns the merchant's batches, newest first.
func (e *Engine) ListBatches(ctx context.Context, merchantID MerchantID) ([]ReconciliationBatch, error) {
	if _, err := requireMerchant(ctx, e.store, merchantID); err != nil {
		return nil, err
	}
	return e.store.ListBatches(ctx, merchantID)
}

// BatchDetail loads a batch owned by merchantID with enriched records.
func (e *Engine) BatchDetail(ctx context.Context, merchantID MerchantID, batchID BatchID) (*BatchDetail, error) {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil || batch.MerchantID != merchantID {
		return nil, notFound("reconciliation batch %s not found", batchID)
	}
	records, err := e.store.ListRecords(ctx, batchID)
	if err != nil {
		return nil, err
	}

	details := make([]RecordDetail, 0, len(records))
	for _, rec := range records {
		d := RecordDetail{Record: rec}
		if rec.MatchedVoucherID != "" {
			v, err := e.store.GetVoucher(ctx, rec.MatchedVoucherID)
			if err != nil {
				return nil, err
			}
			if v != nil {
				d.VoucherTitle = v.Title
				d.RedeemedAt = v.RedeemedAt
			}
		}
		if amount, ok := NormalizeAmount(rec.CSVAmount); ok {
			d.CSVAmount = &amount
		}
		if rec.BillID != "" {
			txn, err := e.store.FindTransactionByBill(ctx, merchantID, rec.BillID)
			if err != nil {
				return nil, err
			}
			if txn != nil {
				recorded := txn.Amount
				d.RecordedAmount = &recorded
				if d.CSVAmount != nil {
					variance := Variance(*d.CSVAmount, recorded)
					d.Variance = &variance
				}
			}
		}
		details = append(details, d)
	}
	return &BatchDetail{Batch: *batch, Records: details}, nil
}

// Variance is csvAmount - recordedAmount.
func Variance(csvAmount, recorded decimal.Decimal) decimal.Decimal {
	return csvAmount.Sub(recorded)
}
