/*
scheduler.go - Settlement inbox scheduler

PURPOSE:
  Periodically picks up settlement exports dropped into an inbox directory
  and runs them through the reconciliation matcher, so POS systems that can
  only export files (not call the API) still get reconciled.

LAYOUT:
  <inbox>/<merchantID>/*.csv           pending exports
  <inbox>/<merchantID>/processing/     claimed by the current sweep
  <inbox>/<merchantID>/processed/      moved here after a batch completes
  <inbox>/<merchantID>/failed/         moved here when the file is rejected

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Files are processed in name order, one batch per file
  - A file is claimed (moved to processing/) before the engine sees it, so
    it can never become two batches. Storage errors move it back for the
    next sweep; anything left in processing/ needs an operator and is
    reported on every sweep

USAGE:
  scheduler := NewReconciliationScheduler(engine, "./data/settlements", logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: UploadSettlement endpoint (manual upload)
  - loyalty/reconciliation.go: ProcessBatch
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// ReconciliationScheduler imports settlement files from an inbox directory.
type ReconciliationScheduler struct {
	Engine        *loyalty.Engine
	Inbox         string
	CheckInterval time.Duration

	log    *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(engine *loyalty.Engine, inbox string, logger *slog.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationScheduler{
		Engine:        engine,
		Inbox:         inbox,
		CheckInterval: 5 * time.Minute,
		log:           logger.With(slog.String("component", "settlement_inbox")),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.Inbox == "" {
		rs.log.Info("settlement inbox disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.log.Info("settlement inbox started",
		slog.String("inbox", rs.Inbox),
		slog.Duration("interval", rs.CheckInterval),
	)
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.log.Info("settlement inbox stopped")
	}
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.CheckAndProcess(context.Background())

	for {
		select {
		case <-rs.ticker.C:
			rs.CheckAndProcess(context.Background())
		case <-rs.stop:
			return
		}
	}
}

// CheckAndProcess sweeps the inbox once and returns how many files were
// completed.
func (rs *ReconciliationScheduler) CheckAndProcess(ctx context.Context) int {
	merchants, err := os.ReadDir(rs.Inbox)
	if err != nil {
		rs.log.Warn("cannot read settlement inbox", slog.String("inbox", rs.Inbox), slog.Any("error", err))
		return 0
	}

	processed := 0
	for _, dir := range merchants {
		if !dir.IsDir() {
			continue
		}
		merchantID := loyalty.MerchantID(dir.Name())
		merchantDir := filepath.Join(rs.Inbox, dir.Name())
		rs.reportStranded(merchantID, merchantDir)

		files, err := pendingFiles(merchantDir)
		if err != nil {
			rs.log.Warn("cannot list merchant inbox", slog.String("merchant_id", string(merchantID)), slog.Any("error", err))
			continue
		}
		for _, path := range files {
			if rs.processFile(ctx, merchantID, path) {
				processed++
			}
		}
	}
	return processed
}

func (rs *ReconciliationScheduler) processFile(ctx context.Context, merchantID loyalty.MerchantID, path string) bool {
	claimed, err := moveTo(path, dirProcessing)
	if err != nil {
		rs.log.Error("cannot claim settlement file", slog.String("file", path), slog.Any("error", err))
		return false
	}

	contents, err := os.ReadFile(claimed)
	if err != nil {
		rs.log.Warn("cannot read settlement file", slog.String("file", claimed), slog.Any("error", err))
		rs.release(claimed)
		return false
	}

	res, err := rs.Engine.ProcessBatch(ctx, merchantID, filepath.Base(path), string(contents))
	if err != nil {
		if loyalty.IsClientError(err) {
			rs.log.Warn("settlement file rejected",
				slog.String("merchant_id", string(merchantID)),
				slog.String("file", path),
				slog.String("reason", loyalty.Reason(err)),
			)
			rs.finish(claimed, dirFailed)
			return false
		}
		// retry on the next sweep
		rs.log.Error("settlement file failed", slog.String("file", path), slog.Any("error", err))
		rs.release(claimed)
		return false
	}

	rs.finish(claimed, dirProcessed)
	rs.log.Info("settlement file reconciled",
		slog.String("merchant_id", string(merchantID)),
		slog.String("file", path),
		slog.String("batch_id", string(res.Batch.ID)),
		slog.Int("matched", res.Summary.Matched),
		slog.Int("unmatched", res.Summary.Unmatched),
	)
	return true
}

// finish moves a claimed file out of processing/. On failure it stays there,
// outside the sweep.
func (rs *ReconciliationScheduler) finish(claimed, sub string) {
	if _, err := moveTo(claimed, filepath.Join("..", sub)); err != nil {
		rs.log.Error("settlement file left in processing",
			slog.String("file", claimed),
			slog.String("target", sub),
			slog.Any("error", err),
		)
	}
}

// release puts a claimed file back where the next sweep will find it.
func (rs *ReconciliationScheduler) release(claimed string) {
	if _, err := moveTo(claimed, ".."); err != nil {
		rs.log.Error("cannot return settlement file to inbox",
			slog.String("file", claimed),
			slog.Any("error", err),
		)
	}
}

func (rs *ReconciliationScheduler) reportStranded(merchantID loyalty.MerchantID, merchantDir string) {
	stranded, err := pendingFiles(filepath.Join(merchantDir, dirProcessing))
	if err != nil || len(stranded) == 0 {
		return
	}
	rs.log.Warn("settlement files stuck in processing",
		slog.String("merchant_id", string(merchantID)),
		slog.Int("count", len(stranded)),
	)
}

const (
	dirProcessing = "processing"
	dirProcessed  = "processed"
	dirFailed     = "failed"
)

// moveTo moves path into sub (relative to path's directory) and returns the
// new location. An existing file of the same name gets a timestamp prefix.
func moveTo(path, sub string) (string, error) {
	dir := filepath.Join(filepath.Dir(path), sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		target = filepath.Join(dir, time.Now().UTC().Format("20060102T150405.000000000")+"-"+filepath.Base(path))
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err := os.Rename(path, target); err != nil {
		return "", err
	}
	return target, nil
}

// pendingFiles lists *.csv files directly under dir in name order.
func pendingFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
