package api

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

func TestReconciliationScheduler_ProcessesInbox(t *testing.T) {
	// GIVEN: An inbox with one good export, one without a bill column and one
	// for an unknown merchant
	ctx := context.Background()
	mem := store.NewMemory()
	engine := loyalty.NewEngine(mem, loyalty.Options{})
	h := NewHandler(engine, mem, nil)
	require.NoError(t, h.seedBistro(ctx, loyalty.ScopeOrganization, false))

	inbox := t.TempDir()
	bistroDir := filepath.Join(inbox, "bistro-bay")
	require.NoError(t, os.MkdirAll(bistroDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bistroDir, "01-good.csv"), []byte("bill_id,amount\nX-1,10\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bistroDir, "02-bad.csv"), []byte("amount\n10\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bistroDir, "notes.txt"), []byte("ignore me"), 0o644))
	ghostDir := filepath.Join(inbox, "ghost")
	require.NoError(t, os.MkdirAll(ghostDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ghostDir, "a.csv"), []byte("bill_id\nA\n"), 0o644))

	// WHEN: One sweep runs
	rs := NewReconciliationScheduler(engine, inbox, nil)
	processed := rs.CheckAndProcess(ctx)

	// THEN: Only the good file became a batch; every csv was moved
	assert.Equal(t, 1, processed)
	batches, err := engine.ListBatches(ctx, "bistro-bay")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "01-good.csv", batches[0].Filename)

	assert.FileExists(t, filepath.Join(bistroDir, "processed", "01-good.csv"))
	assert.FileExists(t, filepath.Join(bistroDir, "failed", "02-bad.csv"))
	assert.FileExists(t, filepath.Join(ghostDir, "failed", "a.csv"))
	assert.FileExists(t, filepath.Join(bistroDir, "notes.txt"))

	// A second sweep finds nothing new
	assert.Equal(t, 0, rs.CheckAndProcess(ctx))
}

func TestReconciliationScheduler_FailedArchiveNeverReprocesses(t *testing.T) {
	// GIVEN: A good export, but processed/ cannot be created
	ctx := context.Background()
	mem := store.NewMemory()
	engine := loyalty.NewEngine(mem, loyalty.Options{})
	h := NewHandler(engine, mem, nil)
	require.NoError(t, h.seedBistro(ctx, loyalty.ScopeOrganization, false))

	inbox := t.TempDir()
	bistroDir := filepath.Join(inbox, "bistro-bay")
	require.NoError(t, os.MkdirAll(bistroDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bistroDir, "processed"), []byte("not a directory"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bistroDir, "day.csv"), []byte("bill_id,amount\nX-1,10\n"), 0o644))

	// WHEN: Two sweeps run
	rs := NewReconciliationScheduler(engine, inbox, nil)
	assert.Equal(t, 1, rs.CheckAndProcess(ctx))
	assert.Equal(t, 0, rs.CheckAndProcess(ctx))

	// THEN: One batch, and the file waits in processing/ for an operator
	batches, err := engine.ListBatches(ctx, "bistro-bay")
	require.NoError(t, err)
	assert.Len(t, batches, 1)
	assert.NoFileExists(t, filepath.Join(bistroDir, "day.csv"))
	assert.FileExists(t, filepath.Join(bistroDir, "processing", "day.csv"))
}

func TestReconciliationScheduler_StartStop(t *testing.T) {
	mem := store.NewMemory()
	engine := loyalty.NewEngine(mem, loyalty.Options{})

	rs := NewReconciliationScheduler(engine, t.TempDir(), nil)
	rs.CheckInterval = 10 * time.Millisecond
	rs.Start()
	rs.Start() // idempotent
	time.Sleep(30 * time.Millisecond)
	rs.Stop()
	rs.Stop()

	disabled := NewReconciliationScheduler(engine, "", nil)
	disabled.Start()
	disabled.Stop()
}
