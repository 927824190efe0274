package versions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Simplici0/cabinetry/internal/metrics"
	"github.com/Simplici0/cabinetry/internal/ratetable"
)

// flakyBackend pops one queued error per Append call before delegating, and
// fails reads with the configured errors.
type flakyBackend struct {
	*MemoryBackend
	mu          sync.Mutex
	appendErrs  []error
	currentErr  error
	versionsErr error
	appendCalls int
}

func (f *flakyBackend) Name() string { return "flaky" }

func (f *flakyBackend) Append(ctx context.Context, rec Record, setCurrent bool) error {
	f.mu.Lock()
	f.appendCalls++
	var err error
	if len(f.appendErrs) > 0 {
		err, f.appendErrs = f.appendErrs[0], f.appendErrs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryBackend.Append(ctx, rec, setCurrent)
}

func (f *flakyBackend) Current(ctx context.Context) (*ratetable.RateTable, error) {
	if f.currentErr != nil {
		return nil, f.currentErr
	}
	return f.MemoryBackend.Current(ctx)
}

func (f *flakyBackend) Versions(ctx context.Context) ([]Record, error) {
	if f.versionsErr != nil {
		return nil, f.versionsErr
	}
	return f.MemoryBackend.Versions(ctx)
}

func (f *flakyBackend) Version(ctx context.Context, ts int64) (Record, error) {
	if f.versionsErr != nil {
		return Record{}, f.versionsErr
	}
	return f.MemoryBackend.Version(ctx, ts)
}

func frozenClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func newTestStore(t *testing.T, backend Backend, clock func() time.Time) *Store {
	t.Helper()
	return NewStore(backend, Options{
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
		Clock:        clock,
		Logger:       zaptest.NewLogger(t),
	})
}

func tableWithBase(rate float64) ratetable.RateTable {
	t := ratetable.Default()
	t.BaseRates[ratetable.CategoryBase] = rate
	return t
}

func TestStore_CurrentDefaultsWhenEmpty(t *testing.T) {
	store := newTestStore(t, NewMemoryBackend(), nil)

	assert.True(t, store.Current(context.Background()).Equal(ratetable.Default()))
}

func TestStore_CurrentDefaultsWhenBackendFails(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(), currentErr: errors.New("disk gone")}
	store := newTestStore(t, backend, nil)

	assert.True(t, store.Current(context.Background()).Equal(ratetable.Default()))
}

func TestStore_SaveReplacesCurrentAndAppends(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryBackend(), frozenClock(1_700_000_000_000))

	for i := 1; i <= 5; i++ {
		_, err := store.Save(ctx, tableWithBase(float64(1000+i)))
		require.NoError(t, err)
	}

	assert.Equal(t, 1005.0, store.Current(ctx).BaseRates["base"])

	records, err := store.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i := 1; i < len(records); i++ {
		assert.Greater(t, records[i-1].Timestamp, records[i].Timestamp, "versions must be newest first with distinct timestamps")
	}
	assert.Equal(t, int64(1_700_000_000_004), records[0].Timestamp)
	assert.Equal(t, KindSave, records[0].Kind)
}

func TestStore_SaveRejectsInvalidTable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryBackend(), nil)

	_, err := store.Save(ctx, tableWithBase(-10))
	require.ErrorIs(t, err, ratetable.ErrInvalid)

	records, err := store.Versions(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_RestoreAppendsInsteadOfTruncating(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryBackend(), nil)

	first, err := store.Save(ctx, tableWithBase(1000))
	require.NoError(t, err)
	second, err := store.Save(ctx, tableWithBase(2000))
	require.NoError(t, err)

	before, err := store.Versions(ctx)
	require.NoError(t, err)

	restored, err := store.Restore(ctx, first.Timestamp)
	require.NoError(t, err)

	after, err := store.Versions(ctx)
	require.NoError(t, err)
	assert.Len(t, after, len(before)+1)

	assert.True(t, store.Current(ctx).Equal(first.RateTable))
	assert.Equal(t, KindRestore, restored.Kind)
	assert.Equal(t, first.Timestamp, restored.RestoredFrom)
	assert.Greater(t, restored.Timestamp, second.Timestamp)

	later, err := store.Version(ctx, second.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, later.RateTable.BaseRates["base"])
}

func TestStore_RestoreUnknownTimestamp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryBackend(), nil)
	_, err := store.Save(ctx, tableWithBase(1000))
	require.NoError(t, err)

	_, err = store.Restore(ctx, 42)
	require.ErrorIs(t, err, ErrVersionNotFound)

	records, err := store.Versions(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestStore_SnapshotForProposalFreezesTable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryBackend(), nil)

	_, err := store.Save(ctx, tableWithBase(1000))
	require.NoError(t, err)

	prefill := json.RawMessage(`{"projectType":"kitchen","cabinetType":"luxury","linearMeter":4}`)
	snap, err := store.SnapshotForProposal(ctx, SnapshotRequest{ProposalID: "P-17", Prefill: prefill})
	require.NoError(t, err)
	assert.Equal(t, KindProposal, snap.Kind)
	assert.Equal(t, 1000.0, snap.RateTable.BaseRates["base"])

	for _, rate := range []float64{1100, 1200, 1300} {
		_, err := store.Save(ctx, tableWithBase(rate))
		require.NoError(t, err)
	}

	frozen, err := store.ProposalSnapshot(ctx, "P-17")
	require.NoError(t, err)
	assert.Equal(t, snap.Timestamp, frozen.Timestamp)
	assert.Equal(t, 1000.0, frozen.RateTable.BaseRates["base"])
	assert.JSONEq(t, string(prefill), string(frozen.AttachedPrefill))
	assert.Equal(t, 1300.0, store.Current(ctx).BaseRates["base"])
}

func TestStore_SnapshotWithExplicitTableKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryBackend(), nil)
	_, err := store.Save(ctx, tableWithBase(1000))
	require.NoError(t, err)

	adHoc := tableWithBase(5000)
	snap, err := store.SnapshotForProposal(ctx, SnapshotRequest{RateTable: &adHoc})
	require.NoError(t, err)

	assert.NotEmpty(t, snap.ProposalID)
	assert.Equal(t, 5000.0, snap.RateTable.BaseRates["base"])
	assert.Equal(t, 1000.0, store.Current(ctx).BaseRates["base"])

	records, err := store.Versions(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestStore_SnapshotRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryBackend(), nil)

	_, err := store.SnapshotForProposal(ctx, SnapshotRequest{Prefill: json.RawMessage(`{"projectType":`)})
	require.ErrorIs(t, err, ErrInvalidPrefill)

	bad := tableWithBase(-1)
	_, err = store.SnapshotForProposal(ctx, SnapshotRequest{RateTable: &bad})
	require.ErrorIs(t, err, ratetable.ErrInvalid)
}

func TestStore_ProposalSnapshotNotFound(t *testing.T) {
	store := newTestStore(t, NewMemoryBackend(), nil)

	_, err := store.ProposalSnapshot(context.Background(), "missing")
	require.ErrorIs(t, err, ErrVersionNotFound)
}

func TestStore_RetriesTransientWriteFailures(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{
		MemoryBackend: NewMemoryBackend(),
		appendErrs:    []error{errors.New("busy"), errors.New("busy")},
	}
	store := newTestStore(t, backend, nil)

	_, err := store.Save(ctx, tableWithBase(1000))
	require.NoError(t, err)
	assert.Equal(t, 3, backend.appendCalls)
}

func TestStore_SurfacesPersistenceErrorAfterBoundedAttempts(t *testing.T) {
	ctx := context.Background()
	down := errors.New("connection refused")
	backend := &flakyBackend{
		MemoryBackend: NewMemoryBackend(),
		appendErrs:    []error{down, down, down, down, down},
	}
	store := newTestStore(t, backend, nil)

	_, err := store.Save(ctx, tableWithBase(1000))
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, perr.Attempts)
	assert.Equal(t, "save", perr.Op)
	assert.ErrorIs(t, err, down)
	assert.Equal(t, 3, backend.appendCalls)
}

func TestStore_ResolvesTimestampConflicts(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{
		MemoryBackend: NewMemoryBackend(),
		appendErrs:    []error{ErrTimestampConflict, ErrTimestampConflict},
	}
	store := newTestStore(t, backend, frozenClock(5_000))

	rec, err := store.Save(ctx, tableWithBase(1000))
	require.NoError(t, err)
	assert.Equal(t, int64(5_002), rec.Timestamp)
}

func TestStore_TimestampsIncreaseAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	first := newTestStore(t, backend, frozenClock(9_000))
	rec, err := first.Save(ctx, tableWithBase(1000))
	require.NoError(t, err)

	// A second process whose clock lags behind must still issue later ids.
	second := newTestStore(t, backend, frozenClock(8_000))
	next, err := second.Save(ctx, tableWithBase(1100))
	require.NoError(t, err)
	assert.Greater(t, next.Timestamp, rec.Timestamp)
}

func TestStore_ConcurrentSavesNeverCollide(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryBackend(), frozenClock(1_000))

	const writers = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Save(ctx, tableWithBase(float64(1000+i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	records, err := store.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, records, writers)
	seen := make(map[int64]bool, writers)
	for _, rec := range records {
		assert.False(t, seen[rec.Timestamp], "duplicate timestamp %d", rec.Timestamp)
		seen[rec.Timestamp] = true
	}
}

func TestStore_ImportIsRecordedAsImport(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryBackend(), nil)

	rec, err := store.Import(ctx, tableWithBase(1234))
	require.NoError(t, err)
	assert.Equal(t, KindImport, rec.Kind)
	assert.Equal(t, 1234.0, store.Current(ctx).BaseRates["base"])
}

func TestStore_SaveNormalisesTableKeys(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := newTestStore(t, backend, nil)

	table := tableWithBase(1000)
	table.BaseRates["Hanging"] = 500
	table.TierMultipliers["Gold"] = 2

	rec, err := store.Save(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, 500.0, rec.RateTable.BaseRates["hanging"])
	assert.NotContains(t, rec.RateTable.BaseRates, "Hanging")

	current := store.Current(ctx)
	assert.Equal(t, 2.0, current.TierMultipliers["gold"])
	assert.NotContains(t, current.TierMultipliers, "Gold")

	snap, err := store.SnapshotForProposal(ctx, SnapshotRequest{ProposalID: "P-2", RateTable: &table})
	require.NoError(t, err)
	assert.Equal(t, 500.0, snap.RateTable.BaseRates["hanging"])
}

func TestStore_SaveRejectsCollidingKeys(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := newTestStore(t, backend, nil)

	table := tableWithBase(1000)
	table.TierMultipliers["Luxury"] = 1.4

	_, err := store.Save(ctx, table)
	require.ErrorIs(t, err, ratetable.ErrInvalid)

	records, err := backend.Versions(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

type indexedBackend struct {
	*MemoryBackend
	lookups int
}

func (b *indexedBackend) ProposalSnapshot(ctx context.Context, proposalID string) (Record, error) {
	b.lookups++
	records, _ := b.MemoryBackend.Versions(ctx)
	for _, rec := range records {
		if rec.Kind == KindProposal && rec.ProposalID == proposalID {
			return rec, nil
		}
	}
	return Record{}, ErrVersionNotFound
}

func TestStore_ProposalSnapshotUsesBackendLookup(t *testing.T) {
	ctx := context.Background()
	backend := &indexedBackend{MemoryBackend: NewMemoryBackend()}
	store := newTestStore(t, backend, nil)

	snap, err := store.SnapshotForProposal(ctx, SnapshotRequest{ProposalID: "P-5"})
	require.NoError(t, err)

	got, err := store.ProposalSnapshot(ctx, "P-5")
	require.NoError(t, err)
	assert.Equal(t, snap.Timestamp, got.Timestamp)

	_, err = store.ProposalSnapshot(ctx, "P-6")
	require.ErrorIs(t, err, ErrVersionNotFound)
	assert.Equal(t, 2, backend.lookups)
}

func TestStore_RetryCounterCountsOnlyRetriedAttempts(t *testing.T) {
	ctx := context.Background()
	down := errors.New("connection refused")

	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(), appendErrs: []error{down, down, down}}
	store := newTestStore(t, backend, nil)

	before := testutil.ToFloat64(metrics.StoreWriteRetries)
	_, err := store.Save(ctx, tableWithBase(1000))
	require.Error(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.StoreWriteRetries)-before)

	backend.appendErrs = []error{down}
	before = testutil.ToFloat64(metrics.StoreWriteRetries)
	_, err = store.Save(ctx, tableWithBase(1000))
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StoreWriteRetries)-before)
}
