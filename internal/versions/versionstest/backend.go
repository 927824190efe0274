// Package versionstest holds the behaviour every versions.Backend must share.
package versionstest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Simplici0/cabinetry/internal/ratetable"
	"github.com/Simplici0/cabinetry/internal/versions"
)

// Table returns the default rate table with the base category rate replaced.
func Table(base float64) ratetable.RateTable {
	t := ratetable.Default()
	t.BaseRates[ratetable.CategoryBase] = base
	return t
}

// RunBackendTests exercises a fresh, empty backend built by newBackend.
func RunBackendTests(t *testing.T, newBackend func(t *testing.T) versions.Backend) {
	t.Run("empty", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		current, err := b.Current(ctx)
		require.NoError(t, err)
		assert.Nil(t, current)

		records, err := b.Versions(ctx)
		require.NoError(t, err)
		assert.Empty(t, records)

		_, err = b.Version(ctx, 1)
		require.ErrorIs(t, err, versions.ErrVersionNotFound)
	})

	t.Run("append sets current and round trips", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		save := versions.Record{Timestamp: 100, Kind: versions.KindSave, RateTable: Table(1300)}
		require.NoError(t, b.Append(ctx, save, true))

		restore := versions.Record{Timestamp: 200, Kind: versions.KindRestore, RateTable: Table(1400), RestoredFrom: 100}
		require.NoError(t, b.Append(ctx, restore, true))

		current, err := b.Current(ctx)
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.True(t, current.Equal(Table(1400)))

		got, err := b.Version(ctx, 200)
		require.NoError(t, err)
		assert.Equal(t, versions.KindRestore, got.Kind)
		assert.Equal(t, int64(100), got.RestoredFrom)
		assert.True(t, got.RateTable.Equal(Table(1400)))
	})

	t.Run("proposal snapshot leaves current alone", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		require.NoError(t, b.Append(ctx, versions.Record{Timestamp: 10, Kind: versions.KindSave, RateTable: Table(1000)}, true))

		prefill := json.RawMessage(`{"projectType":"kitchen","linearMeter":4}`)
		snap := versions.Record{
			Timestamp:       11,
			Kind:            versions.KindProposal,
			RateTable:       Table(5000),
			AttachedPrefill: prefill,
			ProposalID:      "P-1",
		}
		require.NoError(t, b.Append(ctx, snap, false))

		current, err := b.Current(ctx)
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.True(t, current.Equal(Table(1000)))

		got, err := b.Version(ctx, 11)
		require.NoError(t, err)
		assert.Equal(t, "P-1", got.ProposalID)
		assert.JSONEq(t, string(prefill), string(got.AttachedPrefill))
		assert.True(t, got.RateTable.Equal(Table(5000)))
	})

	t.Run("duplicate timestamp conflicts", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		require.NoError(t, b.Append(ctx, versions.Record{Timestamp: 5, Kind: versions.KindSave, RateTable: Table(1000)}, true))
		err := b.Append(ctx, versions.Record{Timestamp: 5, Kind: versions.KindSave, RateTable: Table(2000)}, true)
		require.ErrorIs(t, err, versions.ErrTimestampConflict)

		current, err := b.Current(ctx)
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.True(t, current.Equal(Table(1000)))

		records, err := b.Versions(ctx)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("versions newest first", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		for _, ts := range []int64{30, 10, 20, 50, 40} {
			require.NoError(t, b.Append(ctx, versions.Record{Timestamp: ts, Kind: versions.KindSave, RateTable: Table(float64(ts))}, true))
		}

		records, err := b.Versions(ctx)
		require.NoError(t, err)
		require.Len(t, records, 5)
		var stamps []int64
		for _, rec := range records {
			stamps = append(stamps, rec.Timestamp)
		}
		assert.Equal(t, []int64{50, 40, 30, 20, 10}, stamps)
	})
}
