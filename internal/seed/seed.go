package seed

import (
	"context"
	"fmt"

	"github.com/Simplici0/cabinetry/internal/ratetable"
	"github.com/Simplici0/cabinetry/internal/versions"
)

// Stats contains seed operation counters.
type Stats struct {
	Inserts int
}

// Run records table as the first imported version when the version log is
// empty. Running it again is a no-op.
func Run(ctx context.Context, store *versions.Store, table ratetable.RateTable) (Stats, error) {
	records, err := store.Versions(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("check version log: %w", err)
	}
	if len(records) > 0 {
		return Stats{}, nil
	}

	if _, err := store.Import(ctx, table); err != nil {
		return Stats{}, fmt.Errorf("import seed rate table: %w", err)
	}
	return Stats{Inserts: 1}, nil
}

// RunDefaults seeds the bundled default rate table.
func RunDefaults(ctx context.Context, store *versions.Store) (Stats, error) {
	return Run(ctx, store, ratetable.Default())
}
