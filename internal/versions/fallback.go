package versions

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/Simplici0/cabinetry/internal/metrics"
	"github.com/Simplici0/cabinetry/internal/ratetable"
)

// fallbackBackend serves every operation from the secondary backend while the
// primary is failing, so the log keeps its shape and only the medium changes.
// Reads after an outage see both logs.
type fallbackBackend struct {
	primary   Backend
	secondary Backend
	log       *zap.Logger
}

// WithFallback wraps primary so failures are retried on secondary.
func WithFallback(primary, secondary Backend, log *zap.Logger) Backend {
	if log == nil {
		log = zap.NewNop()
	}
	return &fallbackBackend{primary: primary, secondary: secondary, log: log}
}

func (f *fallbackBackend) Name() string {
	return f.primary.Name() + "+" + f.secondary.Name()
}

func (f *fallbackBackend) degraded(op string, err error) {
	f.log.Warn("primary store unavailable, using secondary",
		zap.String("op", op),
		zap.String("primary", f.primary.Name()),
		zap.String("secondary", f.secondary.Name()),
		zap.Error(err),
	)
	metrics.StoreFallbacks.WithLabelValues(op).Inc()
}

// Current prefers the primary, but once the secondary holds a table written
// during an outage, the newest record that set the current table in either log
// decides.
func (f *fallbackBackend) Current(ctx context.Context) (*ratetable.RateTable, error) {
	t, err := f.primary.Current(ctx)
	if err != nil {
		f.degraded("current", err)
		return f.secondary.Current(ctx)
	}

	alt, altErr := f.secondary.Current(ctx)
	if altErr != nil {
		f.secondaryFailed("current", altErr)
		return t, nil
	}
	if alt == nil {
		return t, nil
	}

	records, err := f.Versions(ctx)
	if err != nil {
		return t, nil
	}
	for _, rec := range records {
		if rec.Kind.SetsCurrent() {
			table := rec.RateTable.Clone()
			return &table, nil
		}
	}
	return t, nil
}

// Append rejects timestamps the secondary already holds so the merged log
// never has two records under one identifier.
func (f *fallbackBackend) Append(ctx context.Context, rec Record, setCurrent bool) error {
	if _, err := f.secondary.Version(ctx, rec.Timestamp); err == nil {
		return ErrTimestampConflict
	}

	err := f.primary.Append(ctx, rec, setCurrent)
	if err == nil || errors.Is(err, ErrTimestampConflict) {
		return err
	}
	f.degraded("append", err)
	return f.secondary.Append(ctx, rec, setCurrent)
}

// Versions merges both logs newest first. On a timestamp clash the primary's
// record wins.
func (f *fallbackBackend) Versions(ctx context.Context) ([]Record, error) {
	records, err := f.primary.Versions(ctx)
	if err != nil {
		f.degraded("versions", err)
		return f.secondary.Versions(ctx)
	}

	alt, err := f.secondary.Versions(ctx)
	if err != nil {
		f.secondaryFailed("versions", err)
		return records, nil
	}
	return mergeNewestFirst(records, alt), nil
}

func (f *fallbackBackend) secondaryFailed(op string, err error) {
	f.log.Warn("secondary store read failed, serving primary only",
		zap.String("op", op),
		zap.String("secondary", f.secondary.Name()),
		zap.Error(err),
	)
}

func mergeNewestFirst(primary, secondary []Record) []Record {
	if len(secondary) == 0 {
		return primary
	}

	seen := make(map[int64]struct{}, len(primary))
	out := make([]Record, 0, len(primary)+len(secondary))
	for _, rec := range primary {
		seen[rec.Timestamp] = struct{}{}
		out = append(out, rec)
	}
	for _, rec := range secondary {
		if _, dup := seen[rec.Timestamp]; !dup {
			out = append(out, rec)
		}
	}
	slices.SortStableFunc(out, func(a, b Record) int {
		return cmp.Compare(b.Timestamp, a.Timestamp)
	})
	return out
}

// Version also consults the secondary on a primary miss: records written
// during an outage only exist there.
func (f *fallbackBackend) Version(ctx context.Context, timestamp int64) (Record, error) {
	rec, err := f.primary.Version(ctx, timestamp)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, ErrVersionNotFound):
		if alt, altErr := f.secondary.Version(ctx, timestamp); altErr == nil {
			return alt, nil
		}
		return Record{}, err
	}
	f.degraded("version", err)
	return f.secondary.Version(ctx, timestamp)
}
