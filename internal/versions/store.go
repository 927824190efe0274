package versions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/Simplici0/cabinetry/internal/metrics"
	"github.com/Simplici0/cabinetry/internal/ratetable"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 100 * time.Millisecond
	maxTimestampBumps   = 64
)

// Options tune a Store. Zero values select the defaults.
type Options struct {
	MaxAttempts  uint64
	RetryBackoff time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Store manages the current rate table and the version log on top of a Backend.
// Appends are serialised; reads go straight to the backend.
type Store struct {
	backend     Backend
	log         *zap.Logger
	clock       func() time.Time
	maxAttempts uint64
	backoff     time.Duration

	mu     sync.Mutex
	last   int64
	seeded bool
}

// SnapshotRequest describes the pricing state to freeze for a proposal.
// A nil RateTable captures the current table.
type SnapshotRequest struct {
	ProposalID string
	RateTable  *ratetable.RateTable
	Prefill    json.RawMessage
}

func NewStore(backend Backend, opts Options) *Store {
	s := &Store{
		backend:     backend,
		log:         opts.Logger,
		clock:       opts.Clock,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.RetryBackoff,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.maxAttempts == 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.backoff <= 0 {
		s.backoff = defaultRetryBackoff
	}
	s.log = s.log.With(zap.String("backend", backend.Name()))
	return s
}

// Backend returns the persistence the store writes to.
func (s *Store) Backend() Backend {
	return s.backend
}

// Current returns the latest saved table, or the bundled default when nothing
// was saved yet or the backend cannot be read.
func (s *Store) Current(ctx context.Context) ratetable.RateTable {
	table, err := s.backend.Current(ctx)
	if err != nil {
		s.log.Warn("read current rate table failed, using bundled default", zap.Error(err))
		metrics.StoreFallbacks.WithLabelValues("current_default").Inc()
		return ratetable.Default()
	}
	if table == nil {
		return ratetable.Default()
	}
	return table.Clone()
}

// Save validates table, makes it current and appends a version record.
func (s *Store) Save(ctx context.Context, table ratetable.RateTable) (Record, error) {
	return s.saveAs(ctx, KindSave, table)
}

// Import is Save for tables loaded from an exported file.
func (s *Store) Import(ctx context.Context, table ratetable.RateTable) (Record, error) {
	return s.saveAs(ctx, KindImport, table)
}

func (s *Store) saveAs(ctx context.Context, kind Kind, table ratetable.RateTable) (Record, error) {
	table, err := prepare(table)
	if err != nil {
		return Record{}, err
	}
	return s.append(ctx, Record{Kind: kind, RateTable: table}, true)
}

// prepare puts a caller's table into stored form: keys normalised, then validated.
func prepare(table ratetable.RateTable) (ratetable.RateTable, error) {
	table, err := table.Normalize()
	if err != nil {
		return ratetable.RateTable{}, err
	}
	if err := table.Validate(); err != nil {
		return ratetable.RateTable{}, err
	}
	return table, nil
}

// Versions lists every record, newest first.
func (s *Store) Versions(ctx context.Context) ([]Record, error) {
	records, err := s.backend.Versions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return records, nil
}

// Version returns the record with exactly the given timestamp.
func (s *Store) Version(ctx context.Context, timestamp int64) (Record, error) {
	rec, err := s.backend.Version(ctx, timestamp)
	if err != nil {
		return Record{}, fmt.Errorf("version %d: %w", timestamp, err)
	}
	return rec, nil
}

// Restore makes the table of an earlier version current again. Restoring is a
// save: it appends a new record and never truncates the log.
func (s *Store) Restore(ctx context.Context, timestamp int64) (Record, error) {
	rec, err := s.Version(ctx, timestamp)
	if err != nil {
		return Record{}, err
	}
	return s.append(ctx, Record{
		Kind:         KindRestore,
		RateTable:    rec.RateTable.Clone(),
		RestoredFrom: rec.Timestamp,
	}, true)
}

// SnapshotForProposal freezes a rate table, and optionally the request that
// produced the proposal, without touching the current table.
func (s *Store) SnapshotForProposal(ctx context.Context, req SnapshotRequest) (Record, error) {
	var table ratetable.RateTable
	if req.RateTable != nil {
		prepared, err := prepare(*req.RateTable)
		if err != nil {
			return Record{}, err
		}
		table = prepared
	} else {
		table = s.Current(ctx)
	}

	if len(req.Prefill) > 0 && !json.Valid(req.Prefill) {
		return Record{}, ErrInvalidPrefill
	}

	proposalID := req.ProposalID
	if proposalID == "" {
		proposalID = uuid.NewString()
	}

	return s.append(ctx, Record{
		Kind:            KindProposal,
		RateTable:       table,
		AttachedPrefill: req.Prefill,
		ProposalID:      proposalID,
	}, false)
}

// ProposalSnapshot returns the newest snapshot recorded for a proposal.
func (s *Store) ProposalSnapshot(ctx context.Context, proposalID string) (Record, error) {
	if lookup, ok := s.backend.(ProposalLookup); ok {
		rec, err := lookup.ProposalSnapshot(ctx, proposalID)
		if err != nil {
			return Record{}, fmt.Errorf("proposal %s: %w", proposalID, err)
		}
		return rec, nil
	}

	records, err := s.Versions(ctx)
	if err != nil {
		return Record{}, err
	}
	for _, rec := range records {
		if rec.Kind == KindProposal && rec.ProposalID == proposalID {
			return rec, nil
		}
	}
	return Record{}, fmt.Errorf("proposal %s: %w", proposalID, ErrVersionNotFound)
}

func (s *Store) append(ctx context.Context, rec Record, setCurrent bool) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seedLast(ctx)
	rec.Timestamp = s.nextTimestamp()

	attempts := 0
	backoff := retry.WithMaxRetries(s.maxAttempts-1, retry.NewConstant(s.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := s.appendResolvingConflicts(ctx, &rec, setCurrent)
		if err == nil {
			return nil
		}
		s.log.Warn("append version failed",
			zap.String("kind", string(rec.Kind)),
			zap.Int64("timestamp", rec.Timestamp),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		if uint64(attempts) < s.maxAttempts {
			metrics.StoreWriteRetries.Inc()
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		return Record{}, &PersistenceError{Op: string(rec.Kind), Attempts: attempts, Err: err}
	}

	metrics.ConfigVersions.WithLabelValues(string(rec.Kind)).Inc()
	s.log.Info("version appended",
		zap.String("kind", string(rec.Kind)),
		zap.Int64("timestamp", rec.Timestamp),
		zap.Bool("current", setCurrent),
	)
	return rec, nil
}

// appendResolvingConflicts retries immediately with a later timestamp when
// another writer already used the one we picked.
func (s *Store) appendResolvingConflicts(ctx context.Context, rec *Record, setCurrent bool) error {
	for i := 0; ; i++ {
		err := s.backend.Append(ctx, *rec, setCurrent)
		if !errors.Is(err, ErrTimestampConflict) || i == maxTimestampBumps {
			return err
		}
		s.log.Debug("version timestamp taken, bumping", zap.Int64("timestamp", rec.Timestamp))
		rec.Timestamp = s.nextTimestamp()
	}
}

// seedLast loads the newest timestamp once so identifiers keep increasing
// across restarts. Must be called with mu held.
func (s *Store) seedLast(ctx context.Context) {
	if s.seeded {
		return
	}
	records, err := s.backend.Versions(ctx)
	if err != nil {
		s.log.Warn("read newest version timestamp failed", zap.Error(err))
		return
	}
	if len(records) > 0 && records[0].Timestamp > s.last {
		s.last = records[0].Timestamp
	}
	s.seeded = true
}

// nextTimestamp returns the wall-clock millisecond, bumped past the last
// issued value when the clock has not moved. Must be called with mu held.
func (s *Store) nextTimestamp() int64 {
	ts := s.clock().UnixMilli()
	if ts <= s.last {
		ts = s.last + 1
	}
	s.last = ts
	return ts
}
