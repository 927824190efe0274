// Package sqlstore keeps the rate table version log in a SQL database. The
// schema is owned by internal/migrations; SQLite and PostgreSQL are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Simplici0/cabinetry/internal/migrations"
	"github.com/Simplici0/cabinetry/internal/ratetable"
	"github.com/Simplici0/cabinetry/internal/versions"
)

const (
	selectCurrent = `SELECT ratetable_json FROM rate_config WHERE id = 1`

	selectVersionColumns = `SELECT ts, kind, ratetable_json, prefill_json, proposal_id, restored_from
		FROM rate_config_versions`

	insertVersion = `INSERT INTO rate_config_versions
		(ts, kind, ratetable_json, prefill_json, proposal_id, restored_from, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ts) DO NOTHING`

	upsertCurrent = `INSERT INTO rate_config (id, ratetable_json, version_ts, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			ratetable_json = excluded.ratetable_json,
			version_ts = excluded.version_ts,
			updated_at = excluded.updated_at`
)

// Store is a versions.Backend over database/sql.
type Store struct {
	db      *sql.DB
	dialect string
	log     *zap.Logger
	now     func() time.Time
}

var (
	_ versions.Backend        = (*Store)(nil)
	_ versions.ProposalLookup = (*Store)(nil)
)

// New wraps db. dialect is one of the migrations dialects and selects the
// placeholder style.
func New(db *sql.DB, dialect string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, dialect: dialect, log: log, now: time.Now}
}

func (s *Store) Name() string {
	if s.dialect == migrations.DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != migrations.DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Current(ctx context.Context) (*ratetable.RateTable, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, selectCurrent).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query current rate table: %w", err)
	}

	var t ratetable.RateTable
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("decode current rate table: %w", err)
	}
	return &t, nil
}

func (s *Store) Append(ctx context.Context, rec versions.Record, setCurrent bool) (err error) {
	tableJSON, err := json.Marshal(rec.RateTable)
	if err != nil {
		return fmt.Errorf("encode rate table: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.now().UnixMilli()
	res, err := tx.ExecContext(ctx, s.rebind(insertVersion),
		rec.Timestamp,
		string(rec.Kind),
		string(tableJSON),
		nullString(string(rec.AttachedPrefill)),
		nullString(rec.ProposalID),
		nullInt64(rec.RestoredFrom),
		now,
	)
	if err != nil {
		return fmt.Errorf("insert version %d: %w", rec.Timestamp, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert version %d: %w", rec.Timestamp, err)
	}
	if n == 0 {
		s.log.Debug("version row already exists", zap.Int64("timestamp", rec.Timestamp))
		return versions.ErrTimestampConflict
	}

	if setCurrent {
		if _, err = tx.ExecContext(ctx, s.rebind(upsertCurrent), string(tableJSON), rec.Timestamp, now); err != nil {
			return fmt.Errorf("update current rate table: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit version %d: %w", rec.Timestamp, err)
	}
	return nil
}

func (s *Store) Versions(ctx context.Context) ([]versions.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectVersionColumns+` ORDER BY ts DESC`)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var out []versions.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}

func (s *Store) Version(ctx context.Context, timestamp int64) (versions.Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectVersionColumns+` WHERE ts = ?`), timestamp)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return versions.Record{}, versions.ErrVersionNotFound
	}
	return rec, err
}

// ProposalSnapshot reads the newest snapshot for proposalID through the
// (proposal_id, ts) index.
func (s *Store) ProposalSnapshot(ctx context.Context, proposalID string) (versions.Record, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(selectVersionColumns+` WHERE proposal_id = ? AND kind = ? ORDER BY ts DESC LIMIT 1`),
		proposalID, string(versions.KindProposal),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return versions.Record{}, versions.ErrVersionNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (versions.Record, error) {
	var (
		rec          versions.Record
		kind         string
		tableJSON    string
		prefill      sql.NullString
		proposalID   sql.NullString
		restoredFrom sql.NullInt64
	)
	if err := sc.Scan(&rec.Timestamp, &kind, &tableJSON, &prefill, &proposalID, &restoredFrom); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return versions.Record{}, err
		}
		return versions.Record{}, fmt.Errorf("scan version: %w", err)
	}
	if err := json.Unmarshal([]byte(tableJSON), &rec.RateTable); err != nil {
		return versions.Record{}, fmt.Errorf("decode version %d: %w", rec.Timestamp, err)
	}
	rec.Kind = versions.Kind(kind)
	if prefill.Valid && prefill.String != "" {
		rec.AttachedPrefill = json.RawMessage(prefill.String)
	}
	rec.ProposalID = proposalID.String
	rec.RestoredFrom = restoredFrom.Int64
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
