// Package versions owns the current rate table and the append-only,
// timestamp-keyed log of every table that was saved, imported, restored or
// stamped onto a proposal.
package versions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Simplici0/cabinetry/internal/ratetable"
)

var (
	// ErrVersionNotFound is returned when no record carries the requested timestamp.
	ErrVersionNotFound = errors.New("version not found")
	// ErrTimestampConflict is returned by a Backend when a record with the same
	// timestamp already exists. The store resolves it by issuing a later timestamp.
	ErrTimestampConflict = errors.New("version timestamp already exists")
	// ErrInvalidPrefill is returned when a proposal prefill is not valid JSON.
	ErrInvalidPrefill = errors.New("proposal prefill is not valid JSON")
)

// Kind says why a record was appended.
type Kind string

const (
	KindSave     Kind = "save"
	KindImport   Kind = "import"
	KindRestore  Kind = "restore"
	KindProposal Kind = "proposal"
)

// SetsCurrent reports whether records of this kind replace the current table.
func (k Kind) SetsCurrent() bool {
	return k != KindProposal
}

// Record is one entry of the version log. Timestamps are milliseconds since
// the epoch, strictly increasing, and double as identifiers.
type Record struct {
	Timestamp       int64               `json:"timestamp"`
	Kind            Kind                `json:"kind"`
	RateTable       ratetable.RateTable `json:"ratetable"`
	AttachedPrefill json.RawMessage     `json:"attachedPrefill,omitempty"`
	ProposalID      string              `json:"proposalId,omitempty"`
	RestoredFrom    int64               `json:"restoredFrom,omitempty"`
}

// Backend is the versioned key/value persistence the store reads and writes.
// Every implementation stores the same record shape.
type Backend interface {
	Name() string
	// Current returns nil, nil when no table was ever saved.
	Current(ctx context.Context) (*ratetable.RateTable, error)
	// Append adds rec to the log and, when setCurrent is true, makes its table
	// the current one in the same atomic step.
	Append(ctx context.Context, rec Record, setCurrent bool) error
	// Versions returns every record, newest first.
	Versions(ctx context.Context) ([]Record, error)
	Version(ctx context.Context, timestamp int64) (Record, error)
}

// ProposalLookup is implemented by backends that find a proposal's newest
// snapshot without reading the whole log. It returns ErrVersionNotFound on a miss.
type ProposalLookup interface {
	ProposalSnapshot(ctx context.Context, proposalID string) (Record, error)
}

// PersistenceError is returned once a write has failed on every attempt.
type PersistenceError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
