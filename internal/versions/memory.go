package versions

import (
	"context"
	"sort"
	"sync"

	"github.com/Simplici0/cabinetry/internal/ratetable"
)

// MemoryBackend keeps the version log in process memory. It backs tests and
// ephemeral instances.
type MemoryBackend struct {
	mu       sync.RWMutex
	current  *ratetable.RateTable
	records  []Record
	byStamps map[int64]int
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{byStamps: make(map[int64]int)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Current(_ context.Context) (*ratetable.RateTable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, nil
	}
	t := m.current.Clone()
	return &t, nil
}

func (m *MemoryBackend) Append(_ context.Context, rec Record, setCurrent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byStamps[rec.Timestamp]; ok {
		return ErrTimestampConflict
	}
	rec.RateTable = rec.RateTable.Clone()
	m.byStamps[rec.Timestamp] = len(m.records)
	m.records = append(m.records, rec)
	if setCurrent {
		t := rec.RateTable.Clone()
		m.current = &t
	}
	return nil
}

func (m *MemoryBackend) Versions(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

func (m *MemoryBackend) Version(_ context.Context, timestamp int64) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byStamps[timestamp]
	if !ok {
		return Record{}, ErrVersionNotFound
	}
	return m.records[idx], nil
}
