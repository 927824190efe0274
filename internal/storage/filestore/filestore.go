// Package filestore keeps the version log in a single JSON document on disk.
// It is the degraded-mode secondary for the database backends.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Simplici0/cabinetry/internal/ratetable"
	"github.com/Simplici0/cabinetry/internal/versions"
)

type document struct {
	Current  *ratetable.RateTable `json:"current,omitempty"`
	Versions []versions.Record    `json:"versions"`
}

// Store is a versions.Backend over one JSON file. Writes replace the file
// atomically through a temp file and rename.
type Store struct {
	path string
	mu   sync.Mutex
}

var _ versions.Backend = (*Store)(nil)

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Name() string { return "file" }

func (s *Store) Current(_ context.Context) (*ratetable.RateTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.Current, nil
}

func (s *Store) Append(_ context.Context, rec versions.Record, setCurrent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	for _, existing := range doc.Versions {
		if existing.Timestamp == rec.Timestamp {
			return versions.ErrTimestampConflict
		}
	}

	doc.Versions = append(doc.Versions, rec)
	if setCurrent {
		t := rec.RateTable.Clone()
		doc.Current = &t
	}
	return s.write(doc)
}

func (s *Store) Versions(_ context.Context) ([]versions.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	sort.Slice(doc.Versions, func(i, j int) bool {
		return doc.Versions[i].Timestamp > doc.Versions[j].Timestamp
	})
	return doc.Versions, nil
}

func (s *Store) Version(_ context.Context, timestamp int64) (versions.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return versions.Record{}, err
	}
	for _, rec := range doc.Versions {
		if rec.Timestamp == timestamp {
			return rec, nil
		}
	}
	return versions.Record{}, versions.ErrVersionNotFound
}

func (s *Store) read() (document, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return document{}, nil
	}
	if err != nil {
		return document{}, fmt.Errorf("read %s: %w", s.path, err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return document{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *Store) write(doc document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode version log: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}
