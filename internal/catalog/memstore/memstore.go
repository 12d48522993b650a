// Package memstore is an in-memory catalog backend. It is the reference
// implementation of catalog.Store and catalog.HistorySource.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/catalog"
)

type Store struct {
	mu      sync.RWMutex
	nextID  int64
	entries map[int64]catalog.Entry
	byName  map[catalog.Name]int64

	history []catalog.HistoryEntry
	txIDs   map[string]struct{}

	now func() time.Time
}

func New() *Store {
	return &Store{
		entries: make(map[int64]catalog.Entry),
		byName:  make(map[catalog.Name]int64),
		txIDs:   make(map[string]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Seed inserts entries named by raw, in order, and panics on failure.
// It exists for tests and local development.
func (s *Store) Seed(raw ...string) *Store {
	for _, r := range raw {
		if _, err := s.Insert(context.Background(), catalog.Entry{Name: catalog.Name(r)}); err != nil {
			panic(err)
		}
	}
	return s
}

func (s *Store) ListAllNames(ctx context.Context) ([]catalog.Name, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	names := make([]catalog.Name, len(ids))
	for i, id := range ids {
		names[i] = s.entries[id].Name
	}
	return names, nil
}

func (s *Store) Exists(ctx context.Context, name catalog.Name) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byName[name]
	return ok, nil
}

func (s *Store) Insert(ctx context.Context, e catalog.Entry) (catalog.Entry, error) {
	if err := ctx.Err(); err != nil {
		return catalog.Entry{}, err
	}
	e, err := catalog.ValidateEntry(e, 0)
	if err != nil {
		return catalog.Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[e.Name]; ok {
		return catalog.Entry{}, catalog.DuplicateError(e.Name)
	}
	s.nextID++
	e.ID = s.nextID
	e.CreatedAt = s.now()
	s.entries[e.ID] = e
	s.byName[e.Name] = e.ID
	return e, nil
}

func (s *Store) Delete(ctx context.Context, id int64) (catalog.Entry, error) {
	if err := ctx.Err(); err != nil {
		return catalog.Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return catalog.Entry{}, catalog.NotFoundError(id)
	}
	delete(s.entries, id)
	delete(s.byName, e.Name)
	return e, nil
}

func (s *Store) LookupByNames(ctx context.Context, names []catalog.Name) (map[catalog.Name]catalog.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[catalog.Name]catalog.Entry, len(names))
	for _, n := range names {
		if id, ok := s.byName[n]; ok {
			out[n] = s.entries[id]
		}
	}
	return out, nil
}

func (s *Store) ListCompletedTransactions(ctx context.Context) ([]catalog.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.HistoryEntry, len(s.history))
	copy(out, s.history)
	return out, nil
}

func (s *Store) RecordTransaction(ctx context.Context, h catalog.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := h.Normalized()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txIDs[h.TransactionID]; ok {
		return nil
	}
	s.txIDs[h.TransactionID] = struct{}{}
	s.history = append(s.history, h)
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}
