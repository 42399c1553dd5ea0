package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/nomis52/tenantflow/execution"
)

type record struct {
	Header Header            `json:"header"`
	Events []execution.Event `json:"events"`
}

// MemoryStore keeps histories in memory. It is used in tests and when no
// durable storage is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*record)}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, h Header, events ...execution.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[h.ID]
	var last int64
	if exists {
		last = rec.Header.LastSeq
	}
	if err := checkAppend(h, events, exists, last); err != nil {
		return err
	}
	if !exists {
		rec = &record{}
		s.records[h.ID] = rec
	}
	rec.Header = h
	rec.Events = append(rec.Events, events...)
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, id string) (Header, []execution.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Header{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Header, append([]execution.Event(nil), rec.Events...), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Header
	for _, rec := range s.records {
		if f.Match(rec.Header) {
			out = append(out, rec.Header)
		}
	}
	sortHeaders(out)
	return limit(out, f.Limit), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
