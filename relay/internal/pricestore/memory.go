package pricestore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in a map. Nothing survives a restart.
type MemoryStore struct {
	records map[string]Record
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Get(_ context.Context, symbol string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Record{}, false, ErrClosed
	}
	rec, ok := m.records[symbol]
	return rec, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.records[rec.Symbol] = rec
	return nil
}

func (m *MemoryStore) PutBatch(_ context.Context, recs []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for _, rec := range recs {
		m.records[rec.Symbol] = rec
	}
	return nil
}

// All returns every record ordered by symbol.
func (m *MemoryStore) All(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}
