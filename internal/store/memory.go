package store

import (
	"context"
	"sync"
)

// MemoryStore keeps transcripts in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

func (m *MemoryStore) AppendTurn(_ context.Context, key string, rec TurnRecord) error {
	m.append(key, NewTurnEntry(rec))
	return nil
}

func (m *MemoryStore) AppendSummary(_ context.Context, key string, rec SummaryRecord) error {
	m.append(key, NewSummaryEntry(rec))
	return nil
}

func (m *MemoryStore) append(key string, e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = append(m.entries[key], e)
}

func (m *MemoryStore) LoadTranscript(_ context.Context, key string) (*Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return &Transcript{Key: key, Entries: out}, nil
}

func (m *MemoryStore) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
