package db

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend keeps every namespace in process memory. Used by tests and
// by the "memory" storage driver for throwaway deployments.
type MemoryBackend struct {
	mu         sync.RWMutex
	namespaces map[string]map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{namespaces: make(map[string]map[string][]byte)}
}

func (m *MemoryBackend) Namespace(name string) Store {
	return &memoryStore{backend: m, namespace: name}
}

func (m *MemoryBackend) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats Stats
	for _, records := range m.namespaces {
		if len(records) == 0 {
			continue
		}
		stats.Namespaces++
		stats.Records += len(records)
	}
	return stats, nil
}

func (m *MemoryBackend) Close() error { return nil }

type memoryStore struct {
	backend   *MemoryBackend
	namespace string
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()

	value, ok := s.backend.namespaces[s.namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *memoryStore) Put(_ context.Context, key string, value []byte) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	records, ok := s.backend.namespaces[s.namespace]
	if !ok {
		records = make(map[string][]byte)
		s.backend.namespaces[s.namespace] = records
	}
	records[key] = append([]byte(nil), value...)
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	delete(s.backend.namespaces[s.namespace], key)
	return nil
}

func (s *memoryStore) List(_ context.Context, prefix string) ([]Entry, error) {
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()

	var entries []Entry
	for key, value := range s.backend.namespaces[s.namespace] {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, Entry{Key: key, Value: append([]byte(nil), value...)})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *memoryStore) DeleteAll(_ context.Context, prefix string) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	for key := range s.backend.namespaces[s.namespace] {
		if strings.HasPrefix(key, prefix) {
			delete(s.backend.namespaces[s.namespace], key)
		}
	}
	return nil
}
