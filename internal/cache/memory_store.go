package cache

import (
	"context"
	"sort"
	"sync"
)

// NewMemoryStorage returns a Storage that lives only as long as the process.
func NewMemoryStorage() Storage {
	return &memoryStorage{stores: make(map[string]*memoryStore)}
}

type memoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
}

type memoryStore struct {
	name string

	mu      sync.RWMutex
	entries map[Key]*Response
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := validateStoreName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[name]
	if !ok {
		store = &memoryStore{name: name, entries: make(map[Key]*Response)}
		s.stores[name] = store
	}
	return store, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *memoryStorage) Names(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[name]
	if !ok {
		return false, nil
	}
	delete(s.stores, name)
	// Handles still held by workers see an empty store from now on.
	store.mu.Lock()
	store.entries = make(map[Key]*Response)
	store.mu.Unlock()
	return true, nil
}

func (s *memoryStorage) Close() error { return nil }

func (m *memoryStore) Name() string { return m.name }

func (m *memoryStore) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	resp, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneResponse(resp), nil
}

func (m *memoryStore) Put(ctx context.Context, key Key, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = cloneResponse(resp)
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memoryStore) Keys(ctx context.Context) ([]Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]Key, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys, nil
}

func cloneResponse(resp *Response) *Response {
	out := *resp
	out.Header = resp.Header.Clone()
	out.Body = append([]byte(nil), resp.Body...)
	return &out
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].URL == keys[j].URL {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].URL < keys[j].URL
	})
}
