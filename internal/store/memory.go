package store

import (
	"context"
	"sync"
)

// MemoryStore keeps values in process memory and fans change events out to
// every watcher, including the writer. It backs tests and the session-scoped
// store: closing it drops all values, which is exactly the session contract
// (auto-clear at process-group end).
type MemoryStore struct {
	mu       sync.Mutex
	values   map[string][]byte
	watchers map[int]chan Event
	nextID   int
	maxBytes uint64
	closed   bool
}

const defaultMemoryQuota = 5 << 20 // mirrors the browser store's ~5MB budget

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithQuota(0)
}

func NewMemoryStoreWithQuota(maxBytes uint64) *MemoryStore {
	if maxBytes == 0 {
		maxBytes = defaultMemoryQuota
	}
	return &MemoryStore{
		values:   map[string][]byte{},
		watchers: map[int]chan Event{},
		maxBytes: maxBytes,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	value, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if key == "" || len(value) == 0 {
		return ErrInvalidInput
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	old := s.values[key]
	s.values[key] = append([]byte(nil), value...)
	event := Event{
		Key:      key,
		OldValue: append([]byte(nil), old...),
		NewValue: append([]byte(nil), value...),
	}
	watchers := make([]chan Event, 0, len(s.watchers))
	for _, ch := range s.watchers {
		watchers = append(watchers, ch)
	}
	s.mu.Unlock()
	for _, ch := range watchers {
		select {
		case ch <- event:
		default:
			// Slow watcher; best-effort delivery, matching the store
			// contract of no guaranteed ordering or delivery.
		}
	}
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	old, ok := s.values[key]
	delete(s.values, key)
	watchers := make([]chan Event, 0, len(s.watchers))
	for _, ch := range s.watchers {
		watchers = append(watchers, ch)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	event := Event{Key: key, OldValue: append([]byte(nil), old...)}
	for _, ch := range watchers {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context) (<-chan Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	id := s.nextID
	s.nextID++
	ch := make(chan Event, 64)
	s.watchers[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if existing, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(existing)
		}
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *MemoryStore) Estimate() (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var used uint64
	for key, value := range s.values {
		used += uint64(len(key) + len(value))
	}
	return used, s.maxBytes, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.values = map[string][]byte{}
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
	return nil
}
