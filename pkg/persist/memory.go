package persist

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

type memoryItem struct {
	hash string
	rec  Record
}

// MemoryStore is a size-bounded, thread-safe Store with least recently used
// eviction.
type MemoryStore struct {
	maxSize int

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element
}

// NewMemoryStore creates a MemoryStore holding at most maxSize records.
func NewMemoryStore(maxSize int) (*MemoryStore, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	return &MemoryStore{
		maxSize: maxSize,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}, nil
}

// Get returns the record for hash and marks it most recently used.
func (s *MemoryStore) Get(_ context.Context, hash string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.items[hash]
	if !ok {
		return Record{}, ErrNotFound
	}
	s.ll.MoveToFront(elem)
	return elem.Value.(*memoryItem).rec, nil
}

// Set stores rec, evicting the least recently used record when full.
func (s *MemoryStore) Set(_ context.Context, hash string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.items[hash]; ok {
		elem.Value.(*memoryItem).rec = rec
		s.ll.MoveToFront(elem)
		return nil
	}
	s.items[hash] = s.ll.PushFront(&memoryItem{hash: hash, rec: rec})
	if s.ll.Len() > s.maxSize {
		s.evict()
	}
	return nil
}

// Delete removes the record for hash.
func (s *MemoryStore) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.items[hash]; ok {
		s.ll.Remove(elem)
		delete(s.items, hash)
	}
	return nil
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

// evict must be called with mu held.
func (s *MemoryStore) evict() {
	if back := s.ll.Back(); back != nil {
		item := s.ll.Remove(back).(*memoryItem)
		delete(s.items, item.hash)
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
