package storage

import (
	"sort"
	"sync"
	"time"
)

// Record is a stored value with its version.
type Record struct {
	Value     []byte
	Version   uint64
	ExpiresAt *time.Time // nil if no expiration
}

// IsExpired checks if the record has expired.
func (r *Record) IsExpired() bool {
	if r.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*r.ExpiresAt)
}

func (r *Record) copy() *Record {
	return &Record{
		Value:     append([]byte(nil), r.Value...),
		Version:   r.Version,
		ExpiresAt: copyTime(r.ExpiresAt),
	}
}

// Store is an in-memory, thread-safe record store.
type Store struct {
	mu      sync.RWMutex
	data    map[string]*Record
	version uint64
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]*Record),
		now:  time.Now,
	}
}

// Get returns a copy of the record for key, or nil if absent or expired.
func (s *Store) Get(key string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.data[key]
	if !exists {
		return nil
	}
	if rec.IsExpired() {
		// Clean up in the background; don't block readers.
		go s.deleteExpired(key)
		return nil
	}
	return rec.copy()
}

// Put stores value under key and returns the previous record, if any.
// A ttl of zero or less means the record never expires.
func (s *Store) Put(key string, value []byte, ttl time.Duration) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.liveLocked(key)

	s.version++
	rec := &Record{
		Value:   append([]byte(nil), value...),
		Version: s.version,
	}
	if ttl > 0 {
		expiresAt := s.now().Add(ttl)
		rec.ExpiresAt = &expiresAt
	}
	s.data[key] = rec
	return prev
}

// Delete removes key and returns the removed record, if any.
func (s *Store) Delete(key string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.liveLocked(key)
	if _, exists := s.data[key]; exists {
		delete(s.data, key)
		s.version++
	}
	return prev
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rec := range s.data {
		if !rec.IsExpired() {
			n++
		}
	}
	return n
}

// Keys returns the keys of live records in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k, rec := range s.data {
		if !rec.IsExpired() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Clear removes every record.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.data) > 0 {
		s.data = make(map[string]*Record)
		s.version++
	}
}

// Version returns the store's current version counter.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// liveLocked returns a copy of the unexpired record for key (must be called with lock held).
func (s *Store) liveLocked(key string) *Record {
	rec, exists := s.data[key]
	if !exists || rec.IsExpired() {
		return nil
	}
	return rec.copy()
}

// deleteExpired removes an expired key (called asynchronously).
func (s *Store) deleteExpired(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, exists := s.data[key]; exists && rec.IsExpired() {
		delete(s.data, key)
	}
}

// copyTime creates a copy of a time pointer.
func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
