package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidCapacity indicates a store was created with capacity < 1
	ErrInvalidCapacity = errors.New("cache capacity must be at least 1")
)

// Store is a bounded, content-addressed response cache.
//
// Keys are kept in write order: Put appends, Update moves the key to the
// tail, and when the store holds more than its capacity the head (the
// least recently written key) is evicted. Reads do not change the order.
//
// All methods are safe for concurrent use. Mutations hold the write lock
// for their whole duration, including backend I/O, so concurrent writers
// never interleave on one payload and readers never see a torn state.
type Store struct {
	mu       sync.RWMutex
	backend  Backend
	capacity int
	entries  map[string]*list.Element // key -> element holding *Entry
	order    *list.List               // oldest at front
	bytes    int64
	logger   zerolog.Logger
}

// NewStore creates a store on the given backend and purges every payload
// the backend already holds, so nothing survives a restart.
func NewStore(ctx context.Context, backend Backend, capacity int, logger zerolog.Logger) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("cache backend cannot be nil")
	}
	if capacity < 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidCapacity, capacity)
	}

	if err := backend.Clear(ctx); err != nil {
		CacheErrors.WithLabelValues("clear").Inc()
		return nil, fmt.Errorf("clear cache backend: %w", err)
	}
	CacheEntries.Set(0)
	CacheBytes.Set(0)

	logger.Info().Int("capacity", capacity).Msg("Cache initialized")

	return &Store{
		backend:  backend,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		logger:   logger,
	}, nil
}

// Capacity returns the maximum number of entries.
func (s *Store) Capacity() int {
	return s.capacity
}

// Len returns the current number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order.Len()
}

// Contains reports whether an entry exists for key.
func (s *Store) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok
}

// Get returns the stored payload for key.
// Returns ErrCacheMiss if the key is not present.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(ctx, key)
}

// IsStale reports whether the entry for key must be revalidated.
// Absent keys and unreadable payloads are stale.
func (s *Store) IsStale(ctx context.Context, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.read(ctx, key)
	if err != nil {
		return true
	}
	stale := Stale(data)
	s.logger.Debug().Str("key", key).Bool("stale", stale).Msg("Checked staleness")
	return stale
}

// read must be called with s.mu held.
func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	elem, ok := s.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	entry := elem.Value.(*Entry)

	data, err := s.backend.Read(ctx, entry.Handle)
	if err != nil {
		CacheErrors.WithLabelValues("read").Inc()
		s.logger.Warn().Err(err).Str("key", key).Str("handle", entry.Handle).Msg("Failed to read cached payload")
		return nil, fmt.Errorf("read %s: %w", entry.Handle, err)
	}
	return data, nil
}

// Put stores the payload for a new key at the tail of the order and evicts
// the oldest entry if the store is now over capacity.
//
// If the backend write fails the key is not registered and the error is
// returned. Put on a key that is already present behaves like Update.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		return s.overwrite(ctx, elem, data)
	}
	return s.insert(ctx, key, data)
}

// Update overwrites the payload of an existing key and moves the key to the
// tail of the order. The entry count does not change.
//
// If the backend write fails the entry keeps its previous payload and
// position. Update on an absent key behaves like Put.
func (s *Store) Update(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		return s.overwrite(ctx, elem, data)
	}
	return s.insert(ctx, key, data)
}

// insert must be called with s.mu held for writing.
func (s *Store) insert(ctx context.Context, key string, data []byte) error {
	handle := StorageName(key)
	if err := s.backend.Write(ctx, handle, data); err != nil {
		CacheErrors.WithLabelValues("write").Inc()
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to add to cache")
		return fmt.Errorf("write %s: %w", handle, err)
	}

	entry := &Entry{Key: key, Handle: handle, Size: len(data), StoredAt: time.Now()}
	s.entries[key] = s.order.PushBack(entry)
	s.bytes += int64(len(data))
	s.evictOverflow(ctx)
	s.observe()

	s.logger.Debug().Str("key", key).Int("bytes", len(data)).Msg("Added to cache")
	return nil
}

// overwrite must be called with s.mu held for writing.
func (s *Store) overwrite(ctx context.Context, elem *list.Element, data []byte) error {
	entry := elem.Value.(*Entry)
	if err := s.backend.Write(ctx, entry.Handle, data); err != nil {
		CacheErrors.WithLabelValues("write").Inc()
		s.logger.Error().Err(err).Str("key", entry.Key).Msg("Failed to update cache")
		return fmt.Errorf("write %s: %w", entry.Handle, err)
	}

	s.bytes += int64(len(data) - entry.Size)
	entry.Size = len(data)
	entry.StoredAt = time.Now()
	s.order.MoveToBack(elem)
	s.evictOverflow(ctx)
	s.observe()

	s.logger.Debug().Str("key", entry.Key).Int("bytes", len(data)).Msg("Updated cache")
	return nil
}

// evictOverflow removes entries from the head until the store fits its
// capacity. Must be called with s.mu held for writing.
func (s *Store) evictOverflow(ctx context.Context) {
	for s.order.Len() > s.capacity {
		front := s.order.Front()
		entry := front.Value.(*Entry)

		s.order.Remove(front)
		delete(s.entries, entry.Key)
		s.bytes -= int64(entry.Size)
		CacheEvictions.Inc()

		// the key is gone either way; an orphaned payload is purged on restart
		if err := s.backend.Delete(ctx, entry.Handle); err != nil {
			CacheErrors.WithLabelValues("delete").Inc()
			s.logger.Warn().Err(err).Str("key", entry.Key).Str("handle", entry.Handle).Msg("Failed to delete evicted payload")
		}

		s.logger.Debug().Str("key", entry.Key).Msg("Evicted from cache")
	}
}

func (s *Store) observe() {
	CacheEntries.Set(float64(s.order.Len()))
	CacheBytes.Set(float64(s.bytes))
}

// Bytes returns the summed payload size of all entries.
func (s *Store) Bytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytes
}

// Entries returns a snapshot of all entries, oldest first.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, s.order.Len())
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		entries = append(entries, *elem.Value.(*Entry))
	}
	return entries
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close closes the backend. Stored payloads are left in place and purged
// by the next NewStore.
func (s *Store) Close() error {
	return s.backend.Close()
}
