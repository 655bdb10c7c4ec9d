package cache

import (
	"context"
	"time"

	"github.com/myogestic/myogestic/internal/conformal"
	"github.com/myogestic/myogestic/internal/snapshot"
)

// Store is a read-through cache in front of a snapshot.Store. It caches
// snapshots rather than calibrators, so every Get hands out an independent
// Calibrator that the caller may recalibrate.
type Store struct {
	backend snapshot.Store
	lru     *LRU[string, conformal.Snapshot]
}

// NewStore wraps backend with a cache of size entries.
func NewStore(backend snapshot.Store, size int, ttl time.Duration) (*Store, error) {
	l, err := NewLRU[string, conformal.Snapshot](size, ttl)
	if err != nil {
		return nil, err
	}
	return &Store{backend: backend, lru: l}, nil
}

func (s *Store) Get(ctx context.Context, name string) (*conformal.Calibrator, error) {
	if snap, ok := s.lru.Get(name); ok {
		return conformal.Restore(snap)
	}
	c, err := s.backend.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	s.lru.Set(name, c.Snapshot())
	return c, nil
}

func (s *Store) Put(ctx context.Context, name string, c *conformal.Calibrator) error {
	if err := s.backend.Put(ctx, name, c); err != nil {
		s.lru.Delete(name)
		return err
	}
	s.lru.Set(name, c.Snapshot())
	return nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	s.lru.Delete(name)
	return s.backend.Delete(ctx, name)
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.backend.List(ctx)
}

// CleanupExpired drops expired snapshots from memory.
func (s *Store) CleanupExpired() int { return s.lru.CleanupExpired() }

// Stats reports the cache counters.
func (s *Store) Stats() Stats { return s.lru.Stats() }

// Close clears the cache and closes the backend.
func (s *Store) Close() error {
	s.lru.Clear()
	return s.backend.Close()
}

var _ snapshot.Store = (*Store)(nil)
