package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-process map. Suitable for tests
// and single-node deployments.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	now     func() time.Time
}

type memoryBucket struct {
	count     int64
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*memoryBucket),
		now:     time.Now,
	}
}

// IncrWindow implements Store.
func (s *MemoryStore) IncrWindow(
	ctx context.Context,
	currentKey, previousKey string,
	ttl time.Duration,
) (WindowCounts, error) {
	if err := ctx.Err(); err != nil {
		return WindowCounts{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evictExpired(now)

	cur, ok := s.buckets[currentKey]
	if !ok {
		cur = &memoryBucket{expiresAt: now.Add(ttl)}
		s.buckets[currentKey] = cur
	}
	cur.count++

	var previous int64
	if prev, ok := s.buckets[previousKey]; ok {
		previous = prev.count
	}

	return WindowCounts{Current: cur.count, Previous: previous}, nil
}

func (s *MemoryStore) evictExpired(now time.Time) {
	for key, bucket := range s.buckets {
		if now.After(bucket.expiresAt) {
			delete(s.buckets, key)
		}
	}
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = make(map[string]*memoryBucket)
	return nil
}
