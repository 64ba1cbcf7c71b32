package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps a sliding window of hits per key in process memory.
// Counts are not shared between replicas.
type MemoryStore struct {
	mu        sync.Mutex
	hits      map[string][]time.Time
	maxMemory int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hits:      make(map[string][]time.Time),
		maxMemory: 5000,
	}
}

func (s *MemoryStore) Allow(_ context.Context, key string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	hits := s.hits[key]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= maxHits {
		retryAfter := filtered[0].Add(window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		s.hits[key] = filtered
		return false, retryAfter, nil
	}

	s.hits[key] = append(filtered, now)

	if len(s.hits) > s.maxMemory {
		for k, v := range s.hits {
			if len(v) == 0 || v[len(v)-1].Before(threshold) {
				delete(s.hits, k)
			}
		}
	}

	return true, 0, nil
}
