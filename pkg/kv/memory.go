package kv

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// MemoryStore is the in-process Store implementation, sharded to keep
// lock contention low under concurrent admission checks.
type MemoryStore struct {
	shards [numShards]*shard
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := 0; i < numShards; i++ {
		s.shards[i] = &shard{items: make(map[string]entry)}
	}
	return s
}

func (s *MemoryStore) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%numShards]
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	sh := s.getShard(key)
	sh.mu.RLock()
	e, ok := sh.items[key]
	sh.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	if e.expired(time.Now()) {
		sh.mu.Lock()
		// Re-check under the write lock before evicting.
		if cur, ok := sh.items[key]; ok && cur.expired(time.Now()) {
			delete(sh.items, key)
		}
		sh.mu.Unlock()
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	sh := s.getShard(key)
	sh.mu.Lock()
	sh.items[key] = entry{value: value, expiresAt: deadline(ttl)}
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.items[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	sh.items[key] = entry{value: value, expiresAt: deadline(ttl)}
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	sh := s.getShard(key)
	sh.mu.Lock()
	delete(sh.items, key)
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteIfEquals(_ context.Context, key, expect string) (bool, error) {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.items[key]
	if !ok || e.expired(time.Now()) || e.value != expect {
		return false, nil
	}
	delete(sh.items, key)
	return true, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.items[key]
	if !ok || e.expired(time.Now()) {
		return false, nil
	}
	e.expiresAt = deadline(ttl)
	sh.items[key] = e
	return true, nil
}

// Cleanup removes expired entries and returns how many were evicted.
// Callers run it on a timer; Get also evicts lazily.
func (s *MemoryStore) Cleanup() int {
	removed := 0
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.items {
			if e.expired(now) {
				delete(sh.items, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns live entries across all shards.
func (s *MemoryStore) Len() int {
	total := 0
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.items {
			if !e.expired(now) {
				total++
			}
		}
		sh.mu.RUnlock()
	}
	return total
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
