package session

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const defaultMemoryEntries = 10000

// MemoryStore keeps revocations in a bounded in-process LRU for single-node
// deployments. When full, the oldest revocation is forgotten first.
type MemoryStore struct {
	entries *lru.Cache
	now     func() time.Time
}

func NewMemoryStore(size int) *MemoryStore {
	if size <= 0 {
		size = defaultMemoryEntries
	}
	// lru.New only fails on a non-positive size.
	cache, _ := lru.New(size)
	return &MemoryStore{entries: cache, now: time.Now}
}

func (s *MemoryStore) Revoke(_ context.Context, jti string, expiresAt time.Time) error {
	if !expiresAt.After(s.now()) {
		return nil
	}
	s.entries.Add(jti, expiresAt)
	return nil
}

func (s *MemoryStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	value, ok := s.entries.Get(jti)
	if !ok {
		return false, nil
	}
	if !value.(time.Time).After(s.now()) {
		s.entries.Remove(jti)
		return false, nil
	}
	return true, nil
}
