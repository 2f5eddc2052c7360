// Package idem is the executor-side claim store that turns the playbook
// idempotency keys into at-most-once execution across processes.
package idem

import (
	"context"
	"sync"
	"time"
)

// Store claims keys. Claim reports true when the caller now owns key and
// false when another caller claimed it within ttl. Release drops a claim the
// caller owns so the key can be claimed again.
type Store interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, items: make(map[string]time.Time)}
}

// WithClock replaces the clock used for expiry.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *MemoryStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.items[key]; ok && (ttl <= 0 || now.Before(exp)) {
		return false, nil
	}
	s.items[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}
