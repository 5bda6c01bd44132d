package repository

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// InMemoryMirrorStore is a process-local MirrorStore with lazy expiry. It
// backs memory-only mode and tests.
type InMemoryMirrorStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewInMemoryMirrorStore() *InMemoryMirrorStore {
	return &InMemoryMirrorStore{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

func (s *InMemoryMirrorStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = item
	return nil
}

func (s *InMemoryMirrorStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[key]
	if !ok || s.expired(item) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), item.value...), nil
}

func (s *InMemoryMirrorStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range keys {
		item, ok := s.items[key]
		if !ok {
			continue
		}
		delete(s.items, key)
		if !s.expired(item) {
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryMirrorStore) CompareAndDelete(ctx context.Context, key, connectionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok || s.expired(item) {
		return false, nil
	}

	var owner struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal(item.value, &owner); err != nil || owner.ConnectionID != connectionID {
		return false, nil
	}

	delete(s.items, key)
	return true, nil
}

func (s *InMemoryMirrorStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	for key, item := range s.items {
		if strings.HasPrefix(key, prefix) && !s.expired(item) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *InMemoryMirrorStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *InMemoryMirrorStore) Close() error {
	return nil
}

func (s *InMemoryMirrorStore) expired(item memoryItem) bool {
	return !item.expiresAt.IsZero() && !s.now().Before(item.expiresAt)
}
