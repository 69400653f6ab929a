package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryStore keeps entries in process memory. Expired entries are dropped lazily
// on read and in bulk by Sweep.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryItem
	clock   func() time.Time
}

// NewMemoryStore constructs an empty store. A nil clock defaults to time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]memoryItem),
		clock:   clock,
	}
}

// Get returns a live entry.
func (s *MemoryStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	now := s.clock()

	s.mu.RLock()
	item, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if !now.Before(item.expiresAt) {
		s.mu.Lock()
		if current, exists := s.entries[key]; exists && !now.Before(current.expiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return Entry{}, false, nil
	}
	return cloneEntry(item.entry), true, nil
}

// Set stores the entry for ttl. A non-positive ttl removes any existing entry.
func (s *MemoryStore) Set(ctx context.Context, entry Entry, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl <= 0 {
		delete(s.entries, entry.Key)
		return nil
	}
	s.entries[entry.Key] = memoryItem{entry: cloneEntry(entry), expiresAt: s.clock().Add(ttl)}
	return nil
}

// Delete removes exact keys.
func (s *MemoryStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, key := range keys {
		if _, ok := s.entries[key]; ok {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// DeleteMatching removes every key with the prefix.
func (s *MemoryStore) DeleteMatching(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Sweep drops every expired entry and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, item := range s.entries {
		if !now.Before(item.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included until swept.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RunSweeper sweeps on every interval tick until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func cloneEntry(entry Entry) Entry {
	clone := entry
	clone.Payload = append([]byte(nil), entry.Payload...)
	return clone
}
