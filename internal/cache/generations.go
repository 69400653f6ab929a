package cache

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const generationStripes = 256

// Generations versions cache keys within one process. The Invalidator advances a
// key's generation before evicting it; a ReadThrough computation that observed an
// older generation must not leave its result in the store.
// Exact keys hash onto fixed stripes, so unrelated keys can share a counter; a
// shared stripe only costs a skipped write.
type Generations struct {
	stripes [generationStripes]atomic.Uint64

	mu       sync.RWMutex
	prefixes map[string]*atomic.Uint64
}

// NewGenerations returns an empty generation table.
func NewGenerations() *Generations {
	return &Generations{prefixes: make(map[string]*atomic.Uint64)}
}

// Snapshot returns a value that changes whenever key or any prefix covering it advances.
func (g *Generations) Snapshot(key string) uint64 {
	if g == nil {
		return 0
	}
	sum := g.stripe(key).Load()
	g.mu.RLock()
	defer g.mu.RUnlock()
	for prefix, counter := range g.prefixes {
		if strings.HasPrefix(key, prefix) {
			sum += counter.Load()
		}
	}
	return sum
}

// Advance moves the generation of one exact key.
func (g *Generations) Advance(key string) {
	if g == nil {
		return
	}
	g.stripe(key).Add(1)
}

// AdvancePrefix moves the generation of every key beginning with prefix.
func (g *Generations) AdvancePrefix(prefix string) {
	if g == nil {
		return
	}
	g.mu.RLock()
	counter, ok := g.prefixes[prefix]
	g.mu.RUnlock()
	if !ok {
		g.mu.Lock()
		if counter, ok = g.prefixes[prefix]; !ok {
			counter = &atomic.Uint64{}
			g.prefixes[prefix] = counter
		}
		g.mu.Unlock()
	}
	counter.Add(1)
}

func (g *Generations) stripe(key string) *atomic.Uint64 {
	return &g.stripes[xxhash.Sum64String(key)%generationStripes]
}
