// Package cache implements C4, the Hybrid LRU+LFU Cache: a fixed-capacity
// map of whole-file artifacts on disk, evicted by a weighted recency+
// frequency score via a lazily-rebuilt min-heap.
package cache

import (
	"container/heap"
	"math"
	"os"
	"sync"
	"time"
)

// Default score weights (spec §4.4; configurable, need not sum to 1).
const (
	DefaultFreqWeight = 0.6
	DefaultRecWeight  = 0.4
)

// scoreEpsilon bounds how far a popped entry's recomputed score may drift
// from its heap-stored score before it must be re-pushed and re-evaluated
// (carried verbatim from original_source/service/HybridLRUCache.py).
const scoreEpsilon = 0.0001

// Clock returns the current time; overridden in tests for deterministic
// recency-score assertions.
type Clock func() time.Time

// Stats summarizes the cache's current contents (spec §4.4 stats()).
type Stats struct {
	Size        int
	Capacity    int
	AvgFreq     float64
	AvgRecScore float64
	AvgScore    float64
}

type entry struct {
	key        string
	value      string // opaque on-disk artifact path
	freq       int
	lastAccess time.Time
}

// Cache is a thread-safe, fixed-capacity recency+frequency cache of
// opaque on-disk artifact identifiers.
type Cache struct {
	mu sync.Mutex

	capacity   int
	freqWeight float64
	recWeight  float64
	clock      Clock

	entries map[string]*entry
	h       scoreHeap
	dirty   bool

	// onEvict is called with the evicted key's value after removal from
	// the index; it deletes the corresponding on-disk artifact (I5). The
	// caller, not the cache, owns writing the artifact to disk before Set.
	onEvict func(value string)
}

// Option configures a Cache at construction.
type Option func(*Cache)

// WithWeights overrides the default 0.6/0.4 frequency/recency weights.
func WithWeights(freq, rec float64) Option {
	return func(c *Cache) { c.freqWeight, c.recWeight = freq, rec }
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(clock Clock) Option {
	return func(c *Cache) { c.clock = clock }
}

// WithEvictHandler registers the on-disk artifact deletion callback (I5).
func WithEvictHandler(fn func(value string)) Option {
	return func(c *Cache) { c.onEvict = fn }
}

// New constructs a Cache with the given fixed capacity.
func New(capacity int, opts ...Option) *Cache {
	c := &Cache{
		capacity:   capacity,
		freqWeight: DefaultFreqWeight,
		recWeight:  DefaultRecWeight,
		clock:      time.Now,
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Contains reports membership only; it does not touch freq/recency.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Get returns the value for key, bumping freq and recency. ok is false if
// key is absent.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	e.freq++
	e.lastAccess = c.clock()
	c.dirty = true
	return e.value, true
}

// Set inserts or updates key. If inserting a new key at capacity, the
// lowest-score entry is evicted first.
func (c *Cache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.freq++
		e.lastAccess = now
		c.dirty = true
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictLowestScoreLocked()
	}

	e := &entry{key: key, value: value, freq: 1, lastAccess: now}
	c.entries[key] = e
	c.dirty = true
}

// Delete removes key unconditionally (no eviction callback: the caller
// already knows it is removing this artifact).
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.dirty = true
}

// Stats reports aggregate cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Size: len(c.entries), Capacity: c.capacity}
	if len(c.entries) == 0 {
		return s
	}
	now := c.clock()
	maxFreq := c.maxFreqLocked()
	var totalFreq, totalRec, totalScore float64
	for _, e := range c.entries {
		fs := freqScore(e.freq, maxFreq)
		rs := recencyScore(now, e.lastAccess)
		totalFreq += fs
		totalRec += rs
		totalScore += c.score(fs, rs)
	}
	n := float64(len(c.entries))
	s.AvgFreq = totalFreq / n
	s.AvgRecScore = totalRec / n
	s.AvgScore = totalScore / n
	return s
}

func (c *Cache) maxFreqLocked() int {
	max := 0
	for _, e := range c.entries {
		if e.freq > max {
			max = e.freq
		}
	}
	return max
}

func (c *Cache) score(freqScore, recScore float64) float64 {
	return c.freqWeight*freqScore + c.recWeight*recScore
}

func freqScore(freq, maxFreq int) float64 {
	if freq == 0 {
		return 0
	}
	if maxFreq <= 1 {
		return 1
	}
	return math.Log(1+float64(freq)) / math.Log(1+float64(maxFreq))
}

func recencyScore(now, lastAccess time.Time) float64 {
	delta := now.Sub(lastAccess).Seconds()
	switch {
	case delta <= 300:
		return 1.0
	case delta <= 1800:
		// linear from 1.0 at 300s down to 0.7 at 1800s
		frac := (delta - 300) / (1800 - 300)
		return 1.0 - 0.3*frac
	default:
		return 0.7 * math.Exp(-(delta-1800)/3600)
	}
}

// evictLowestScoreLocked must be called with c.mu held. It rebuilds the
// heap if dirty, pops the minimum, re-verifies its score against a fresh
// recomputation (scores drift between heap build and pop purely from the
// passage of time), and retries up to 2*size times before falling back to
// an O(n) scan that is guaranteed to evict something.
func (c *Cache) evictLowestScoreLocked() {
	if len(c.entries) == 0 {
		return
	}
	if c.dirty {
		c.rebuildHeapLocked()
	}

	maxRetries := 2 * len(c.entries)
	now := c.clock()
	maxFreq := c.maxFreqLocked()

	for i := 0; i < maxRetries && c.h.Len() > 0; i++ {
		item := heap.Pop(&c.h).(*heapItem)
		e, ok := c.entries[item.key]
		if !ok {
			continue // stale entry (already deleted)
		}
		fresh := c.score(freqScore(e.freq, maxFreq), recencyScore(now, e.lastAccess))
		if math.Abs(fresh-item.score) <= scoreEpsilon {
			c.evictLocked(e)
			return
		}
		item.score = fresh
		heap.Push(&c.h, item)
	}

	// Bounded retries exhausted: fall back to a linear scan, which always
	// evicts something and guarantees liveness.
	c.evictByLinearScanLocked(now, maxFreq)
}

func (c *Cache) evictByLinearScanLocked(now time.Time, maxFreq int) {
	var worstKey string
	worstScore := math.Inf(1)
	for k, e := range c.entries {
		s := c.score(freqScore(e.freq, maxFreq), recencyScore(now, e.lastAccess))
		if s < worstScore {
			worstScore = s
			worstKey = k
		}
	}
	if worstKey != "" {
		c.evictLocked(c.entries[worstKey])
	}
}

func (c *Cache) evictLocked(e *entry) {
	delete(c.entries, e.key)
	if c.onEvict != nil {
		c.onEvict(e.value)
	}
}

func (c *Cache) rebuildHeapLocked() {
	now := c.clock()
	maxFreq := c.maxFreqLocked()
	c.h = make(scoreHeap, 0, len(c.entries))
	for k, e := range c.entries {
		s := c.score(freqScore(e.freq, maxFreq), recencyScore(now, e.lastAccess))
		c.h = append(c.h, &heapItem{key: k, score: s})
	}
	heap.Init(&c.h)
	c.dirty = false
}

// DeleteArtifact is a convenience helper callers can pass to
// WithEvictHandler: it treats value as an on-disk path and removes it,
// upholding I5 without the caller needing to write the same os.Remove call
// at every construction site.
func DeleteArtifact(path string) {
	_ = os.Remove(path)
}
