package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func TestSetAndGetRoundTrip(t *testing.T) {
	c := New(4)
	c.Set("a", "/tmp/a")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "/tmp/a", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestContainsDoesNotBumpFreq(t *testing.T) {
	now := time.Now()
	clock := now
	c := New(4, WithClock(func() time.Time { return clock }))
	c.Set("a", "/tmp/a")
	assert.True(t, c.Contains("a"))
	assert.Equal(t, 1, c.entries["a"].freq)
	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
}

func TestEvictsLowestScoreAtCapacity(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	clock := base
	c := New(2, WithClock(func() time.Time { return clock }))

	c.Set("old", "/tmp/old")
	clock = base.Add(2 * time.Hour) // old entry's recency has now decayed hard
	c.Set("new", "/tmp/new")

	// "old" has freq 1 and is far in the past; "new" has freq 1 and is
	// fresh. Inserting a third key must evict "old", the lower-score entry.
	clock = base.Add(2 * time.Hour)
	c.Set("third", "/tmp/third")

	assert.False(t, c.Contains("old"))
	assert.True(t, c.Contains("new"))
	assert.True(t, c.Contains("third"))
}

func TestEvictCallsOnEvictWithValue(t *testing.T) {
	var evicted []string
	base := time.Unix(1_700_000_000, 0)
	clock := base
	c := New(1, WithClock(func() time.Time { return clock }),
		WithEvictHandler(func(value string) { evicted = append(evicted, value) }))

	c.Set("a", "/tmp/a")
	clock = base.Add(time.Hour)
	c.Set("b", "/tmp/b")

	require.Len(t, evicted, 1)
	assert.Equal(t, "/tmp/a", evicted[0])
	assert.True(t, c.Contains("b"))
}

func TestHighFrequencyEntrySurvivesOverRecentLowFrequency(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	clock := base
	c := New(2, WithClock(func() time.Time { return clock }))

	c.Set("hot", "/tmp/hot")
	for i := 0; i < 20; i++ {
		c.Get("hot")
	}
	clock = base.Add(10 * time.Minute)
	c.Set("warm", "/tmp/warm")

	clock = base.Add(10*time.Minute + time.Second)
	c.Set("cold", "/tmp/cold")

	assert.True(t, c.Contains("hot"), "high-frequency entry should outscore a single-touch one")
}

func TestDeleteRemovesWithoutEvictCallback(t *testing.T) {
	var evicted []string
	c := New(4, WithEvictHandler(func(value string) { evicted = append(evicted, value) }))
	c.Set("a", "/tmp/a")
	c.Delete("a")
	assert.False(t, c.Contains("a"))
	assert.Empty(t, evicted)
}

func TestStatsOnEmptyCache(t *testing.T) {
	c := New(4)
	s := c.Stats()
	assert.Equal(t, 0, s.Size)
	assert.Equal(t, 4, s.Capacity)
	assert.Zero(t, s.AvgScore)
}

func TestRecencyScoreBuckets(t *testing.T) {
	now := time.Unix(1_700_010_000, 0)
	assert.Equal(t, 1.0, recencyScore(now, now))
	assert.Equal(t, 1.0, recencyScore(now, now.Add(-299*time.Second)))
	assert.InDelta(t, 0.85, recencyScore(now, now.Add(-1050*time.Second)), 0.01)
	assert.Less(t, recencyScore(now, now.Add(-2*time.Hour)), 0.7)
}

func TestFreqScoreMonotonic(t *testing.T) {
	lo := freqScore(1, 10)
	hi := freqScore(9, 10)
	assert.Less(t, lo, hi)
	assert.Equal(t, 1.0, freqScore(5, 1))
}

func TestEvictionRetriesSurviveStaleHeapEntries(t *testing.T) {
	// A Delete() and Get()s between inserts change the live entries and
	// their scores; both mark the cache dirty, so the eviction triggered by
	// the final insert rebuilds the heap and must land on a key that is
	// actually present, leaving the cache at capacity.
	base := time.Unix(1_700_000_000, 0)
	clock := base
	c := New(3, WithClock(func() time.Time { return clock }))

	c.Set("a", "/tmp/a")
	c.Set("b", "/tmp/b")
	c.Set("c", "/tmp/c")
	c.Delete("b") // heap, if already built, now references a gone key

	clock = base.Add(time.Minute)
	c.Get("a")
	c.Get("c")

	clock = base.Add(2 * time.Hour)
	c.Set("d", "/tmp/d") // fills the slot "b" left; no eviction yet
	c.Set("e", "/tmp/e") // at capacity: evicts "a" or "c", both stale

	assert.Equal(t, 3, c.Stats().Size)
	assert.True(t, c.Contains("d"))
}
