package semcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vec3(x, y, z float32) []float32 { return []float32{x, y, z} }

func newTestCache(budget int64, threshold float64) (*Cache, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := New(budget, threshold, nil).WithClock(func() time.Time { return now })
	return c, &now
}

func TestCache_HitOnIdenticalQuery(t *testing.T) {
	c, now := newTestCache(1<<20, 0.9)

	c.Insert("what is 2+2", "fast", vec3(1, 0, 0), "4", "local-a")
	*now = now.Add(time.Minute)

	match, ok := c.Lookup("fast", vec3(1, 0, 0))
	require.True(t, ok)
	assert.Equal(t, "4", match.Entry.Response)
	assert.Equal(t, "local-a", match.Entry.ProviderID)
	assert.InDelta(t, 1.0, match.Similarity, 1e-6)
	assert.Equal(t, int64(1), match.Entry.HitCount)
	assert.Equal(t, now.Add(-time.Minute), match.Entry.CreatedAt)
	assert.Equal(t, *now, match.Entry.LastAccessedAt)

	match, ok = c.Lookup("fast", vec3(1, 0, 0))
	require.True(t, ok)
	assert.Equal(t, int64(2), match.Entry.HitCount)
}

func TestCache_MissBelowThreshold(t *testing.T) {
	c, _ := newTestCache(1<<20, 0.9)

	c.Insert("query one", "fast", vec3(1, 0, 0), "answer", "p")

	_, ok := c.Lookup("fast", vec3(0, 1, 0))
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(0), stats.Hits)
}

func TestCache_TaskTypeIsolation(t *testing.T) {
	c, _ := newTestCache(1<<20, 0.9)

	c.Insert("shared query", "fast", vec3(1, 0, 0), "fast answer", "p")

	// Identical vector under a different task type never matches.
	_, ok := c.Lookup("deep", vec3(1, 0, 0))
	assert.False(t, ok)

	_, ok = c.Lookup("fast", vec3(1, 0, 0))
	assert.True(t, ok)
}

func TestCache_PerTaskTypeThreshold(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := New(1<<20, 0.8, map[string]float64{"fast": 0.999}).WithClock(func() time.Time { return now })

	// Similarity between these unit vectors is ~0.995: above the default
	// threshold, below the "fast" override.
	base := vec3(1, 0, 0)
	near := vec3(0.995, 0.0999, 0)

	c.Insert("q", "fast", base, "a", "p")
	c.Insert("q", "deep", base, "a", "p")

	_, ok := c.Lookup("fast", near)
	assert.False(t, ok, "override threshold should reject a 0.995 match")

	_, ok = c.Lookup("deep", near)
	assert.True(t, ok, "default threshold should accept a 0.995 match")
}

func TestCache_BudgetNeverExceeded(t *testing.T) {
	const budget = 2048
	c, _ := newTestCache(budget, 0.9)

	for i := 0; i < 200; i++ {
		// Orthogonal-ish distinct vectors so clusters stay small.
		c.Insert(
			fmt.Sprintf("query number %d with some padding text", i),
			"fast",
			vec3(float32(i%7), float32(i%11), float32(1+i%13)),
			fmt.Sprintf("response %d", i),
			"p",
		)
		stats := c.Stats()
		require.LessOrEqual(t, stats.UsedBytes, int64(budget), "insert %d", i)
	}

	stats := c.Stats()
	assert.Positive(t, stats.Evictions)
	assert.Positive(t, stats.Entries)
}

func TestCache_ClusterEviction(t *testing.T) {
	// All entries share string lengths, so each costs the same number of
	// bytes and the budget holds exactly three.
	sample := Entry{Query: "q1", TaskType: "fast", Response: "r1", ProviderID: "p1", Vector: vec3(1, 0, 0)}
	size := entrySize(&sample)
	c, _ := newTestCache(3*size, 0.9)

	c.Insert("q1", "fast", vec3(1, 0, 0), "r1", "p1")          // victim-to-be
	c.Insert("q2", "fast", vec3(0.999, 0.01, 0), "r2", "p2")   // ~1.0 similar to q1
	c.Insert("q3", "fast", vec3(0, 1, 0), "r3", "p3")          // unrelated

	// Fourth insert exceeds the budget. The LRU victim is q1, and its
	// cluster includes q2, so both go.
	c.Insert("q4", "fast", vec3(0, 0, 1), "r4", "p4")

	_, ok := c.Lookup("fast", vec3(1, 0, 0))
	assert.False(t, ok, "victim should be evicted")
	_, ok = c.Lookup("fast", vec3(0.999, 0.01, 0))
	assert.False(t, ok, "victim's near-duplicate should be evicted with it")
	_, ok = c.Lookup("fast", vec3(0, 1, 0))
	assert.True(t, ok)
	_, ok = c.Lookup("fast", vec3(0, 0, 1))
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Evictions)
	assert.Equal(t, 2, stats.Entries)
}

func TestCache_HitRefreshesRecency(t *testing.T) {
	sample := Entry{Query: "q1", TaskType: "fast", Response: "r1", ProviderID: "p1", Vector: vec3(1, 0, 0)}
	size := entrySize(&sample)
	c, now := newTestCache(2*size, 0.9)

	c.Insert("q1", "fast", vec3(1, 0, 0), "r1", "p1")
	c.Insert("q2", "fast", vec3(0, 1, 0), "r2", "p2")

	// Touch q1 so q2 becomes the LRU victim.
	*now = now.Add(time.Second)
	_, ok := c.Lookup("fast", vec3(1, 0, 0))
	require.True(t, ok)

	c.Insert("q3", "fast", vec3(0, 0, 1), "r3", "p3")

	_, ok = c.Lookup("fast", vec3(1, 0, 0))
	assert.True(t, ok, "recently hit entry should survive eviction")
	_, ok = c.Lookup("fast", vec3(0, 1, 0))
	assert.False(t, ok, "cold entry should be the eviction victim")
}

func TestCache_OversizedEntryDropped(t *testing.T) {
	c, _ := newTestCache(64, 0.9)

	c.Insert("query", "fast", vec3(1, 0, 0), "response", "p")

	stats := c.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, int64(0), stats.UsedBytes)
}

func TestCache_ZeroVectorsNeverCached(t *testing.T) {
	c, _ := newTestCache(1<<20, 0.9)

	c.Insert("q", "fast", vec3(0, 0, 0), "a", "p")
	assert.Equal(t, 0, c.Stats().Entries)

	c.Insert("q", "fast", vec3(1, 0, 0), "a", "p")
	_, ok := c.Lookup("fast", vec3(0, 0, 0))
	assert.False(t, ok)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	const budget = 8192
	c, _ := newTestCache(budget, 0.9)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Insert(
					fmt.Sprintf("worker %d query %d", g, i),
					"fast",
					vec3(float32(g+1), float32(i%5), float32(i%3)),
					"answer",
					"p",
				)
				c.Lookup("fast", vec3(float32(g+1), float32(i%5), float32(i%3)))
			}
		}(g)
	}
	wg.Wait()

	stats := c.Stats()
	assert.LessOrEqual(t, stats.UsedBytes, int64(budget))
	assert.Positive(t, stats.Entries)
}
