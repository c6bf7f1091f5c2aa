// Package semcache provides a similarity-based response cache for routed
// queries. Entries are grouped by task type and matched by cosine similarity
// between query embeddings, so reworded duplicates of an earlier query can be
// answered without a provider call. Total memory is bounded by a byte budget;
// when the budget is exceeded the least recently used entry is evicted
// together with its similarity cluster.
package semcache

import (
	"container/list"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Entry is a cached response keyed by its query embedding.
type Entry struct {
	ID             uuid.UUID
	Query          string
	TaskType       string
	Vector         []float32 // unit-normalized at insert
	Response       string
	ProviderID     string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	HitCount       int64
}

// Match is a successful lookup: the matched entry and its cosine similarity
// to the probe vector.
type Match struct {
	Entry      Entry
	Similarity float64
}

// Stats is a point-in-time snapshot of cache state and counters.
type Stats struct {
	Entries     int
	UsedBytes   int64
	BudgetBytes int64
	Hits        int64
	Misses      int64
	Evictions   int64
}

// entryOverhead approximates the fixed per-entry cost: the Entry struct, its
// map slot, and its list element.
const entryOverhead = 176

type record struct {
	entry Entry
	size  int64
	elem  *list.Element
}

// Cache is a memory-bounded semantic response cache.
//
// Similarity scans run under the read lock so concurrent lookups proceed in
// parallel; only hit bookkeeping and inserts take the write lock.
type Cache struct {
	mu      sync.RWMutex
	byTask  map[string]map[uuid.UUID]*record
	lru     *list.List // front = most recently used; values are *record
	used    int64
	budget  int64
	now     func() time.Time

	defaultThreshold float64
	thresholds       map[string]float64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a cache bounded by budgetBytes. Lookups match when cosine
// similarity reaches the task type's threshold, falling back to
// defaultThreshold for task types without an override.
func New(budgetBytes int64, defaultThreshold float64, thresholds map[string]float64) *Cache {
	if budgetBytes < 1 {
		budgetBytes = 1
	}
	ts := make(map[string]float64, len(thresholds))
	for k, v := range thresholds {
		ts[k] = v
	}
	return &Cache{
		byTask:           make(map[string]map[uuid.UUID]*record),
		lru:              list.New(),
		budget:           budgetBytes,
		now:              time.Now,
		defaultThreshold: defaultThreshold,
		thresholds:       ts,
	}
}

// WithClock overrides the cache's time source. Intended for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// ThresholdFor returns the similarity threshold for a task type.
func (c *Cache) ThresholdFor(taskType string) float64 {
	if t, ok := c.thresholds[taskType]; ok {
		return t
	}
	return c.defaultThreshold
}

// Lookup scans entries of the same task type for the most similar vector. It
// returns a hit only when the best similarity reaches the task type's
// threshold. A hit refreshes the entry's recency and hit count.
func (c *Cache) Lookup(taskType string, vec []float32) (Match, bool) {
	probe := normalize(vec)
	if probe == nil {
		// Zero vectors can never clear a similarity threshold.
		c.misses.Add(1)
		return Match{}, false
	}
	threshold := c.ThresholdFor(taskType)

	c.mu.RLock()
	var (
		bestID  uuid.UUID
		bestSim float64
		found   bool
	)
	for id, rec := range c.byTask[taskType] {
		sim := dot(probe, rec.entry.Vector)
		if !found || sim > bestSim {
			bestID, bestSim, found = id, sim, true
		}
	}
	c.mu.RUnlock()

	if !found || bestSim < threshold {
		c.misses.Add(1)
		return Match{}, false
	}

	// Re-acquire for the hit bookkeeping. The entry can be evicted between
	// lock grades; treat that as a miss.
	c.mu.Lock()
	rec, ok := c.byTask[taskType][bestID]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return Match{}, false
	}
	rec.entry.LastAccessedAt = c.now()
	rec.entry.HitCount++
	c.lru.MoveToFront(rec.elem)
	entry := cloneEntry(rec.entry)
	c.mu.Unlock()

	c.hits.Add(1)
	return Match{Entry: entry, Similarity: bestSim}, true
}

// Insert adds a response under its query embedding, evicting least recently
// used clusters first if the entry would exceed the byte budget. Entries
// larger than the whole budget and zero vectors are dropped.
func (c *Cache) Insert(query, taskType string, vec []float32, response, providerID string) {
	unit := normalize(vec)
	if unit == nil {
		return
	}

	now := c.now()
	rec := &record{
		entry: Entry{
			ID:             uuid.New(),
			Query:          query,
			TaskType:       taskType,
			Vector:         unit,
			Response:       response,
			ProviderID:     providerID,
			CreatedAt:      now,
			LastAccessedAt: now,
		},
	}
	rec.size = entrySize(&rec.entry)
	if rec.size > c.budget {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.used+rec.size > c.budget && c.lru.Len() > 0 {
		c.evictClusterLocked()
	}

	byID, ok := c.byTask[taskType]
	if !ok {
		byID = make(map[uuid.UUID]*record)
		c.byTask[taskType] = byID
	}
	byID[rec.entry.ID] = rec
	rec.elem = c.lru.PushFront(rec)
	c.used += rec.size
}

// Stats returns current cache counters and usage.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entries := c.lru.Len()
	used := c.used
	c.mu.RUnlock()

	return Stats{
		Entries:     entries,
		UsedBytes:   used,
		BudgetBytes: c.budget,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
	}
}

// evictClusterLocked removes the LRU victim together with its similarity
// cluster: entries of the victim's task type whose similarity to the victim
// reaches that task type's threshold. Near-duplicates age together, so they
// are reclaimed together.
func (c *Cache) evictClusterLocked() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	victim := back.Value.(*record)
	threshold := c.ThresholdFor(victim.entry.TaskType)

	byID := c.byTask[victim.entry.TaskType]
	cluster := make([]*record, 0, 4)
	for _, rec := range byID {
		if rec == victim || dot(victim.entry.Vector, rec.entry.Vector) >= threshold {
			cluster = append(cluster, rec)
		}
	}

	for _, rec := range cluster {
		delete(byID, rec.entry.ID)
		c.lru.Remove(rec.elem)
		c.used -= rec.size
		c.evictions.Add(1)
	}
	if len(byID) == 0 {
		delete(c.byTask, victim.entry.TaskType)
	}
}

func entrySize(e *Entry) int64 {
	return entryOverhead +
		int64(len(e.Query)) +
		int64(len(e.TaskType)) +
		int64(len(e.Response)) +
		int64(len(e.ProviderID)) +
		int64(4*len(e.Vector))
}

func cloneEntry(e Entry) Entry {
	vec := make([]float32, len(e.Vector))
	copy(vec, e.Vector)
	e.Vector = vec
	return e
}

// normalize returns a unit-length copy of vec, or nil for zero vectors.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)

	unit := make([]float32, len(vec))
	for i, v := range vec {
		unit[i] = float32(float64(v) / norm)
	}
	return unit
}

// dot computes the inner product of two unit vectors, which is their cosine
// similarity. Mismatched lengths compare as dissimilar.
func dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
