package health

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_NeutralWhenUnknown(t *testing.T) {
	m := NewMonitor(50, 5)

	assert.Equal(t, 50, m.Score("never-seen"))
	assert.False(t, m.IsAnomalous("never-seen", 10*time.Second))

	snap := m.Status("never-seen")
	assert.Equal(t, 50, snap.Score)
	assert.Zero(t, snap.Samples)
}

func TestMonitor_ColdStartDecaysTowardNeutral(t *testing.T) {
	m := NewMonitor(50, 5)

	// A single success should pull only 1/5 of the way from neutral to the
	// raw score of 100.
	m.Record("p", 100*time.Millisecond, true)
	assert.Equal(t, 60, m.Score("p"))

	// A single failure on a fresh provider: raw score 30, blended to 46.
	m.Record("q", 100*time.Millisecond, false)
	assert.Equal(t, 46, m.Score("q"))
}

func TestMonitor_ScoreNonIncreasingAcrossFailures(t *testing.T) {
	m := NewMonitor(50, 5)

	// Establish a healthy baseline.
	for i := 0; i < 10; i++ {
		m.Record("p", 100*time.Millisecond, true)
	}
	prev := m.Score("p")
	require.Equal(t, 100, prev)

	// Every consecutive failure must leave the score equal or lower.
	for i := 0; i < 60; i++ {
		m.Record("p", 100*time.Millisecond, false)
		score := m.Score("p")
		require.LessOrEqual(t, score, prev, "failure %d raised the score", i+1)
		prev = score
	}

	// Once failures fill the whole window the score settles at the all-fail
	// floor: 0.7*0 + 0.3*1 = 30.
	assert.Equal(t, 30, prev)
}

func TestMonitor_WindowBounded(t *testing.T) {
	m := NewMonitor(50, 5)

	for i := 0; i < 120; i++ {
		m.Record("p", 50*time.Millisecond, true)
	}

	snap := m.Status("p")
	assert.Equal(t, 50, snap.Samples)
	assert.Equal(t, 100, snap.Score)
	assert.Equal(t, 1.0, snap.SuccessRate)
}

func TestMonitor_AnomalyFlagging(t *testing.T) {
	m := NewMonitor(50, 5)

	for i := 0; i < 20; i++ {
		m.Record("p", 100*time.Millisecond, true)
	}

	// Ordinary latency is not anomalous against a stable baseline.
	assert.False(t, m.IsAnomalous("p", 100*time.Millisecond))
	// A 100x spike is.
	assert.True(t, m.IsAnomalous("p", 10*time.Second))
}

func TestMonitor_AnomalyNeedsBaseline(t *testing.T) {
	m := NewMonitor(50, 5)

	m.Record("p", 100*time.Millisecond, true)
	m.Record("p", 100*time.Millisecond, true)

	// Below the minimum sample count there is no baseline to judge against.
	assert.False(t, m.IsAnomalous("p", 10*time.Second))
}

func TestMonitor_AnomalousSamplePenalizesScore(t *testing.T) {
	clean := NewMonitor(50, 5)
	spiked := NewMonitor(50, 5)

	for i := 0; i < 19; i++ {
		clean.Record("p", 100*time.Millisecond, true)
		spiked.Record("p", 100*time.Millisecond, true)
	}
	clean.Record("p", 100*time.Millisecond, true)
	spiked.Record("p", 10*time.Second, true) // one-off spike, still a success

	require.Equal(t, 100, clean.Score("p"))
	assert.Less(t, spiked.Score("p"), 100, "spike should penalize the score")
	assert.Equal(t, 1, spiked.Status("p").Anomalies)
	// The penalty is bounded: one spike in twenty samples must not crater an
	// otherwise perfect provider.
	assert.GreaterOrEqual(t, spiked.Score("p"), 90)
}

func TestMonitor_AllSnapshots(t *testing.T) {
	m := NewMonitor(50, 5)
	m.Record("a", 10*time.Millisecond, true)
	m.Record("b", 10*time.Millisecond, false)

	all := m.All()
	require.Len(t, all, 2)
	assert.Equal(t, 1, all["a"].Samples)
	assert.Equal(t, 1, all["b"].Samples)
	assert.Greater(t, all["a"].Score, all["b"].Score)
}

func TestMonitor_ConcurrentRecords(t *testing.T) {
	m := NewMonitor(50, 5)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", g%2)
			for i := 0; i < 200; i++ {
				m.Record(id, time.Duration(i)*time.Millisecond, i%3 != 0)
				_ = m.Score(id)
			}
		}(g)
	}
	wg.Wait()

	for _, id := range []string{"p0", "p1"} {
		snap := m.Status(id)
		assert.Equal(t, 50, snap.Samples, "window must stay bounded under concurrency")
		assert.GreaterOrEqual(t, snap.Score, 0)
		assert.LessOrEqual(t, snap.Score, 100)
	}
}
