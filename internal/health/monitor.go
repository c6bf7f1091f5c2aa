// Package health tracks per-provider latency/success samples and derives a
// 0-100 health score with latency anomaly flagging.
//
// All computation is pure and in-memory: the monitor never makes network
// calls. State is a map keyed by provider ID with a per-entry lock, so
// concurrent outcomes for different providers never contend.
package health

import (
	"math"
	"sync"
	"time"
)

const (
	// neutralScore is the score reported for providers with no history and
	// the anchor toward which sparse histories decay.
	neutralScore = 50

	// successWeight and latencyWeight combine the success ratio and the
	// latency-normality term into the final score. They sum to 1.
	successWeight = 0.7
	latencyWeight = 0.3

	// anomalySigmas is the z-score above which a latency sample is flagged
	// anomalous (mean + 3 standard deviations).
	anomalySigmas = 3.0
)

// Sample is one completed provider attempt.
type Sample struct {
	At      time.Time
	Latency time.Duration
	Success bool
}

// Snapshot is the derived view of one provider's recent history.
type Snapshot struct {
	Score       int
	Samples     int
	SuccessRate float64
	MeanLatency time.Duration
	Anomalies   int
	LastSample  time.Time
}

// Monitor holds a bounded sample window per provider.
type Monitor struct {
	mu      sync.RWMutex // guards the records map, not record contents
	records map[string]*record

	window     int
	minSamples int
}

// record is one provider's ring buffer. Its own lock serializes writes and
// derived reads for that provider only.
type record struct {
	mu      sync.Mutex
	samples []Sample
	next    int // index of the slot the next sample overwrites
	count   int // filled slots, <= len(samples)
}

// NewMonitor creates a Monitor with the given ring capacity and the minimum
// sample count below which scores decay toward neutral.
func NewMonitor(window, minSamples int) *Monitor {
	if window < 1 {
		window = 1
	}
	if minSamples < 1 {
		minSamples = 1
	}
	if minSamples > window {
		minSamples = window
	}
	return &Monitor{
		records:    make(map[string]*record),
		window:     window,
		minSamples: minSamples,
	}
}

// Record appends one completed attempt for the provider, evicting the oldest
// sample once the window is full.
func (m *Monitor) Record(providerID string, latency time.Duration, success bool) {
	rec := m.recordFor(providerID)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.samples[rec.next] = Sample{At: time.Now().UTC(), Latency: latency, Success: success}
	rec.next = (rec.next + 1) % len(rec.samples)
	if rec.count < len(rec.samples) {
		rec.count++
	}
}

// Score returns the provider's current health in [0, 100]. Unknown providers
// score neutral. The score is recomputed from the live window on every call.
func (m *Monitor) Score(providerID string) int {
	m.mu.RLock()
	rec, ok := m.records[providerID]
	m.mu.RUnlock()
	if !ok {
		return neutralScore
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return m.scoreLocked(rec)
}

// IsAnomalous reports whether a latency would be flagged against the
// provider's current window (mean + 3 sigma). Below the minimum sample count
// there is no meaningful baseline and nothing is flagged.
func (m *Monitor) IsAnomalous(providerID string, latency time.Duration) bool {
	m.mu.RLock()
	rec, ok := m.records[providerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.count < m.minSamples {
		return false
	}
	mean, stddev := latencyStatsLocked(rec)
	return float64(latency.Milliseconds()) > mean+anomalySigmas*stddev
}

// Status returns the derived snapshot for one provider.
func (m *Monitor) Status(providerID string) Snapshot {
	m.mu.RLock()
	rec, ok := m.records[providerID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{Score: neutralScore}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return m.snapshotLocked(rec)
}

// All returns snapshots for every provider seen so far.
func (m *Monitor) All() map[string]Snapshot {
	m.mu.RLock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make(map[string]Snapshot, len(ids))
	for _, id := range ids {
		out[id] = m.Status(id)
	}
	return out
}

func (m *Monitor) recordFor(providerID string) *record {
	m.mu.RLock()
	rec, ok := m.records[providerID]
	m.mu.RUnlock()
	if ok {
		return rec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok = m.records[providerID]; ok {
		return rec
	}
	rec = &record{samples: make([]Sample, m.window)}
	m.records[providerID] = rec
	return rec
}

// scoreLocked derives the score from the window. Caller holds rec.mu.
//
// Scoring factors:
//   - success ratio over the window (weight 0.7)
//   - latency normality: the non-anomalous fraction of the window, where a
//     sample above mean+3sigma is anomalous regardless of its raw value
//     (weight 0.3)
//
// Below minSamples the raw score is blended toward neutral in proportion to
// count/minSamples, so cold-start providers are not judged prematurely.
func (m *Monitor) scoreLocked(rec *record) int {
	if rec.count == 0 {
		return neutralScore
	}

	successes := 0
	for i := 0; i < rec.count; i++ {
		if rec.samples[i].Success {
			successes++
		}
	}
	successRatio := float64(successes) / float64(rec.count)

	normality := 1.0
	if rec.count >= m.minSamples {
		normality = 1.0 - float64(anomaliesLocked(rec))/float64(rec.count)
	}

	raw := 100 * (successWeight*successRatio + latencyWeight*normality)
	if rec.count < m.minSamples {
		raw = neutralScore + (raw-neutralScore)*float64(rec.count)/float64(m.minSamples)
	}

	score := int(math.Round(raw))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func (m *Monitor) snapshotLocked(rec *record) Snapshot {
	snap := Snapshot{
		Score:   m.scoreLocked(rec),
		Samples: rec.count,
	}
	if rec.count == 0 {
		return snap
	}

	successes := 0
	var totalLatency time.Duration
	var last time.Time
	for i := 0; i < rec.count; i++ {
		s := rec.samples[i]
		if s.Success {
			successes++
		}
		totalLatency += s.Latency
		if s.At.After(last) {
			last = s.At
		}
	}
	snap.SuccessRate = float64(successes) / float64(rec.count)
	snap.MeanLatency = totalLatency / time.Duration(rec.count)
	snap.LastSample = last
	if rec.count >= m.minSamples {
		snap.Anomalies = anomaliesLocked(rec)
	}
	return snap
}

// anomaliesLocked counts window samples above mean+3sigma. Caller holds rec.mu.
func anomaliesLocked(rec *record) int {
	mean, stddev := latencyStatsLocked(rec)
	n := 0
	for i := 0; i < rec.count; i++ {
		if float64(rec.samples[i].Latency.Milliseconds()) > mean+anomalySigmas*stddev {
			n++
		}
	}
	return n
}

// latencyStatsLocked computes mean and population standard deviation of the
// window latencies in milliseconds. Caller holds rec.mu.
func latencyStatsLocked(rec *record) (mean, stddev float64) {
	if rec.count == 0 {
		return 0, 0
	}
	var sum float64
	for i := 0; i < rec.count; i++ {
		sum += float64(rec.samples[i].Latency.Milliseconds())
	}
	mean = sum / float64(rec.count)

	var sq float64
	for i := 0; i < rec.count; i++ {
		d := float64(rec.samples[i].Latency.Milliseconds()) - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / float64(rec.count))
	return mean, stddev
}
