package ratelimit

import (
	"context"
	"sync"
	"time"
)

// maxTracked caps the event history per key. Counts saturate here, well past
// any scoring threshold, so hot keys cannot grow memory without bound.
const maxTracked = 4096

// window holds recent event times for one key, oldest first.
type window struct {
	events     []time.Time
	lastAccess time.Time
}

// MemoryCounter implements Counter using an in-memory sliding window per key.
//
// Each key keeps the timestamps of its recent events; Observe prunes entries
// older than the window and reports what remains. A background goroutine
// evicts idle keys every minute to bound memory.
type MemoryCounter struct {
	window time.Duration

	mu   sync.Mutex
	keys map[string]*window

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryCounter creates a sliding-window counter. Events older than
// windowSize no longer count toward a key's rate.
//
// A background goroutine evicts keys not observed in the last 10 minutes.
// Call Close to stop it.
func NewMemoryCounter(windowSize time.Duration) *MemoryCounter {
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	m := &MemoryCounter{
		window: windowSize,
		keys:   make(map[string]*window),
		done:   make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Observe records an event for key and returns the number of events within
// the sliding window, including this one.
func (m *MemoryCounter) Observe(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	w, ok := m.keys[key]
	if !ok {
		m.keys[key] = &window{
			events:     []time.Time{now},
			lastAccess: now,
		}
		return 1, nil
	}

	// Drop events that slid out of the window.
	cutoff := now.Add(-m.window)
	kept := w.events[:0]
	for _, ts := range w.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= maxTracked {
		kept = kept[len(kept)-maxTracked+1:]
	}
	w.events = append(kept, now)
	w.lastAccess = now

	return len(w.events), nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryCounter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts keys that haven't been observed recently.
func (m *MemoryCounter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryCounter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, w := range m.keys {
		if w.lastAccess.Before(cutoff) {
			delete(m.keys, key)
		}
	}
}
