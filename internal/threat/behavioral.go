package threat

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// maxHistories bounds how many callers are tracked at once.
	maxHistories = 8192
	// historyIdleCutoff is how long a caller can stay silent before its
	// history becomes sweepable.
	historyIdleCutoff = 10 * time.Minute
	// repetitionTrigger is the repetition fraction at which the stage
	// reports a triggered rule.
	repetitionTrigger = 0.5
)

// history is one caller's recent query digests, oldest overwritten first.
type history struct {
	digests  []string
	next     int
	count    int
	lastSeen time.Time
}

// historySet tracks per-caller query repetition. Idle histories are swept
// opportunistically on insert; there is no janitor goroutine to manage.
type historySet struct {
	mu     sync.Mutex
	window int
	byKey  map[string]*history
}

func newHistorySet(window int) *historySet {
	return &historySet{
		window: window,
		byKey:  make(map[string]*history),
	}
}

// observe reports which fraction of the caller's recent queries are identical
// to this one, then records it. A first-time query scores zero.
func (s *historySet) observe(caller, digest string) (float64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	h, ok := s.byKey[caller]
	if !ok {
		if len(s.byKey) >= maxHistories {
			s.sweepLocked(now)
		}
		h = &history{digests: make([]string, s.window)}
		s.byKey[caller] = h
	}

	matches := 0
	for i := 0; i < h.count; i++ {
		if h.digests[i] == digest {
			matches++
		}
	}
	score := float64(matches) / float64(s.window)

	h.digests[h.next] = digest
	h.next = (h.next + 1) % s.window
	if h.count < s.window {
		h.count++
	}
	h.lastSeen = now

	if score >= repetitionTrigger {
		return score, "behavioral.repetition"
	}
	return score, ""
}

// sweepLocked drops idle histories. If every caller is active, the
// longest-silent one goes so the map never exceeds its bound.
func (s *historySet) sweepLocked(now time.Time) {
	cutoff := now.Add(-historyIdleCutoff)
	for key, h := range s.byKey {
		if h.lastSeen.Before(cutoff) {
			delete(s.byKey, key)
		}
	}
	if len(s.byKey) < maxHistories {
		return
	}

	var (
		oldestKey  string
		oldestSeen time.Time
		found      bool
	)
	for key, h := range s.byKey {
		if !found || h.lastSeen.Before(oldestSeen) {
			oldestKey, oldestSeen, found = key, h.lastSeen, true
		}
	}
	if found {
		delete(s.byKey, oldestKey)
	}
}

func queryDigest(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}
