// Package audit keeps a bounded, tamper-evident trail of threat assessments.
//
// Entries are hash-chained: each entry's hash covers its own content and the
// previous entry's hash, so any in-place edit of a retained entry breaks
// verification. The trail is a fixed-capacity ring; old entries fall off, the
// chain over the retained window stays verifiable.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is the caller-supplied payload for one assessment. The trail stamps
// identity, time, and hashes itself. Raw query text is never retained: the
// digest identifies it, the preview helps operators triage.
type Record struct {
	Caller         string
	TaskType       string
	Query          string
	Score          float64
	Decision       string
	TriggeredRules []string
}

// Entry is one sealed trail entry.
type Entry struct {
	ID             uuid.UUID
	At             time.Time
	Caller         string
	TaskType       string
	QueryDigest    string
	QueryPreview   string
	Score          float64
	Decision       string
	TriggeredRules []string
	PrevHash       string
	Hash           string
}

// previewLen bounds how much query text an entry retains.
const previewLen = 80

// Trail is a fixed-capacity, hash-chained ring of audit entries.
// Safe for concurrent use.
type Trail struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	count    int
	appended int64
	lastHash string
}

// New creates a trail retaining at most capacity entries.
func New(capacity int) *Trail {
	if capacity < 1 {
		capacity = 1
	}
	return &Trail{entries: make([]Entry, capacity)}
}

// Append seals rec into the trail and returns the stored entry.
func (t *Trail) Append(rec Record) Entry {
	e := Entry{
		ID:             uuid.New(),
		At:             time.Now().UTC(),
		Caller:         rec.Caller,
		TaskType:       rec.TaskType,
		QueryDigest:    digest(rec.Query),
		QueryPreview:   preview(rec.Query),
		Score:          rec.Score,
		Decision:       rec.Decision,
		TriggeredRules: append([]string(nil), rec.TriggeredRules...),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e.PrevHash = t.lastHash
	e.Hash = chainHash(e.PrevHash, contentHash(&e))
	t.lastHash = e.Hash

	t.entries[t.next] = e
	t.next = (t.next + 1) % len(t.entries)
	if t.count < len(t.entries) {
		t.count++
	}
	t.appended++

	return e
}

// Recent returns up to n entries, newest first.
func (t *Trail) Recent(n int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if n > t.count {
		n = t.count
	}
	if n < 1 {
		return nil
	}

	out := make([]Entry, 0, n)
	idx := t.next - 1
	for i := 0; i < n; i++ {
		if idx < 0 {
			idx += len(t.entries)
		}
		out = append(out, t.entries[idx])
		idx--
	}
	return out
}

// Len returns the number of retained entries.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Appended returns the total number of entries ever appended, including
// entries that have since fallen off the ring.
func (t *Trail) Appended() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.appended
}

// VerifyChain recomputes every retained entry's hash and checks the links
// between consecutive entries. It returns nil when the retained window is
// intact.
func (t *Trail) VerifyChain() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	prevHash := ""
	first := true
	idx := t.next - t.count
	if idx < 0 {
		idx += len(t.entries)
	}
	for i := 0; i < t.count; i++ {
		e := &t.entries[(idx+i)%len(t.entries)]

		if want := chainHash(e.PrevHash, contentHash(e)); e.Hash != want {
			return fmt.Errorf("audit: entry %s: hash mismatch", e.ID)
		}
		if !first && e.PrevHash != prevHash {
			return fmt.Errorf("audit: entry %s: broken link to previous entry", e.ID)
		}
		prevHash = e.Hash
		first = false
	}
	return nil
}

// Root returns the Merkle root over the retained entries' hashes in
// chronological order, or "" when the trail is empty. Two trails with the
// same retained window produce the same root.
func (t *Trail) Root() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaves := make([]string, 0, t.count)
	idx := t.next - t.count
	if idx < 0 {
		idx += len(t.entries)
	}
	for i := 0; i < t.count; i++ {
		leaves = append(leaves, t.entries[(idx+i)%len(t.entries)].Hash)
	}
	return merkleRoot(leaves)
}

func preview(query string) string {
	runes := []rune(query)
	if len(runes) <= previewLen {
		return query
	}
	return string(runes[:previewLen])
}
