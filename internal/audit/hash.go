package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
	"time"
)

// digest returns the SHA-256 hex digest of the raw query text.
func digest(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// contentHash produces a SHA-256 hex digest over an entry's canonical fields.
// Each field is encoded as a 4-byte big-endian length prefix followed by the
// field bytes, which avoids delimiter collisions when freeform text fields
// contain separator characters. Triggered rules come last so the sequence
// stays unambiguous.
func contentHash(e *Entry) string {
	h := sha256.New()
	writeField(h, e.ID.String())
	writeField(h, e.At.UTC().Format(time.RFC3339Nano))
	writeField(h, e.Caller)
	writeField(h, e.TaskType)
	writeField(h, e.QueryDigest)
	writeField(h, e.QueryPreview)
	writeField(h, strconv.FormatFloat(e.Score, 'f', 10, 64))
	writeField(h, e.Decision)
	for _, rule := range e.TriggeredRules {
		writeField(h, rule)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by query size limits
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

// chainHash binds an entry's content to its predecessor:
// SHA-256 over the length-prefixed previous hash and content hash.
func chainHash(prev, content string) string {
	h := sha256.New()
	writeField(h, prev)
	writeField(h, content)
	return hex.EncodeToString(h.Sum(nil))
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per
// RFC 6962), ensuring internal node hashes can never collide with leaf hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01}) // internal node domain separator
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// merkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself for structural binding.
func merkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	// Build tree bottom-up.
	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				// Odd node: hash with itself for structural binding to tree position.
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
