// Package tm implements translation memories: normalization, the persistent
// vector index, the tiered lookup cascade, and pre-translation.
package tm

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize canonicalizes source text for matching: Unicode NFC, runs of
// whitespace collapsed to single spaces, leading/trailing whitespace
// trimmed. Case is preserved. Non-whitespace bytes pass through untouched,
// so markup such as <br/> survives byte-exact and is never rewritten to a
// newline.
func Normalize(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// Fold lowercases normalized text for the case-insensitive cascade tier.
func Fold(normalized string) string {
	return strings.ToLower(normalized)
}

// Hash returns the hex sha256 of normalized text. Exact-tier lookups and the
// (tm_id, source_hash) uniqueness constraint key on this.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// NewEntry builds a TM entry from a raw source/target pair.
func NewEntry(source, target string) *Entry {
	n := Normalize(source)
	return &Entry{Source: source, Target: target, Normalized: n, Hash: Hash(n)}
}

// Entry is a normalized import pair.
type Entry struct {
	Source     string
	Target     string
	Normalized string
	Hash       string
}
