// Package sha256 computes content fingerprints with SHA-256.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Hasher implements acquire.Hasher and the worker's fingerprinting contract.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint hashes the normalized form of parts so that case, punctuation
// and whitespace differences do not produce distinct fingerprints.
func (h *Hasher) Fingerprint(parts ...string) (string, error) {
	normalized := make([]string, 0, len(parts))
	for _, p := range parts {
		normalized = append(normalized, Normalize(p))
	}
	return h.Hash([]byte(strings.Join(normalized, "\x1f")))
}

// Normalize lowercases s, drops punctuation and collapses whitespace runs.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			space = true
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}
