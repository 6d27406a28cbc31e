// Package id generates the sortable identifiers used for sessions,
// messages and parts, and derives filesystem-safe agent identifiers.
package id

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	lastMS  uint64
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a 26-character lexicographically sortable identifier.
// Identifiers created in sequence sort in creation order even when the
// wall clock does not advance (or moves backwards) between calls.
func New() string {
	mu.Lock()
	defer mu.Unlock()

	ms := ulid.Timestamp(time.Now())
	if ms < lastMS {
		ms = lastMS
	} else {
		lastMS = ms
	}
	return ulid.MustNew(ms, entropy).String()
}

// SanitizeAgentID converts a raw agent identifier into the form used for
// directory names: lower-cased, with every character outside [a-z0-9-_]
// replaced by '-', runs of '-' collapsed and leading/trailing '-' removed.
// An empty result maps to "default".
func SanitizeAgentID(raw string) string {
	lower := strings.ToLower(raw)

	var b strings.Builder
	b.Grow(len(lower))
	prevDash := false
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
			}
			prevDash = true
		}
	}

	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "default"
	}
	return out
}
