// Package ids generates identifiers for matches, queued operations, and
// media records.
//
// Matches created while offline carry a temporary identifier with the
// "local-" prefix until the backend acknowledges the create and returns the
// authoritative server id.
package ids

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TempPrefix marks a client-generated match id the backend has not
// acknowledged yet.
const TempPrefix = "local-"

// Generator produces unique identifiers.
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined identifiers for tests.
type FixedGenerator struct {
	mu     sync.Mutex
	tokens []string
	idx    int
}

// NewFixedGenerator creates a generator that returns tokens in order.
func NewFixedGenerator(tokens ...string) *FixedGenerator {
	return &FixedGenerator{tokens: tokens}
}

// Generate returns the next predetermined token.
// Panics if all tokens have been consumed.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.tokens) {
		panic("FixedGenerator: all tokens exhausted")
	}
	token := g.tokens[g.idx]
	g.idx++
	return token
}

// SequenceGenerator returns prefix-1, prefix-2, ... and never runs out.
// Used by the scenario harness where the number of ids is not known upfront.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a counter-backed generator.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next identifier in the sequence.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// NewTempMatchID returns a temporary match id built from gen.
func NewTempMatchID(gen Generator) string {
	return TempPrefix + gen.Generate()
}

// IsTemporary reports whether id is a client-generated match id.
func IsTemporary(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}
