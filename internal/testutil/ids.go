package testutil

import (
	"fmt"
	"sync"
)

// FixedIDGenerator returns predetermined identifiers, then numbered ones.
//
// This enables deterministic test execution and golden trace comparison.
// Once the listed ids are consumed it continues with "<prefix>-<n>".
//
// Thread-safety: FixedIDGenerator is safe for concurrent use via internal mutex.
type FixedIDGenerator struct {
	mu     sync.Mutex
	ids    []string
	idx    int
	prefix string
}

// NewFixedIDGenerator creates a generator that returns ids in order.
//
// Example:
//
//	gen := NewFixedIDGenerator("C", "C-100")
//	gen.Generate() // "C-100"
//	gen.Generate() // "C-2"
func NewFixedIDGenerator(prefix string, ids ...string) *FixedIDGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &FixedIDGenerator{ids: ids, prefix: prefix}
}

// Generate returns the next identifier.
func (g *FixedIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.idx++
	if g.idx <= len(g.ids) {
		return g.ids[g.idx-1]
	}
	return fmt.Sprintf("%s-%d", g.prefix, g.idx)
}
