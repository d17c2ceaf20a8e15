package testutil

import (
	"strconv"
	"sync/atomic"
)

// SequenceGenerator hands out "<prefix>-1", "<prefix>-2", ... in call order.
//
// It satisfies engine.IDGenerator, so events created without an explicit ID
// get predictable names in scenario traces. Safe for concurrent use.
type SequenceGenerator struct {
	prefix string
	next   atomic.Int64
}

// NewSequenceGenerator creates a generator. An empty prefix means "ev".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "ev"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next ID.
func (g *SequenceGenerator) Generate() string {
	return g.prefix + "-" + strconv.FormatInt(g.next.Add(1), 10)
}

// Issued returns how many IDs have been generated.
func (g *SequenceGenerator) Issued() int64 {
	return g.next.Load()
}
