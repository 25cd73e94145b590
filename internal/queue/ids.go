package queue

import (
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator assigns record ids.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 record ids.
//
// UUIDv7 embeds a timestamp in the most significant bits, so ids sort
// roughly by creation time, which helps when reading exports and logs.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids, for deterministic tests and
// golden traces.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
//
// Panics if all ids have been consumed, so a test that enqueues more
// records than it planned for fails fast.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// SequentialGenerator returns prefix1, prefix2, ... without end. Used where
// ids must be deterministic but their number is not known up front.
//
// Thread-safety: SequentialGenerator is safe for concurrent use via internal mutex.
type SequentialGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialGenerator creates a generator numbering from 1.
func NewSequentialGenerator(prefix string) *SequentialGenerator {
	return &SequentialGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return g.prefix + strconv.Itoa(g.n)
}
