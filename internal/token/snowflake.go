package token

import (
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
)

const (
	counterBits = 22
	maxCounter  = 1<<counterBits - 1
)

// Generator issues snowflake identifiers: milliseconds since epoch in the
// high bits, a per-millisecond counter in the low 22 bits.
//
// The counter never wraps. When more than 2^22 ids are requested inside one
// millisecond the generator borrows the next millisecond, and a clock that
// moves backwards keeps using the last millisecond it saw, so issued ids
// are strictly increasing for the life of the process.
type Generator struct {
	mu      sync.Mutex
	clock   clock.Clock
	epoch   int64
	lastMs  int64
	counter int64
}

// NewGenerator returns a generator counting from epoch (unix milliseconds).
func NewGenerator(clk clock.Clock, epoch int64) *Generator {
	return &Generator{clock: clk, epoch: epoch, lastMs: -1}
}

// Next returns the next identifier as an integer.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now().UnixMilli() - g.epoch
	if now < g.lastMs {
		now = g.lastMs
	}

	if now == g.lastMs {
		g.counter++
		if g.counter > maxCounter {
			now++
			g.counter = 0
		}
	} else {
		g.counter = 0
	}
	g.lastMs = now

	return now<<counterBits | g.counter
}

// NextString returns the next identifier in its decimal wire form.
func (g *Generator) NextString() string {
	return strconv.FormatInt(g.Next(), 10)
}
