package ledger

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator issues transaction ids. ULIDs sort by creation time, and the
// monotonic entropy keeps ids minted in the same millisecond ordered too.
type IDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *IDGenerator) Next(at time.Time) TransactionID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return TransactionID(ulid.MustNew(ulid.Timestamp(at), g.entropy).String())
}
