package chat

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
	idLastMS  uint64
)

// NewMessageID returns a ULID message id.
//
// Ids must sort in allocation order because the history cursor compares them
// lexicographically (display order == persistence order). The monotonic
// entropy source covers allocations within one millisecond; the millisecond
// itself is clamped to never decrease, so a caller handing in an earlier
// clock reading (two sends racing across connections) still gets an id
// greater than every id allocated before it.
func NewMessageID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	idMu.Lock()
	defer idMu.Unlock()

	ms := ulid.Timestamp(now)
	if ms < idLastMS {
		ms = idLastMS
	}
	idLastMS = ms
	return ulid.MustNew(ms, idEntropy).String()
}
