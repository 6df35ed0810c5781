package journal

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// rowIDs mints journal row IDs. They are ULIDs, so their text sorts by the
// row timestamp, and rows stamped with the same millisecond keep insert
// order.
type rowIDs struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newRowIDs() *rowIDs {
	return &rowIDs{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (r *rowIDs) next(ts time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(ts), r.entropy)
	if err != nil {
		return "", fmt.Errorf("journal row id: %w", err)
	}
	return id.String(), nil
}
