package engine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// newIdempotencyKey mints a random 128-bit identifier, hex-encoded, used for
// clientOrderId/clientTransferId/withdrawalId. It is generated exactly once
// per state entry and persisted before first use; retries of the same
// state occupancy reuse the already-persisted value so a retried CEX call
// is never double-submitted under a fresh key.
func newIdempotencyKey() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("engine: read random bytes for idempotency key: %v", err))
	}
	return hex.EncodeToString(b[:])
}
