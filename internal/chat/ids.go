package chat

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
)

// newULID returns a ULID string (26 chars). ULIDs are lexicographically
// sortable, which keeps the canonical-id tiebreak deterministic and makes
// correlation tokens easy to trace in logs.
func newULID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		// rand failing is effectively unreachable; fall back to raw hex so
		// callers never observe an empty id.
		b := make([]byte, 16)
		_, _ = rand.Read(b)
		return hex.EncodeToString(b)
	}
	return id.String()
}

// newLocalID returns the local (pre-acknowledgment) id for an optimistic
// message. The prefix keeps local ids disjoint from server ids.
func newLocalID(correlationToken string) string {
	return "local-" + correlationToken
}
