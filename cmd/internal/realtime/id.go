package realtime

import (
	"time"

	"beacon/cmd/internal/ids"
)

// NewConnectionID returns a ULID used as the websocket connection id.
// Clients echo it back in hello.resume_id to resume a parked session.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
