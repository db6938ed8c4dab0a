package realtime

import (
	"time"

	"roomrelay/cmd/identity/ids"
)

// NewEnvelopeID returns a ULID used as envelope id.
// ULIDs sort by creation time, which keeps traces readable in logs.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
