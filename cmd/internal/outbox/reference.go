package outbox

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewReferenceID returns a new client reference id (26-char ULID).
// Reference ids sort by creation time, which keeps server-side dedupe logs readable.
func NewReferenceID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
