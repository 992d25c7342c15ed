package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a UUIDv7 identifier string, used for session IDs minted
// on behalf of clients. If UUIDv7 generation fails, it falls back to a
// random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ConnectionID returns a lexically sortable ULID for a push connection.
func ConnectionID() string {
	return ulid.Make().String()
}
