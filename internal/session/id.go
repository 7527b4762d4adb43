package session

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// GenerateID returns a new lexically sortable id with the given prefix.
func GenerateID(prefix string) string {
	return prefix + strings.ToLower(ulid.Make().String())
}

// NewSessionID returns a new session id.
func NewSessionID() string {
	return GenerateID("sess_")
}
