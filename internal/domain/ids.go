package domain

import (
	"strings"

	"github.com/google/uuid"
)

// localIDPrefix marks client-generated placeholder ids. Server ids are bare
// UUIDs, so the two identifier spaces never collide.
const localIDPrefix = "local-"

// NewLocalID returns a fresh placeholder id, collision-free within a session.
func NewLocalID() string {
	return localIDPrefix + uuid.NewString()
}

// NewServerID returns an authoritative message id (used by the server side).
func NewServerID() string {
	return uuid.NewString()
}

// IsLocalID reports whether id belongs to the placeholder namespace.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}
