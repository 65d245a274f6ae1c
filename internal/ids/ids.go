package ids

import "github.com/google/uuid"

// New returns an opaque unique identifier suitable for sessions, turns and
// trace ids.
func New() string {
	return uuid.NewString()
}
