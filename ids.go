package portalauth

import "github.com/google/uuid"

// newID mints identifiers for users and sessions.
func newID() string {
	return uuid.NewString()
}
