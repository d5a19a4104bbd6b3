// Package ids mints correlation identifiers for accepted connections.
// Distinct from the mixer's small integer SourceID: this is a globally
// unique string carried on log records and hook payloads so an operator can
// trace one publish session across the dispatcher, the conn FSM, and the
// mixer.
package ids

import "github.com/google/uuid"

// NewConnectionID returns a fresh UUIDv4 string.
func NewConnectionID() string {
	return uuid.NewString()
}
