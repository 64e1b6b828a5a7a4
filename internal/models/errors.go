package models

import (
	"fmt"
	"time"
)

// PreconditionError rejects a user action attempted without the state it
// requires. It is returned synchronously, before any network effect.
type PreconditionError struct {
	Action  string
	Missing string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: missing %s", e.Action, e.Missing)
}

// ExpiredResourceError rejects use of a resource past its validity horizon,
// e.g. starting a trip on a fare whose ExpiresAt has passed.
type ExpiredResourceError struct {
	Resource  string
	ID        string
	ExpiredAt time.Time
}

func (e *ExpiredResourceError) Error() string {
	return fmt.Sprintf("%s %s expired at %s", e.Resource, e.ID, e.ExpiredAt.Format(time.RFC3339))
}
