package disk

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Lookup when no working directory exists for an identity.
var ErrNotFound = errors.New("cache entry not found")

// IncompleteResultError means a working directory exists but has no
// completion marker, i.e. a previous run crashed or failed mid-execution.
// Callers recover by executing again from scratch.
type IncompleteResultError struct {
	Stage    string
	Identity string
	Dir      string
}

func (e *IncompleteResultError) Error() string {
	return fmt.Sprintf("incomplete result for %s/%s in %s: completion marker missing", e.Stage, shortID(e.Identity), e.Dir)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
