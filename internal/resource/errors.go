package resource

import (
	"fmt"
	"sort"
	"strings"
)

// Shortfall names one resource that could not cover a reservation.
type Shortfall struct {
	Resource string `json:"resource"`
	Need     int64  `json:"need"`
	Free     int64  `json:"free"`
}

// ExhaustedError reports a failed all-or-nothing reservation. It lists
// every short resource, not just the first. Callers treat it as a
// requeue signal, not a task failure.
type ExhaustedError struct {
	Owner   string
	Missing []Shortfall
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		parts = append(parts, fmt.Sprintf("%s need %d free %d", m.Resource, m.Need, m.Free))
	}
	sort.Strings(parts)
	return "resources exhausted: " + strings.Join(parts, ", ")
}

// InconsistencyError reports a release that does not match any hold.
// This means reserve/release bookkeeping is broken somewhere; the ledger
// stays usable but flags itself until restart.
type InconsistencyError struct {
	Owner  string
	Detail string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("ledger inconsistency (owner %q): %s", e.Owner, e.Detail)
}
