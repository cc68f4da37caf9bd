// Package lifecycle governs batch state transitions. The core validates
// transitions; approval policy itself belongs to external governance.
package lifecycle

import (
	"fmt"

	"github.com/opensource-finance/talon/internal/domain"
)

// transitions maps each state to the states reachable from it.
// SUPERSEDED is terminal and only reachable from OFFICIAL, when a newer
// batch replaces the current one. REJECTED -> OFFICIAL is the sole
// re-entry path.
var transitions = map[domain.BatchState][]domain.BatchState{
	domain.StateDraft:           {domain.StatePreview},
	domain.StatePreview:         {domain.StateReconcile},
	domain.StateReconcile:       {domain.StateOfficial},
	domain.StateOfficial:        {domain.StatePendingApproval, domain.StateSuperseded},
	domain.StatePendingApproval: {domain.StateApproved, domain.StateRejected},
	domain.StateApproved:        {domain.StatePosted},
	domain.StateRejected:        {domain.StateOfficial},
	domain.StatePosted:          {domain.StateClosed},
	domain.StateClosed:          {domain.StatePaid},
	domain.StatePaid:            {domain.StatePublished},
	domain.StatePublished:       {},
	domain.StateSuperseded:      {},
}

// Valid reports whether s is a known batch state.
func Valid(s domain.BatchState) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to domain.BatchState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns a descriptive error when the
// move is illegal.
func Transition(from, to domain.BatchState) error {
	if !Valid(from) {
		return fmt.Errorf("unknown batch state %q", from)
	}
	if !Valid(to) {
		return fmt.Errorf("unknown batch state %q", to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	return nil
}

// Terminal reports whether no further transitions are possible from s.
func Terminal(s domain.BatchState) bool {
	return Valid(s) && len(transitions[s]) == 0
}
