package lifecycle

import (
	"testing"

	"github.com/opensource-finance/talon/internal/domain"
)

func TestHappyPath(t *testing.T) {
	path := []domain.BatchState{
		domain.StateDraft,
		domain.StatePreview,
		domain.StateReconcile,
		domain.StateOfficial,
		domain.StatePendingApproval,
		domain.StateApproved,
		domain.StatePosted,
		domain.StateClosed,
		domain.StatePaid,
		domain.StatePublished,
	}

	for i := 0; i < len(path)-1; i++ {
		if err := Transition(path[i], path[i+1]); err != nil {
			t.Errorf("expected %s -> %s to be legal: %v", path[i], path[i+1], err)
		}
	}
}

func TestSupersededBranch(t *testing.T) {
	if !CanTransition(domain.StateOfficial, domain.StateSuperseded) {
		t.Error("OFFICIAL -> SUPERSEDED must be legal")
	}
	if !Terminal(domain.StateSuperseded) {
		t.Error("SUPERSEDED must be terminal")
	}
	if CanTransition(domain.StateSuperseded, domain.StateOfficial) {
		t.Error("SUPERSEDED must not re-enter the lifecycle")
	}
}

func TestRejectedReentry(t *testing.T) {
	if !CanTransition(domain.StateRejected, domain.StateOfficial) {
		t.Error("REJECTED -> OFFICIAL is the sole re-entry path")
	}
	if CanTransition(domain.StateRejected, domain.StateApproved) {
		t.Error("REJECTED must not jump straight to APPROVED")
	}
}

func TestIllegalTransitions(t *testing.T) {
	cases := []struct {
		from, to domain.BatchState
	}{
		{domain.StateDraft, domain.StateOfficial},
		{domain.StatePublished, domain.StateDraft},
		{domain.StatePreview, domain.StatePaid},
		{domain.StateOfficial, domain.StateDraft},
	}

	for _, c := range cases {
		if err := Transition(c.from, c.to); err == nil {
			t.Errorf("expected %s -> %s to be rejected", c.from, c.to)
		}
	}
}

func TestUnknownState(t *testing.T) {
	if err := Transition(domain.BatchState("BOGUS"), domain.StateDraft); err == nil {
		t.Error("expected error for unknown source state")
	}
	if Valid(domain.BatchState("")) {
		t.Error("empty state must not be valid")
	}
}
