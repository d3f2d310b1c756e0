package model

import "fmt"

// Status is the proposal lifecycle state.
type Status string

const (
	StatusOngoing   Status = "ongoing"
	StatusPassed    Status = "passed"
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// transitions is the complete table of legal status changes. Terminal
// statuses have no entry.
var transitions = map[Status][]Status{
	StatusOngoing:   {StatusPassed, StatusRejected, StatusExpired},
	StatusPassed:    {StatusExecuting, StatusPending},
	StatusPending:   {StatusExecuting, StatusCancelled, StatusExpired},
	StatusExecuting: {StatusExecuted, StatusRejected},
}

// ActiveStatuses are the non-terminal statuses. A team may have at most one
// proposal in any of them per instrument and side.
var ActiveStatuses = []Status{StatusOngoing, StatusPassed, StatusPending, StatusExecuting}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Active is the negation of Terminal.
func (s Status) Active() bool { return !s.Terminal() }

// CanTransition reports whether from → to is in the table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves p to status to, or returns ErrIllegalTransition.
func (p *Proposal) Transition(to Status) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("%w: %s → %s (proposal %s)", ErrIllegalTransition, p.Status, to, p.ID)
	}
	p.Status = to
	return nil
}

// MustTransition is Transition for callers that already checked the source
// status. A failure here is a bug, not a runtime condition.
func (p *Proposal) MustTransition(to Status) {
	if err := p.Transition(to); err != nil {
		panic(err)
	}
}
