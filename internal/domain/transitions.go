package domain

import "fmt"

// projectTransitions is the closed edge set of the project state machine.
// Status writes that are not listed here are refused.
var projectTransitions = map[ProjectStatus][]ProjectStatus{
	StatusCreated: {StatusRunning},
	StatusRunning: {
		StatusAwaitingPlanApproval,
		StatusAwaitingQAApproval,
		StatusAwaitingPublishApproval,
		StatusCompleted,
		StatusFailed,
		StatusAbandoned,
	},
	StatusAwaitingPlanApproval:    {StatusRunning, StatusAbandoned},
	StatusAwaitingQAApproval:      {StatusRunning, StatusAbandoned},
	StatusAwaitingPublishApproval: {StatusRunning, StatusAbandoned},
	// feedback on a delivered project re-enters the pipeline
	StatusCompleted: {StatusRunning},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to ProjectStatus) bool {
	for _, s := range projectTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EnsureTransition returns an error describing a refused status change.
func EnsureTransition(from, to ProjectStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("invalid project status transition %s -> %s", from, to)
}

// EnsureIterationTransition guards iteration status writes.
func EnsureIterationTransition(from, to IterationStatus) error {
	switch from {
	case IterationPending:
		if to == IterationInProgress || to == IterationWontFix {
			return nil
		}
	case IterationInProgress:
		if to == IterationResolved || to == IterationWontFix {
			return nil
		}
	}
	return fmt.Errorf("invalid iteration status transition %s -> %s", from, to)
}
