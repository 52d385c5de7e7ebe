package domain

import "testing"

func TestProjectTransitions(t *testing.T) {
	allowed := []struct{ from, to ProjectStatus }{
		{StatusCreated, StatusRunning},
		{StatusRunning, StatusAwaitingPlanApproval},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusAbandoned},
		{StatusAwaitingQAApproval, StatusRunning},
		{StatusAwaitingPublishApproval, StatusAbandoned},
		{StatusCompleted, StatusRunning},
	}
	for _, tc := range allowed {
		if err := EnsureTransition(tc.from, tc.to); err != nil {
			t.Fatalf("%s -> %s: %v", tc.from, tc.to, err)
		}
	}
	refused := []struct{ from, to ProjectStatus }{
		{StatusCreated, StatusCompleted},
		{StatusCreated, StatusAbandoned},
		{StatusFailed, StatusRunning},
		{StatusAbandoned, StatusRunning},
		{StatusAwaitingPlanApproval, StatusCompleted},
		{StatusAwaitingPlanApproval, StatusAwaitingQAApproval},
		{StatusCompleted, StatusFailed},
	}
	for _, tc := range refused {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be refused", tc.from, tc.to)
		}
	}
}

func TestStatusGate(t *testing.T) {
	for _, kind := range []GateKind{GatePlanApproval, GateQAApproval, GatePublishApproval} {
		status := kind.AwaitingStatus()
		if !status.Awaiting() {
			t.Fatalf("%s should be an awaiting status", status)
		}
		got, ok := status.Gate()
		if !ok || got != kind {
			t.Fatalf("gate for %s = %s", status, got)
		}
	}
	if StatusRunning.Awaiting() {
		t.Fatalf("running is not awaiting")
	}
	if !StatusAbandoned.Terminal() || StatusAwaitingQAApproval.Terminal() {
		t.Fatalf("terminal classification wrong")
	}
}

func TestIterationTransitions(t *testing.T) {
	if err := EnsureIterationTransition(IterationPending, IterationInProgress); err != nil {
		t.Fatal(err)
	}
	if err := EnsureIterationTransition(IterationInProgress, IterationResolved); err != nil {
		t.Fatal(err)
	}
	if err := EnsureIterationTransition(IterationResolved, IterationWontFix); err == nil {
		t.Fatalf("resolved iteration must stay resolved")
	}
	if err := EnsureIterationTransition(IterationPending, IterationResolved); err == nil {
		t.Fatalf("pending iteration cannot resolve without running")
	}
}
