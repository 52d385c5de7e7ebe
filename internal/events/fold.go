package events

import "phaseline/internal/domain"

// Fold derives a project's status from its activity history alone. Every
// status change the engine makes is paired with the entry that explains it,
// so folding a complete replay must agree with the stored project row.
func Fold(entries []domain.ActivityEntry) domain.ProjectStatus {
	var status domain.ProjectStatus
	for _, e := range entries {
		switch e.Kind {
		case KindProjectCreated:
			status = domain.StatusCreated
		case KindProjectStarted, KindPhaseStarted, KindIterationStarted:
			status = domain.StatusRunning
		case KindGateOpened:
			if kind, ok := e.Payload["gate"].(string); ok {
				status = domain.GateKind(kind).AwaitingStatus()
			}
		case KindGateResolved:
			switch domain.Decision(stringField(e.Payload, "decision")) {
			case domain.DecisionApprove, domain.DecisionChangesRequested:
				status = domain.StatusRunning
			case domain.DecisionReject:
				status = domain.StatusAbandoned
			}
		case KindPhaseFailed:
			if fatal, _ := e.Payload["fatal"].(bool); fatal {
				status = domain.StatusFailed
			}
		case KindProjectCompleted:
			status = domain.StatusCompleted
		case KindProjectStopped:
			status = domain.StatusAbandoned
		}
	}
	return status
}

func stringField(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}
